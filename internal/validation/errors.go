package validation

import (
	"errors"
	"fmt"
)

var (
	ErrDealNotFound  = errors.New("deal not found")
	ErrNoMasterSheet = errors.New("deal has no master sheet")
	ErrNoDocuments   = errors.New("deal has no supporting documents")
	ErrRunNotFound   = errors.New("validation run not found")
)

// ExtractionIOError reports a document whose bytes could not be fetched.
type ExtractionIOError struct {
	Document string
	Err      error
}

func (e *ExtractionIOError) Error() string {
	return fmt.Sprintf("fetch document %s: %v", e.Document, e.Err)
}

func (e *ExtractionIOError) Unwrap() error { return e.Err }
