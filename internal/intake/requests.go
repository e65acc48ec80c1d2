package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

type CreateDealRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

// DocumentRequest registers a file that already sits in storage.
type DocumentRequest struct {
	FileName   string `json:"file_name" validate:"required,max=255"`
	MimeType   string `json:"mime_type" validate:"omitempty,max=255"`
	Size       int64  `json:"size" validate:"gte=0"`
	StorageURL string `json:"storage_url" validate:"required,max=2048"`
}

// MasterSheetRequest registers either a stored file or inline
// {"Entity:Field": "value"} entries.
type MasterSheetRequest struct {
	FileName   string          `json:"file_name" validate:"omitempty,max=255"`
	MimeType   string          `json:"mime_type" validate:"omitempty,max=255"`
	Size       int64           `json:"size" validate:"gte=0"`
	StorageURL string          `json:"storage_url" validate:"required_without=Entries,omitempty,max=2048"`
	Entries    json.RawMessage `json:"entries" validate:"required_without=StorageURL"`
}

// RequestError lists the request fields that failed validation, keyed by JSON name.
type RequestError struct {
	Fields map[string]string
}

func (e *RequestError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, e.Fields[k])
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, ve := range verrs {
		fields[ve.Field()] = ve.Tag()
	}
	return &RequestError{Fields: fields}
}
