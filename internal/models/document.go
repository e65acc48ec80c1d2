package models

import "time"

const (
	StateUnvalidated = "unvalidated"
	StateValidated   = "validated"
	StateFailed      = "failed"
)

// Document represents a supporting file registered against a deal.
type Document struct {
	ID            int64     `json:"id"`
	DealID        int64     `json:"deal_id"`
	Name          string    `json:"name"`
	MimeType      string    `json:"mime_type"`
	Size          int64     `json:"size"`
	StorageURL    string    `json:"storage_url"`
	UploadedAt    time.Time `json:"uploaded_at"`
	State         string    `json:"state"`
	ValidationLog string    `json:"validation_log,omitempty"`
}

// DocumentState is the validation outcome written back to one document.
type DocumentState struct {
	DocumentID int64
	State      string
	Log        string
}
