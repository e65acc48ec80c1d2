package models

import "time"

// Deal groups one master sheet with its supporting documents.
type Deal struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// MasterSheet is the stored record of a deal's current reference sheet.
// Inline carries the raw key-value source when the sheet was not uploaded as a file.
type MasterSheet struct {
	ID         int64     `json:"id"`
	DealID     int64     `json:"deal_id"`
	FileName   string    `json:"file_name"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	StorageURL string    `json:"storage_url,omitempty"`
	Inline     []byte    `json:"-"`
	EntryCount int       `json:"entry_count"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// MasterSheetEntry is one expected (entity, field) -> value fact.
type MasterSheetEntry struct {
	Entity        string `json:"entity"`
	Field         string `json:"field"`
	ExpectedValue string `json:"expected_value"`
}

// Key returns the "entity:field" form used across the engine.
func (e MasterSheetEntry) Key() string {
	return e.Entity + ":" + e.Field
}
