package models

import "time"

const (
	MatchCorrect  = "correct"
	MatchMismatch = "mismatch"
	MatchMissing  = "missing"

	ResultOK    = "ok"
	ResultError = "error"
)

// MatchResult is the outcome of checking one master-sheet key against one text.
type MatchResult struct {
	Key      string   `json:"key"`
	Expected string   `json:"expected"`
	Found    []string `json:"found"`
	Status   string   `json:"status"`
}

// DocumentResult holds every match for one document, or the reason it could not be read.
type DocumentResult struct {
	DocumentID   int64         `json:"document_id"`
	DocumentName string        `json:"document_name"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	PageCount    int           `json:"page_count,omitempty"`
	FailedPages  []int         `json:"failed_pages,omitempty"`
	Matches      []MatchResult `json:"matches"`
}

// ValidationRun is one append-only execution over a deal's documents.
type ValidationRun struct {
	ID              string           `json:"id"`
	DealID          int64            `json:"deal_id"`
	MasterSheetName string           `json:"master_sheet_name"`
	CreatedAt       time.Time        `json:"created_at"`
	Results         []DocumentResult `json:"results"`
	PassCount       int              `json:"pass_count"`
	FailCount       int              `json:"fail_count"`
	ErrorCount      int              `json:"error_count"`
	DocumentCount   int              `json:"document_count"`
}

// RunSummary is the compact view returned to callers and kept in the cache.
type RunSummary struct {
	RunID              string    `json:"run_id"`
	DealID             int64     `json:"deal_id"`
	CreatedAt          time.Time `json:"created_at"`
	Total              int       `json:"total"`
	Passed             int       `json:"passed"`
	Failed             int       `json:"failed"`
	Errors             int       `json:"errors"`
	MasterSheetName    string    `json:"master_sheet_name"`
	SupportingDocCount int       `json:"supporting_doc_count"`
}

// Summary derives the caller-facing counts. Total counts (document, key) attempts.
func (r *ValidationRun) Summary() RunSummary {
	return RunSummary{
		RunID:              r.ID,
		DealID:             r.DealID,
		CreatedAt:          r.CreatedAt,
		Total:              r.PassCount + r.FailCount,
		Passed:             r.PassCount,
		Failed:             r.FailCount,
		Errors:             r.ErrorCount,
		MasterSheetName:    r.MasterSheetName,
		SupportingDocCount: r.DocumentCount,
	}
}
