package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dealcheck/internal/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = sql.ErrNoRows

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists deals, master sheets, documents and validation history.
type Store struct {
	db     *sql.DB
	driver string
}

// NewStore wraps an opened and migrated database.
func NewStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: normalizeDriver(driver)}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) insert(ctx context.Context, ex execer, query string, args ...any) (int64, error) {
	if s.driver == "postgres" {
		var id int64
		if err := ex.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CreateDeal inserts a new deal.
func (s *Store) CreateDeal(ctx context.Context, name string) (*models.Deal, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("deal name is required")
	}
	now := time.Now().UTC()
	id, err := s.insert(ctx, s.db, `INSERT INTO deals (name, created_at) VALUES (?, ?)`, name, now)
	if err != nil {
		return nil, fmt.Errorf("create deal: %w", err)
	}
	return &models.Deal{ID: id, Name: name, CreatedAt: now}, nil
}

// GetDeal returns one deal or ErrNotFound.
func (s *Store) GetDeal(ctx context.Context, dealID int64) (*models.Deal, error) {
	var d models.Deal
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, created_at FROM deals WHERE id = ?`), dealID,
	).Scan(&d.ID, &d.Name, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get deal: %w", err)
	}
	return &d, nil
}

// ListDeals returns all deals, newest first.
func (s *Store) ListDeals(ctx context.Context) ([]models.Deal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM deals ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	defer rows.Close()

	var deals []models.Deal
	for rows.Next() {
		var d models.Deal
		if err := rows.Scan(&d.ID, &d.Name, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

// ReplaceMasterSheet swaps the deal's master sheet record and all of its entries.
func (s *Store) ReplaceMasterSheet(ctx context.Context, sheet *models.MasterSheet, entries []models.MasterSheetEntry) (saved *models.MasterSheet, err error) {
	if sheet == nil || sheet.DealID <= 0 {
		return nil, errors.New("master sheet deal id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM master_sheet_entries WHERE deal_id = ?`), sheet.DealID); err != nil {
		return nil, fmt.Errorf("clear master sheet entries: %w", err)
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM master_sheets WHERE deal_id = ?`), sheet.DealID); err != nil {
		return nil, fmt.Errorf("clear master sheet: %w", err)
	}

	now := time.Now().UTC()
	out := *sheet
	out.UploadedAt = now
	out.EntryCount = len(entries)
	var inline any
	if len(sheet.Inline) > 0 {
		inline = sheet.Inline
	}
	out.ID, err = s.insert(ctx, tx,
		`INSERT INTO master_sheets (deal_id, file_name, mime_type, size, storage_url, inline_source, entry_count, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		out.DealID, out.FileName, out.MimeType, out.Size, out.StorageURL, inline, out.EntryCount, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert master sheet: %w", err)
	}
	for i, e := range entries {
		if _, err = tx.ExecContext(ctx,
			s.rebind(`INSERT INTO master_sheet_entries (deal_id, position, entity, field, expected_value) VALUES (?, ?, ?, ?, ?)`),
			out.DealID, i, e.Entity, e.Field, e.ExpectedValue,
		); err != nil {
			return nil, fmt.Errorf("insert master sheet entry: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit master sheet: %w", err)
	}
	return &out, nil
}

// GetMasterSheet returns the deal's current master sheet record or ErrNotFound.
func (s *Store) GetMasterSheet(ctx context.Context, dealID int64) (*models.MasterSheet, error) {
	var m models.MasterSheet
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, deal_id, file_name, mime_type, size, storage_url, inline_source, entry_count, uploaded_at
		 FROM master_sheets WHERE deal_id = ?`), dealID,
	).Scan(&m.ID, &m.DealID, &m.FileName, &m.MimeType, &m.Size, &m.StorageURL, &m.Inline, &m.EntryCount, &m.UploadedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get master sheet: %w", err)
	}
	return &m, nil
}

// ListMasterSheetEntries returns the stored entries in their original order.
func (s *Store) ListMasterSheetEntries(ctx context.Context, dealID int64) ([]models.MasterSheetEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT entity, field, expected_value FROM master_sheet_entries WHERE deal_id = ? ORDER BY position ASC`),
		dealID,
	)
	if err != nil {
		return nil, fmt.Errorf("list master sheet entries: %w", err)
	}
	defer rows.Close()

	var entries []models.MasterSheetEntry
	for rows.Next() {
		var e models.MasterSheetEntry
		if err := rows.Scan(&e.Entity, &e.Field, &e.ExpectedValue); err != nil {
			return nil, fmt.Errorf("scan master sheet entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddDocument registers a supporting document as unvalidated.
func (s *Store) AddDocument(ctx context.Context, doc models.Document) (*models.Document, error) {
	if doc.DealID <= 0 {
		return nil, errors.New("deal id is required")
	}
	doc.UploadedAt = time.Now().UTC()
	doc.State = models.StateUnvalidated
	doc.ValidationLog = ""
	id, err := s.insert(ctx, s.db,
		`INSERT INTO documents (deal_id, name, mime_type, size, storage_url, uploaded_at, state, validation_log)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.DealID, doc.Name, doc.MimeType, doc.Size, doc.StorageURL, doc.UploadedAt, doc.State, doc.ValidationLog,
	)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	doc.ID = id
	return &doc, nil
}

// ListDocuments returns the deal's documents in upload order.
func (s *Store) ListDocuments(ctx context.Context, dealID int64) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, deal_id, name, mime_type, size, storage_url, uploaded_at, state, validation_log
		 FROM documents WHERE deal_id = ? ORDER BY id ASC`),
		dealID,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.DealID, &d.Name, &d.MimeType, &d.Size, &d.StorageURL, &d.UploadedAt, &d.State, &d.ValidationLog); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// RecordValidation writes a document's validation state and log.
func (s *Store) RecordValidation(ctx context.Context, documentID int64, state, log string) error {
	return s.RecordValidations(ctx, []models.DocumentState{{DocumentID: documentID, State: state, Log: log}})
}

// RecordValidations writes every document's state and log in one transaction,
// so either all documents of a run are updated or none are.
func (s *Store) RecordValidations(ctx context.Context, states []models.DocumentState) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	for _, st := range states {
		var res sql.Result
		res, err = tx.ExecContext(ctx,
			s.rebind(`UPDATE documents SET state = ?, validation_log = ? WHERE id = ?`),
			st.State, st.Log, st.DocumentID,
		)
		if err != nil {
			return fmt.Errorf("record validation: %w", err)
		}
		if err = s.confirmUpdated(ctx, tx, res, st.DocumentID); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit validation states: %w", err)
	}
	return nil
}

// confirmUpdated reports ErrNotFound only when the document row is absent.
// MySQL counts changed rows, so rewriting identical values affects zero rows.
func (s *Store) confirmUpdated(ctx context.Context, ex execer, res sql.Result, documentID int64) error {
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		return nil
	}
	var one int
	if err := ex.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM documents WHERE id = ?`), documentID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("check document %d: %w", documentID, err)
	}
	return nil
}

// AppendValidationRun stores a completed run. Runs are never updated.
func (s *Store) AppendValidationRun(ctx context.Context, run *models.ValidationRun) error {
	if run == nil || run.ID == "" {
		return errors.New("validation run id is required")
	}
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("encode run results: %w", err)
	}
	if _, err := s.insert(ctx, s.db,
		`INSERT INTO validation_runs (run_id, deal_id, master_sheet_name, created_at, pass_count, fail_count, error_count, document_count, results)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DealID, run.MasterSheetName, run.CreatedAt.UTC(),
		run.PassCount, run.FailCount, run.ErrorCount, run.DocumentCount, string(results),
	); err != nil {
		return fmt.Errorf("append validation run: %w", err)
	}
	return nil
}

const runColumns = `run_id, deal_id, master_sheet_name, created_at, pass_count, fail_count, error_count, document_count, results`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.ValidationRun, error) {
	var (
		run     models.ValidationRun
		results string
	)
	if err := row.Scan(&run.ID, &run.DealID, &run.MasterSheetName, &run.CreatedAt,
		&run.PassCount, &run.FailCount, &run.ErrorCount, &run.DocumentCount, &results); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(results), &run.Results); err != nil {
		return nil, fmt.Errorf("decode run results: %w", err)
	}
	return &run, nil
}

// ListValidationRuns returns the deal's run history, newest first.
func (s *Store) ListValidationRuns(ctx context.Context, dealID int64) ([]*models.ValidationRun, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+runColumns+` FROM validation_runs WHERE deal_id = ? ORDER BY id DESC`),
		dealID,
	)
	if err != nil {
		return nil, fmt.Errorf("list validation runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.ValidationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan validation run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetValidationRun returns one run of the deal or ErrNotFound.
func (s *Store) GetValidationRun(ctx context.Context, dealID int64, runID string) (*models.ValidationRun, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+runColumns+` FROM validation_runs WHERE deal_id = ? AND run_id = ?`),
		dealID, runID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get validation run: %w", err)
	}
	return run, nil
}
