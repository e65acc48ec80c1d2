// Package validation runs a deal's supporting documents against its master
// sheet and keeps the run history.
package validation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dealcheck/internal/config"
	"dealcheck/internal/extract"
	"dealcheck/internal/mastersheet"
	"dealcheck/internal/matcher"
	"dealcheck/internal/metrics"
	"dealcheck/internal/models"
	"dealcheck/internal/redis"
	"dealcheck/internal/storage"
	"dealcheck/internal/worker"
)

// Store is the persistence the orchestrator needs. Lookups report a missing
// row with storage.ErrNotFound.
type Store interface {
	GetDeal(ctx context.Context, dealID int64) (*models.Deal, error)
	GetMasterSheet(ctx context.Context, dealID int64) (*models.MasterSheet, error)
	ListDocuments(ctx context.Context, dealID int64) ([]models.Document, error)
	RecordValidations(ctx context.Context, states []models.DocumentState) error
	AppendValidationRun(ctx context.Context, run *models.ValidationRun) error
	ListValidationRuns(ctx context.Context, dealID int64) ([]*models.ValidationRun, error)
	GetValidationRun(ctx context.Context, dealID int64, runID string) (*models.ValidationRun, error)
}

// Fetcher resolves a storage URL to the document bytes.
type Fetcher interface {
	Fetch(ctx context.Context, storageURL string) ([]byte, error)
}

// Options carries the optional collaborators. Nil values disable the concern.
type Options struct {
	Dispatcher *worker.Dispatcher
	Cache      *redis.Cache
	Metrics    *metrics.Registry
	Logger     *logrus.Logger
}

type Orchestrator struct {
	store      Store
	fetcher    Fetcher
	extractor  *extract.Extractor
	sheets     *mastersheet.Parser
	dispatcher *worker.Dispatcher
	cache      *redis.Cache
	metrics    *metrics.Registry
	logger     *logrus.Logger
	now        func() time.Time
}

func NewOrchestrator(store Store, fetcher Fetcher, extractor *extract.Extractor, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Orchestrator{
		store:      store,
		fetcher:    fetcher,
		extractor:  extractor,
		sheets:     mastersheet.NewParser(extractor),
		dispatcher: opts.Dispatcher,
		cache:      opts.Cache,
		metrics:    opts.Metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Run validates every document of the deal and records the run. Precondition
// and master sheet failures return an error and record nothing; per-document
// failures become error results inside the run.
func (o *Orchestrator) Run(ctx context.Context, dealID int64) (*models.ValidationRun, error) {
	start := time.Now()
	if _, err := o.deal(ctx, dealID); err != nil {
		return nil, err
	}
	sheet, err := o.store.GetMasterSheet(ctx, dealID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoMasterSheet
		}
		return nil, fmt.Errorf("load master sheet: %w", err)
	}
	docs, err := o.store.ListDocuments(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}
	mapping, err := o.loadMapping(ctx, sheet)
	if err != nil {
		return nil, err
	}

	run := &models.ValidationRun{
		ID:              uuid.NewString(),
		DealID:          dealID,
		MasterSheetName: sheet.FileName,
		CreatedAt:       o.now().UTC(),
		DocumentCount:   len(docs),
	}
	outcomes, err := o.extractAll(ctx, run.ID, docs)
	if err != nil {
		return nil, err
	}

	m := matcher.New(mapping)
	run.Results = make([]models.DocumentResult, 0, len(docs))
	states := make([]models.DocumentState, 0, len(docs))
	for i, doc := range docs {
		res := documentResult(doc, outcomes[i], m)
		state := models.StateValidated
		if res.Status == models.ResultError {
			state = models.StateFailed
			run.ErrorCount++
			config.LogError(o.logger, "validation", "Run", doc.Name, map[string]any{"deal_id": dealID, "run_id": run.ID}, outcomes[i].Err)
		}
		for _, match := range res.Matches {
			if match.Status == models.MatchCorrect {
				run.PassCount++
			} else {
				run.FailCount++
			}
		}
		states = append(states, models.DocumentState{DocumentID: doc.ID, State: state, Log: resultLog(res)})
		run.Results = append(run.Results, res)
	}

	if err := o.store.RecordValidations(ctx, states); err != nil {
		return nil, fmt.Errorf("record document validation: %w", err)
	}
	if err := o.store.AppendValidationRun(ctx, run); err != nil {
		return nil, err
	}
	o.cache.StoreSummary(ctx, run.Summary())
	o.metrics.ObserveRun(run, time.Since(start))
	o.logger.WithFields(logrus.Fields{
		"module":    "validation",
		"deal_id":   dealID,
		"run_id":    run.ID,
		"documents": run.DocumentCount,
		"passed":    run.PassCount,
		"failed":    run.FailCount,
		"errors":    run.ErrorCount,
	}).Info("validation run recorded")
	return run, nil
}

// History returns the deal's run summaries, newest first.
func (o *Orchestrator) History(ctx context.Context, dealID int64) ([]models.RunSummary, error) {
	if _, err := o.deal(ctx, dealID); err != nil {
		return nil, err
	}
	runs, err := o.store.ListValidationRuns(ctx, dealID)
	if err != nil {
		return nil, err
	}
	out := make([]models.RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Summary())
	}
	return out, nil
}

// Latest returns the newest run summary, from the cache when present.
func (o *Orchestrator) Latest(ctx context.Context, dealID int64) (*models.RunSummary, error) {
	if _, err := o.deal(ctx, dealID); err != nil {
		return nil, err
	}
	if summary, ok := o.cache.LoadSummary(ctx, dealID); ok {
		return summary, nil
	}
	runs, err := o.store.ListValidationRuns(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrRunNotFound
	}
	summary := runs[0].Summary()
	o.cache.StoreSummary(ctx, summary)
	return &summary, nil
}

func (o *Orchestrator) GetRun(ctx context.Context, dealID int64, runID string) (*models.ValidationRun, error) {
	if _, err := o.deal(ctx, dealID); err != nil {
		return nil, err
	}
	run, err := o.store.GetValidationRun(ctx, dealID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (o *Orchestrator) deal(ctx context.Context, dealID int64) (*models.Deal, error) {
	deal, err := o.store.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrDealNotFound
		}
		return nil, fmt.Errorf("load deal: %w", err)
	}
	return deal, nil
}

// loadMapping reads the master sheet source, inline or fetched, and parses it.
func (o *Orchestrator) loadMapping(ctx context.Context, sheet *models.MasterSheet) (*mastersheet.Mapping, error) {
	data := sheet.Inline
	if len(data) == 0 {
		if sheet.StorageURL == "" {
			return nil, &mastersheet.ParseError{Row: 0, Err: errors.New("master sheet has no source")}
		}
		var err error
		data, err = o.fetcher.Fetch(ctx, sheet.StorageURL)
		if err != nil {
			return nil, fmt.Errorf("fetch master sheet %s: %w", sheet.FileName, err)
		}
	}
	return o.sheets.Parse(ctx, data, sheet.MimeType, sheet.FileName)
}

// extractAll fetches and extracts every document, through the dispatcher
// when one is configured. Outcomes keep document order.
func (o *Orchestrator) extractAll(ctx context.Context, runID string, docs []models.Document) ([]extract.Outcome, error) {
	outcomes := make([]extract.Outcome, len(docs))
	if o.dispatcher == nil {
		for i, doc := range docs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			outcomes[i] = o.extractOne(ctx, doc)
		}
		return outcomes, nil
	}
	tasks := make([]worker.Task, len(docs))
	for i, doc := range docs {
		tasks[i] = func(ctx context.Context) {
			outcomes[i] = o.extractOne(ctx, doc)
		}
	}
	if err := o.dispatcher.RunAll(ctx, runID, tasks); err != nil {
		return nil, err
	}
	// a task skipped for a done context leaves a zero outcome
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (o *Orchestrator) extractOne(ctx context.Context, doc models.Document) extract.Outcome {
	format, err := extract.Detect(doc.MimeType, doc.Name)
	if err != nil {
		return extract.Outcome{Err: err}
	}
	data, err := o.fetcher.Fetch(ctx, doc.StorageURL)
	if err != nil {
		return extract.Outcome{Format: format, Err: &ExtractionIOError{Document: doc.Name, Err: err}}
	}
	key := redis.TextKey(data, string(format))
	if cached, ok := o.cache.LoadText(ctx, key); ok {
		o.metrics.CacheHit()
		return extract.Outcome{
			Format:      extract.Format(cached.Format),
			Text:        cached.Text,
			PageCount:   cached.PageCount,
			FailedPages: cached.FailedPages,
		}
	}
	out := o.extractor.ExtractDocument(ctx, data, doc.MimeType, doc.Name)
	if out.OK() {
		o.cache.StoreText(ctx, key, redis.CachedText{
			Format:      string(out.Format),
			Text:        out.Text,
			PageCount:   out.PageCount,
			FailedPages: out.FailedPages,
		})
	}
	return out
}

func documentResult(doc models.Document, out extract.Outcome, m *matcher.Matcher) models.DocumentResult {
	res := models.DocumentResult{
		DocumentID:   doc.ID,
		DocumentName: doc.Name,
	}
	if !out.OK() {
		res.Status = models.ResultError
		res.Error = out.Err.Error()
		res.Matches = []models.MatchResult{}
		return res
	}
	res.Status = models.ResultOK
	res.PageCount = out.PageCount
	res.FailedPages = out.FailedPages
	res.Matches = m.Match(out.Text)
	return res
}

// resultLog is the text stored on the document after a run.
func resultLog(res models.DocumentResult) string {
	if res.Status == models.ResultError {
		return res.Error
	}
	counts := map[string]int{}
	for _, match := range res.Matches {
		counts[match.Status]++
	}
	log := fmt.Sprintf("%d correct, %d mismatch, %d missing",
		counts[models.MatchCorrect], counts[models.MatchMismatch], counts[models.MatchMissing])
	if len(res.FailedPages) > 0 {
		pages := make([]string, len(res.FailedPages))
		for i, p := range res.FailedPages {
			pages[i] = strconv.Itoa(p)
		}
		log += "; unreadable pages: " + strings.Join(pages, ", ")
	}
	return log
}
