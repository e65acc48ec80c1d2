package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xuri/excelize/v2"

	"dealcheck/internal/config"
	"dealcheck/internal/extract"
	"dealcheck/internal/extract/extracttest"
	"dealcheck/internal/mastersheet"
	"dealcheck/internal/metrics"
	"dealcheck/internal/models"
	"dealcheck/internal/redis"
	"dealcheck/internal/storage"
	"dealcheck/internal/worker"
)

type fakeFetcher struct {
	mu    sync.Mutex
	files map[string][]byte
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	data, ok := f.files[url]
	if !ok {
		return nil, fmt.Errorf("object %s does not exist", url)
	}
	return data, nil
}

type testEnv struct {
	store   *storage.Store
	fetcher *fakeFetcher
	orch    *Orchestrator
	metrics *metrics.Registry
}

func newTestEnv(t *testing.T, withDispatcher bool) *testEnv {
	t.Helper()
	db, err := storage.Open("sqlite3", &config.Config{Databases: map[string]config.DatabaseConfig{
		"sqlite3": {DSN: ":memory:"},
	}})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ex, err := extract.New(context.Background())
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	env := &testEnv{
		store:   storage.NewStore(db, "sqlite3"),
		fetcher: &fakeFetcher{files: map[string][]byte{}},
		metrics: metrics.NewRegistry(),
	}
	opts := Options{Metrics: env.metrics}
	if withDispatcher {
		d := worker.NewDispatcher(1, 3, 8, time.Minute)
		t.Cleanup(d.Stop)
		opts.Dispatcher = d
	}
	env.orch = NewOrchestrator(env.store, env.fetcher, ex, opts)
	return env
}

func (e *testEnv) deal(t *testing.T, sheetJSON string) int64 {
	t.Helper()
	ctx := context.Background()
	deal, err := e.store.CreateDeal(ctx, "Bond 2026")
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	if sheetJSON != "" {
		e.sheet(t, deal.ID, "sheet.json", mastersheet.MimeJSON, []byte(sheetJSON))
	}
	return deal.ID
}

func (e *testEnv) sheet(t *testing.T, dealID int64, name, mime string, data []byte) {
	t.Helper()
	_, err := e.store.ReplaceMasterSheet(context.Background(), &models.MasterSheet{
		DealID: dealID, FileName: name, MimeType: mime, Size: int64(len(data)), Inline: data,
	}, nil)
	if err != nil {
		t.Fatalf("replace master sheet: %v", err)
	}
}

func (e *testEnv) doc(t *testing.T, dealID int64, name, mime string, data []byte) int64 {
	t.Helper()
	url := fmt.Sprintf("mem://%d/%s", dealID, name)
	if data != nil {
		e.fetcher.files[url] = data
	}
	doc, err := e.store.AddDocument(context.Background(), models.Document{
		DealID: dealID, Name: name, MimeType: mime, Size: int64(len(data)), StorageURL: url,
	})
	if err != nil {
		t.Fatalf("add document: %v", err)
	}
	return doc.ID
}

func (e *testEnv) documents(t *testing.T, dealID int64) map[string]models.Document {
	t.Helper()
	docs, err := e.store.ListDocuments(context.Background(), dealID)
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	out := make(map[string]models.Document, len(docs))
	for _, d := range docs {
		out[d.Name] = d
	}
	return out
}

func (e *testEnv) runCount(t *testing.T, dealID int64) int {
	t.Helper()
	runs, err := e.store.ListValidationRuns(context.Background(), dealID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	return len(runs)
}

func TestRunCorrectValue(t *testing.T) {
	env := newTestEnv(t, true)
	dealID := env.deal(t, `{"Issuer:Name": "Acme Corp"}`)
	env.doc(t, dealID, "memo.pdf", extract.MimePDF, extracttest.TextPDF("Issuer Name: Acme Corp"))

	run, err := env.orch.Run(context.Background(), dealID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.PassCount != 1 || run.FailCount != 0 || run.ErrorCount != 0 || run.DocumentCount != 1 {
		t.Fatalf("unexpected counts %+v", run)
	}
	want := []models.MatchResult{{Key: "Issuer:Name", Expected: "Acme Corp", Found: []string{"Acme Corp"}, Status: models.MatchCorrect}}
	if !reflect.DeepEqual(run.Results[0].Matches, want) {
		t.Fatalf("unexpected matches %#v", run.Results[0].Matches)
	}
	doc := env.documents(t, dealID)["memo.pdf"]
	if doc.State != models.StateValidated || doc.ValidationLog != "1 correct, 0 mismatch, 0 missing" {
		t.Fatalf("document not marked validated: %+v", doc)
	}
	if run.MasterSheetName != "sheet.json" || run.Summary().Total != 1 {
		t.Fatalf("unexpected summary %+v", run.Summary())
	}
}

func TestRunMismatchCapturesFoundValue(t *testing.T) {
	env := newTestEnv(t, true)
	dealID := env.deal(t, `{"Issuer:Name": "Acme Corp"}`)
	env.doc(t, dealID, "memo.txt", extract.MimeText, []byte("Issuer Name: Acme Inc"))

	run, err := env.orch.Run(context.Background(), dealID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	m := run.Results[0].Matches[0]
	if m.Status != models.MatchMismatch || !reflect.DeepEqual(m.Found, []string{"Acme"}) {
		t.Fatalf("unexpected match %#v", m)
	}
	if run.PassCount != 0 || run.FailCount != 1 {
		t.Fatalf("unexpected counts pass=%d fail=%d", run.PassCount, run.FailCount)
	}
}

func TestRunWithoutDocumentsRecordsNothing(t *testing.T) {
	env := newTestEnv(t, true)
	dealID := env.deal(t, `{"Issuer:Name": "Acme Corp"}`)

	if _, err := env.orch.Run(context.Background(), dealID); !errors.Is(err, ErrNoDocuments) {
		t.Fatalf("expected ErrNoDocuments, got %v", err)
	}
	if n := env.runCount(t, dealID); n != 0 {
		t.Fatalf("expected no persisted run, got %d", n)
	}
}

func TestRunUnsupportedDocumentDoesNotAbort(t *testing.T) {
	env := newTestEnv(t, true)
	dealID := env.deal(t, `{"Issuer:Name": "Acme Corp", "Bond:Coupon": "5.25"}`)
	env.doc(t, dealID, "memo.pdf", extract.MimePDF, extracttest.TextPDF("Issuer Name: Acme Corp", "Bond Coupon = 5.25"))
	env.doc(t, dealID, "scan.png", "image/png", []byte{0x89, 'P', 'N', 'G'})
	env.doc(t, dealID, "terms.docx", extract.MimeDOCX, extracttest.DOCX("Issuer Name: Acme Corp", "Bond Coupon: 5.50"))

	run, err := env.orch.Run(context.Background(), dealID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	names := []string{run.Results[0].DocumentName, run.Results[1].DocumentName, run.Results[2].DocumentName}
	if !reflect.DeepEqual(names, []string{"memo.pdf", "scan.png", "terms.docx"}) {
		t.Fatalf("results out of document order: %v", names)
	}
	scan := run.Results[1]
	if scan.Status != models.ResultError || !strings.Contains(scan.Error, "unsupported file type: image/png") {
		t.Fatalf("unexpected png result %+v", scan)
	}
	if run.ErrorCount != 1 || run.PassCount != 3 || run.FailCount != 1 {
		t.Fatalf("unexpected counts pass=%d fail=%d errors=%d", run.PassCount, run.FailCount, run.ErrorCount)
	}
	docs := env.documents(t, dealID)
	if docs["scan.png"].State != models.StateFailed || docs["scan.png"].ValidationLog != scan.Error {
		t.Fatalf("png not marked failed: %+v", docs["scan.png"])
	}
	if docs["terms.docx"].State != models.StateValidated || docs["terms.docx"].ValidationLog != "1 correct, 1 mismatch, 0 missing" {
		t.Fatalf("docx not marked validated: %+v", docs["terms.docx"])
	}
	if n := env.runCount(t, dealID); n != 1 {
		t.Fatalf("expected one persisted run, got %d", n)
	}
}

func TestRunFetchFailureIsPerDocument(t *testing.T) {
	env := newTestEnv(t, false)
	dealID := env.deal(t, `{"Issuer:Name": "Acme Corp"}`)
	env.doc(t, dealID, "gone.pdf", extract.MimePDF, nil)
	env.doc(t, dealID, "memo.txt", extract.MimeText, []byte("Issuer Name: Acme Corp"))

	run, err := env.orch.Run(context.Background(), dealID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Results[0].Status != models.ResultError || !strings.Contains(run.Results[0].Error, "fetch document gone.pdf") {
		t.Fatalf("unexpected result %+v", run.Results[0])
	}
	if run.Results[1].Status != models.ResultOK || run.PassCount != 1 {
		t.Fatalf("second document should still pass: %+v", run.Results[1])
	}
}

func TestRunMasterSheetParseErrorIsFatal(t *testing.T) {
	env := newTestEnv(t, true)
	dealID := env.deal(t, "")
	env.sheet(t, dealID, "sheet.csv", extract.MimeCSV, []byte("Name,Value\nIssuer,Acme\n"))
	env.doc(t, dealID, "memo.txt", extract.MimeText, []byte("Issuer Name: Acme"))

	_, err := env.orch.Run(context.Background(), dealID)
	var perr *mastersheet.ParseError
	if !errors.As(err, &perr) || perr.Row != 0 {
		t.Fatalf("expected header ParseError, got %v", err)
	}
	if n := env.runCount(t, dealID); n != 0 {
		t.Fatalf("parse error must not record a run, got %d", n)
	}
	if doc := env.documents(t, dealID)["memo.txt"]; doc.State != models.StateUnvalidated {
		t.Fatalf("document state changed on fatal error: %+v", doc)
	}
}

func TestRunPreconditions(t *testing.T) {
	env := newTestEnv(t, true)
	if _, err := env.orch.Run(context.Background(), 999); !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("expected ErrDealNotFound, got %v", err)
	}
	dealID := env.deal(t, "")
	env.doc(t, dealID, "memo.txt", extract.MimeText, []byte("x"))
	if _, err := env.orch.Run(context.Background(), dealID); !errors.Is(err, ErrNoMasterSheet) {
		t.Fatalf("expected ErrNoMasterSheet, got %v", err)
	}
}

func TestRunFetchesMasterSheetFromStorage(t *testing.T) {
	env := newTestEnv(t, true)
	dealID := env.deal(t, "")
	env.fetcher.files["mem://sheets/sheet.csv"] = []byte("Entity,Field,ExpectedValue\nIssuer,Name,Acme\n")
	if _, err := env.store.ReplaceMasterSheet(context.Background(), &models.MasterSheet{
		DealID: dealID, FileName: "sheet.csv", MimeType: extract.MimeCSV, StorageURL: "mem://sheets/sheet.csv",
	}, nil); err != nil {
		t.Fatalf("replace master sheet: %v", err)
	}
	env.doc(t, dealID, "memo.csv", extract.MimeCSV, []byte("Issuer Name: Acme,other\n"))

	run, err := env.orch.Run(context.Background(), dealID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.PassCount != 1 {
		t.Fatalf("expected csv document to pass, got %+v", run.Results)
	}
}

func TestRunCancelledContext(t *testing.T) {
	env := newTestEnv(t, true)
	dealID := env.deal(t, `{"Issuer:Name": "Acme Corp"}`)
	env.doc(t, dealID, "memo.txt", extract.MimeText, []byte("Issuer Name: Acme Corp"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.orch.Run(ctx, dealID); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := env.runCount(t, dealID); n != 0 {
		t.Fatalf("cancelled run must not be recorded, got %d", n)
	}
}

func TestHistoryLatestAndGetRun(t *testing.T) {
	env := newTestEnv(t, true)
	dealID := env.deal(t, `{"Issuer:Name": "Acme Corp"}`)
	env.doc(t, dealID, "memo.txt", extract.MimeText, []byte("Issuer Name: Acme Corp"))
	ctx := context.Background()

	if _, err := env.orch.Latest(ctx, dealID); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound before any run, got %v", err)
	}
	first, err := env.orch.Run(ctx, dealID)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := env.orch.Run(ctx, dealID)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !reflect.DeepEqual(first.Results, second.Results) {
		t.Fatalf("re-run changed results:\n first %+v\nsecond %+v", first.Results, second.Results)
	}

	history, err := env.orch.History(ctx, dealID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].RunID != second.ID || history[1].RunID != first.ID {
		t.Fatalf("history not newest first: %+v", history)
	}
	latest, err := env.orch.Latest(ctx, dealID)
	if err != nil || latest.RunID != second.ID {
		t.Fatalf("latest: %+v, %v", latest, err)
	}
	got, err := env.orch.GetRun(ctx, dealID, first.ID)
	if err != nil || !reflect.DeepEqual(got.Results, first.Results) {
		t.Fatalf("get run: %+v, %v", got, err)
	}
	if _, err := env.orch.GetRun(ctx, dealID, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := env.orch.History(ctx, 12345); !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("expected ErrDealNotFound, got %v", err)
	}
}

func sampleRun() *models.ValidationRun {
	return &models.ValidationRun{
		ID: "run-1",
		Results: []models.DocumentResult{
			{DocumentName: "memo.pdf", Status: models.ResultOK, Matches: []models.MatchResult{
				{Key: "Issuer:Name", Expected: "Acme Corp", Found: []string{"Acme Corp"}, Status: models.MatchCorrect},
				{Key: "Bond:Coupon", Expected: "5.25", Found: []string{"5.25", "5.50"}, Status: models.MatchMismatch},
				{Key: "Bond:Maturity", Expected: "2030", Found: []string{}, Status: models.MatchMissing},
			}},
			{DocumentName: "scan.png", Status: models.ResultError, Error: "unsupported file type: image/png", Matches: []models.MatchResult{}},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleRun()); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	want := "Document,Key,Expected,Found,Status\n" +
		"memo.pdf,Issuer:Name,Acme Corp,Acme Corp,correct\n" +
		"memo.pdf,Bond:Coupon,5.25,5.25 | 5.50,mismatch\n" +
		"memo.pdf,Bond:Maturity,2030,,missing\n" +
		"scan.png,,,unsupported file type: image/png,error\n"
	if buf.String() != want {
		t.Fatalf("unexpected csv:\n%s", buf.String())
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, sampleRun()); err != nil {
		t.Fatalf("write xlsx: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Validation")
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(rows) != 5 || rows[0][3] != "Found" || rows[2][3] != "5.25 | 5.50" || rows[4][4] != "error" {
		t.Fatalf("unexpected xlsx rows %v", rows)
	}
}

type failingStateStore struct {
	*storage.Store
}

func (failingStateStore) RecordValidations(ctx context.Context, states []models.DocumentState) error {
	return errors.New("database is locked")
}

func TestRunWriteBackFailureRecordsNothing(t *testing.T) {
	env := newTestEnv(t, false)
	dealID := env.deal(t, `{"Issuer:Name": "Acme Corp"}`)
	env.doc(t, dealID, "a.txt", extract.MimeText, []byte("Issuer Name: Acme Corp"))
	env.doc(t, dealID, "b.txt", extract.MimeText, []byte("Issuer Name: Acme Inc"))
	ex, err := extract.New(context.Background())
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	orch := NewOrchestrator(failingStateStore{env.store}, env.fetcher, ex, Options{})

	if _, err := orch.Run(context.Background(), dealID); err == nil {
		t.Fatalf("expected write-back error")
	}
	if n := env.runCount(t, dealID); n != 0 {
		t.Fatalf("run recorded after failed write-back: %d", n)
	}
	for name, doc := range env.documents(t, dealID) {
		if doc.State != models.StateUnvalidated {
			t.Fatalf("%s state changed without a run: %s", name, doc.State)
		}
	}
}

func TestRerunFromTextCacheMatchesFirstRun(t *testing.T) {
	client := newTestRedis(t)
	defer client.Close()
	env := newTestEnv(t, true)
	ex, err := extract.New(context.Background())
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	d := worker.NewDispatcher(1, 2, 8, time.Minute)
	t.Cleanup(d.Stop)
	orch := NewOrchestrator(env.store, env.fetcher, ex, Options{
		Dispatcher: d,
		Cache:      redis.NewCache(client, time.Minute),
		Metrics:    env.metrics,
	})

	dealID := env.deal(t, `{"Issuer:Name": "Acme Corp", "Bond:Coupon": "5.25"}`)
	env.doc(t, dealID, "memo.pdf", extract.MimePDF, extracttest.TextPDF("Issuer Name: Acme Corp", "Bond Coupon = 5.50"))
	env.doc(t, dealID, "terms.docx", extract.MimeDOCX, extracttest.DOCX("Issuer Name: Acme Corp"))
	ctx := context.Background()

	first, err := orch.Run(ctx, dealID)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := orch.Run(ctx, dealID)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if hits := testutil.ToFloat64(env.metrics.TextCacheHits); hits != 2 {
		t.Fatalf("expected the second run to read both texts from cache, got %v hits", hits)
	}
	if !reflect.DeepEqual(first.Results, second.Results) {
		t.Fatalf("cached re-run changed results:\n first %+v\nsecond %+v", first.Results, second.Results)
	}
	if first.PassCount != second.PassCount || first.FailCount != second.FailCount {
		t.Fatalf("cached re-run changed counts: %+v vs %+v", first.Summary(), second.Summary())
	}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed cache tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := redis.NewClient(context.Background(), config.RedisConfig{Host: host, Port: port})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	if err := client.Raw().FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	return client
}
