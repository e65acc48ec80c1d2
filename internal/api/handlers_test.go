package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"dealcheck/internal/blob"
	"dealcheck/internal/config"
	"dealcheck/internal/extract"
	"dealcheck/internal/extract/extracttest"
	"dealcheck/internal/intake"
	"dealcheck/internal/metrics"
	"dealcheck/internal/models"
	"dealcheck/internal/storage"
	"dealcheck/internal/validation"
	"dealcheck/internal/worker"
)

func TestHandlersEndToEndFlow(t *testing.T) {
	router, fileBase := newTestServer(t)

	// Create a deal.
	createResp := doJSONRequest(t, router, http.MethodPost, "/api/deals", map[string]string{"name": "Bond 2026"}, nil)
	assertStatus(t, createResp, http.StatusCreated)
	var deal models.Deal
	decodeJSON(t, createResp.Body.Bytes(), &deal)
	if deal.ID == 0 || deal.Name != "Bond 2026" {
		t.Fatalf("unexpected deal %+v", deal)
	}
	base := fmt.Sprintf("/api/deals/%d", deal.ID)

	// Register the master sheet inline.
	sheetResp := doJSONRequest(t, router, http.MethodPut, base+"/master-sheet", map[string]any{
		"entries": map[string]string{"Issuer:Name": "Acme Corp"},
	}, nil)
	assertStatus(t, sheetResp, http.StatusOK)
	var sheetBody struct {
		MasterSheet models.MasterSheet        `json:"master_sheet"`
		Entries     []models.MasterSheetEntry `json:"entries"`
	}
	decodeJSON(t, sheetResp.Body.Bytes(), &sheetBody)
	if sheetBody.MasterSheet.EntryCount != 1 || sheetBody.Entries[0].ExpectedValue != "Acme Corp" {
		t.Fatalf("unexpected master sheet response %s", sheetResp.Body.String())
	}

	// Upload one document, register two more by storage url.
	uploadResp := doUpload(t, router, base+"/documents/upload", "memo.txt", "Issuer Name: Acme Corp")
	assertStatus(t, uploadResp, http.StatusCreated)
	writeFile(t, fileBase, "shared/terms.pdf", extracttest.TextPDF("Issuer Name: Acme Inc"))
	docResp := doJSONRequest(t, router, http.MethodPost, base+"/documents", map[string]any{
		"file_name": "terms.pdf", "mime_type": extract.MimePDF, "size": 10, "storage_url": "shared/terms.pdf",
	}, nil)
	assertStatus(t, docResp, http.StatusCreated)
	pngResp := doJSONRequest(t, router, http.MethodPost, base+"/documents", map[string]any{
		"file_name": "scan.png", "mime_type": "image/png", "storage_url": "shared/scan.png",
	}, nil)
	assertStatus(t, pngResp, http.StatusCreated)

	listResp := doJSONRequest(t, router, http.MethodGet, base+"/documents", nil, nil)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Documents []models.Document `json:"documents"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Documents) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(listBody.Documents))
	}

	// Run validation.
	runResp := doJSONRequest(t, router, http.MethodPost, base+"/validations", nil, nil)
	assertStatus(t, runResp, http.StatusOK)
	var runBody struct {
		RunID   string                  `json:"run_id"`
		Summary models.RunSummary       `json:"summary"`
		Results []models.DocumentResult `json:"results"`
	}
	decodeJSON(t, runResp.Body.Bytes(), &runBody)
	s := runBody.Summary
	if runBody.RunID == "" || s.Total != 2 || s.Passed != 1 || s.Failed != 1 || s.Errors != 1 || s.SupportingDocCount != 3 || s.MasterSheetName != "entries.json" {
		t.Fatalf("unexpected summary %+v", s)
	}
	if runBody.Results[1].Matches[0].Found[0] != "Acme" || runBody.Results[2].Status != models.ResultError {
		t.Fatalf("unexpected results %+v", runBody.Results)
	}

	// History, latest and the full run.
	histResp := doJSONRequest(t, router, http.MethodGet, base+"/validations", nil, nil)
	assertStatus(t, histResp, http.StatusOK)
	var histBody struct {
		Runs []models.RunSummary `json:"runs"`
	}
	decodeJSON(t, histResp.Body.Bytes(), &histBody)
	if len(histBody.Runs) != 1 || histBody.Runs[0].RunID != runBody.RunID {
		t.Fatalf("unexpected history %+v", histBody.Runs)
	}
	latestResp := doJSONRequest(t, router, http.MethodGet, base+"/validations/latest", nil, nil)
	assertStatus(t, latestResp, http.StatusOK)
	getResp := doJSONRequest(t, router, http.MethodGet, base+"/validations/"+runBody.RunID, nil, nil)
	assertStatus(t, getResp, http.StatusOK)

	// Exports.
	csvResp := doJSONRequest(t, router, http.MethodGet, base+"/validations/"+runBody.RunID+"/export", nil, nil)
	assertStatus(t, csvResp, http.StatusOK)
	lines := strings.Split(strings.TrimSpace(csvResp.Body.String()), "\n")
	if lines[0] != "Document,Key,Expected,Found,Status" || len(lines) != 4 {
		t.Fatalf("unexpected csv export:\n%s", csvResp.Body.String())
	}
	xlsxResp := doJSONRequest(t, router, http.MethodGet, base+"/validations/"+runBody.RunID+"/export?format=xlsx", nil, nil)
	assertStatus(t, xlsxResp, http.StatusOK)
	if !strings.Contains(xlsxResp.Header().Get("Content-Disposition"), ".xlsx") {
		t.Fatalf("missing xlsx attachment header: %v", xlsxResp.Header())
	}
	badResp := doJSONRequest(t, router, http.MethodGet, base+"/validations/"+runBody.RunID+"/export?format=pdf", nil, nil)
	assertStatus(t, badResp, http.StatusBadRequest)

	// Document states were written back.
	listResp = doJSONRequest(t, router, http.MethodGet, base+"/documents", nil, nil)
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if listBody.Documents[0].State != models.StateValidated || listBody.Documents[2].State != models.StateFailed {
		t.Fatalf("unexpected document states %+v", listBody.Documents)
	}
}

func TestValidationPreconditions(t *testing.T) {
	router, _ := newTestServer(t)

	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/deals/abc/validations", nil, nil), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/deals/999/validations", nil, nil), http.StatusNotFound)

	createResp := doJSONRequest(t, router, http.MethodPost, "/api/deals", map[string]string{"name": "Empty"}, nil)
	var deal models.Deal
	decodeJSON(t, createResp.Body.Bytes(), &deal)
	base := fmt.Sprintf("/api/deals/%d", deal.ID)

	assertStatus(t, doJSONRequest(t, router, http.MethodPost, base+"/validations", nil, nil), http.StatusConflict)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, base+"/master-sheet", nil, nil), http.StatusConflict)
	assertStatus(t, doJSONRequest(t, router, http.MethodPut, base+"/master-sheet", map[string]any{
		"entries": map[string]string{"Issuer:Name": "Acme"},
	}, nil), http.StatusOK)
	noDocs := doJSONRequest(t, router, http.MethodPost, base+"/validations", nil, nil)
	assertStatus(t, noDocs, http.StatusConflict)
	if !strings.Contains(noDocs.Body.String(), "no supporting documents") {
		t.Fatalf("unexpected body %s", noDocs.Body.String())
	}
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, base+"/validations/latest", nil, nil), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, base+"/validations/nope", nil, nil), http.StatusNotFound)
}

func TestMasterSheetParseErrors(t *testing.T) {
	router, fileBase := newTestServer(t)
	createResp := doJSONRequest(t, router, http.MethodPost, "/api/deals", map[string]string{"name": "Deal"}, nil)
	var deal models.Deal
	decodeJSON(t, createResp.Body.Bytes(), &deal)
	base := fmt.Sprintf("/api/deals/%d", deal.ID)

	writeFile(t, fileBase, "sheets/bad.csv", []byte("Name,Value\nIssuer,Acme\n"))
	bad := doJSONRequest(t, router, http.MethodPut, base+"/master-sheet", map[string]any{
		"file_name": "bad.csv", "mime_type": extract.MimeCSV, "storage_url": "sheets/bad.csv",
	}, nil)
	assertStatus(t, bad, http.StatusUnprocessableEntity)
	var badBody struct {
		Row int `json:"row"`
	}
	decodeJSON(t, bad.Body.Bytes(), &badBody)
	if badBody.Row != 0 {
		t.Fatalf("expected header row error, got %d", badBody.Row)
	}

	// A sheet that was valid at registration but changed in storage fails the run.
	writeFile(t, fileBase, "sheets/good.csv", []byte("Entity,Field,ExpectedValue\nIssuer,Name,Acme\n"))
	assertStatus(t, doJSONRequest(t, router, http.MethodPut, base+"/master-sheet", map[string]any{
		"mime_type": extract.MimeCSV, "storage_url": "sheets/good.csv",
	}, nil), http.StatusOK)
	assertStatus(t, doUpload(t, router, base+"/documents/upload", "memo.txt", "Issuer Name: Acme"), http.StatusCreated)
	writeFile(t, fileBase, "sheets/good.csv", []byte("Name,Value\nIssuer,Acme\n"))
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, base+"/validations", nil, nil), http.StatusUnprocessableEntity)

	png := doUpload(t, router, base+"/master-sheet/upload", "sheet.png", "\x89PNG")
	assertStatus(t, png, http.StatusUnsupportedMediaType)
}

func TestRequestValidationErrors(t *testing.T) {
	router, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/deals", map[string]string{"name": ""}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
	var body struct {
		Fields map[string]string `json:"fields"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Fields["name"] != "required" {
		t.Fatalf("expected name field error, got %s", resp.Body.String())
	}

	createResp := doJSONRequest(t, router, http.MethodPost, "/api/deals", map[string]string{"name": "Deal"}, nil)
	var deal models.Deal
	decodeJSON(t, createResp.Body.Bytes(), &deal)
	docResp := doJSONRequest(t, router, http.MethodPost, fmt.Sprintf("/api/deals/%d/documents", deal.ID), map[string]any{"file_name": "a.pdf"}, nil)
	assertStatus(t, docResp, http.StatusBadRequest)

	missing := doJSONRequest(t, router, http.MethodPost, fmt.Sprintf("/api/deals/%d/documents/upload", deal.ID), nil, nil)
	assertStatus(t, missing, http.StatusBadRequest)
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestServer(t)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/healthz", nil, nil), http.StatusOK)
	resp := doJSONRequest(t, router, http.MethodGet, "/metrics", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), "dealcheck_validation_runs_total") {
		t.Fatalf("metrics output missing run counter")
	}
}

func newTestServer(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		BasicConfig: config.BasicConfig{FileBaseDir: t.TempDir()},
		Databases:   map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	ctx := context.Background()
	extractor, err := extract.New(ctx)
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	files, err := blob.NewRouter(ctx, cfg)
	if err != nil {
		t.Fatalf("blob router: %v", err)
	}
	dispatcher := worker.NewDispatcher(1, 2, 8, time.Minute)
	t.Cleanup(dispatcher.Stop)
	registry := metrics.NewRegistry()

	store := storage.NewStore(db, "sqlite3")
	intakeService := intake.NewService(store, files, extractor, files.Local(), nil)
	orchestrator := validation.NewOrchestrator(store, files, extractor, validation.Options{
		Dispatcher: dispatcher,
		Metrics:    registry,
	})

	router := gin.New()
	NewHandler(intakeService, orchestrator, registry).RegisterRoutes(router)
	return router, cfg.BasicConfig.FileBaseDir
}

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doUpload(t *testing.T, router *gin.Engine, path, fileName, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	method := http.MethodPost
	if strings.Contains(path, "master-sheet") {
		method = http.MethodPut
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
