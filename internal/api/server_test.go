package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shelf-app/shelfd/internal/archive"
	"github.com/shelf-app/shelfd/internal/categorize"
	"github.com/shelf-app/shelfd/internal/config"
	"github.com/shelf-app/shelfd/internal/embedding"
	"github.com/shelf-app/shelfd/internal/extract"
	"github.com/shelf-app/shelfd/internal/index"
	"github.com/shelf-app/shelfd/internal/pipeline"
	"github.com/shelf-app/shelfd/internal/search"
	"github.com/shelf-app/shelfd/internal/storage"
)

const testToken = "test-token"

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, content extract.Content) (embedding.Embedding, error) {
	return embedding.Embedding{Vector: []float32{1, 0, 0}, Model: "fake"}, nil
}

func (fakeEmbedder) Model() string                { return "fake" }
func (fakeEmbedder) Healthy(context.Context) bool { return true }

type testAPI struct {
	handler  http.Handler
	store    *storage.Store
	shutdown chan struct{}
}

func newTestAPI(t *testing.T) testAPI {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx := index.NewSQLiteIndex(store.DB())
	embedder := fakeEmbedder{}

	organizer, err := archive.NewOrganizer(filepath.Join(t.TempDir(), "archive"))
	if err != nil {
		t.Fatalf("NewOrganizer: %v", err)
	}
	categorizer := categorize.New(idx, nil, config.CategorizeConfig{
		Epsilon:         0.05,
		MinConfidence:   0.25,
		DefaultCategory: "Uncategorized",
	}, logger)
	pipe := pipeline.New(extract.New(0), embedder, categorizer, organizer, store, idx,
		config.PipelineConfig{Workers: 2, Timeout: 10 * time.Second}, logger)
	searcher := search.New(embedder, idx, store, logger)

	stopped := make(chan struct{})
	srv := NewServer(pipe, searcher, store, idx, embedder, t.TempDir(), logger, func() {
		close(stopped)
	})
	return testAPI{handler: srv.Router(testToken), store: store, shutdown: stopped}
}

func (a testAPI) request(t *testing.T, method, path string, body io.Reader, contentType string, withToken bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if withToken {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func multipartFile(t *testing.T, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("writing part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHealthOpenWithoutToken(t *testing.T) {
	a := newTestAPI(t)
	rec := a.request(t, "GET", "/health", nil, "", false)
	if rec.Code != http.StatusOK {
		t.Errorf("health returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t)
	paths := []struct {
		method string
		path   string
	}{
		{"GET", "/search?q=x"},
		{"GET", "/move-logs"},
		{"GET", "/stats"},
		{"POST", "/upload"},
		{"POST", "/shutdown"},
	}
	for _, p := range paths {
		rec := a.request(t, p.method, p.path, nil, "", false)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token returned %d", p.method, p.path, rec.Code)
		}
	}
}

func TestAuthWrongToken(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest("GET", "/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token returned %d", rec.Code)
	}
}

func TestUploadArchivesFile(t *testing.T) {
	a := newTestAPI(t)
	body, contentType := multipartFile(t, "notes.txt", "quarterly budget discussion")

	rec := a.request(t, "POST", "/upload", body, contentType, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload returned %d: %s", rec.Code, rec.Body.String())
	}

	var result pipeline.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.Category == "" || result.RelativePath == "" {
		t.Errorf("incomplete result: %+v", result)
	}

	count, err := a.store.CountArchiveEntries()
	if err != nil {
		t.Fatalf("CountArchiveEntries: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 archive entry, got %d", count)
	}
}

func TestUploadUnsupportedType(t *testing.T) {
	a := newTestAPI(t)
	body, contentType := multipartFile(t, "movie.mkv", "binary")

	rec := a.request(t, "POST", "/upload", body, contentType, true)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUploadMissingFileField(t *testing.T) {
	a := newTestAPI(t)
	rec := a.request(t, "POST", "/upload", bytes.NewBufferString("{}"), "application/json", true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSearchBlankQuery(t *testing.T) {
	a := newTestAPI(t)
	rec := a.request(t, "GET", "/search?q=", nil, "", true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSearchRoundTrip(t *testing.T) {
	a := newTestAPI(t)

	body, contentType := multipartFile(t, "budget.txt", "annual budget plan")
	if rec := a.request(t, "POST", "/upload", body, contentType, true); rec.Code != http.StatusCreated {
		t.Fatalf("upload returned %d: %s", rec.Code, rec.Body.String())
	}

	rec := a.request(t, "GET", "/search?q=budget", nil, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("search returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []search.Hit `json:"results"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(resp.Results))
	}
	if resp.Results[0].Entry.OriginalName != "budget.txt" {
		t.Errorf("unexpected hit: %+v", resp.Results[0])
	}
}

func TestSearchInvalidTimestamp(t *testing.T) {
	a := newTestAPI(t)
	rec := a.request(t, "GET", "/search?q=x&from=yesterday", nil, "", true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestMoveLogsDefaultWindow(t *testing.T) {
	a := newTestAPI(t)

	if err := a.store.AppendMoveLog(storage.MoveLogRecord{
		SourcePath: "/in/a.txt",
		Trigger:    storage.TriggerWatcher,
		Status:     storage.StatusSuccess,
	}); err != nil {
		t.Fatalf("AppendMoveLog: %v", err)
	}
	// A record outside the default 24h window must not appear.
	if err := a.store.AppendMoveLog(storage.MoveLogRecord{
		CreatedAt:  time.Now().UTC().Add(-48 * time.Hour),
		SourcePath: "/in/old.txt",
		Trigger:    storage.TriggerWatcher,
		Status:     storage.StatusSuccess,
	}); err != nil {
		t.Fatalf("AppendMoveLog: %v", err)
	}

	rec := a.request(t, "GET", "/move-logs", nil, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("move-logs returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Logs []moveLogJSON `json:"logs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Logs) != 1 || resp.Logs[0].SourcePath != "/in/a.txt" {
		t.Errorf("unexpected logs: %+v", resp.Logs)
	}
}

func TestMoveLogsHoursWindow(t *testing.T) {
	a := newTestAPI(t)

	if err := a.store.AppendMoveLog(storage.MoveLogRecord{
		CreatedAt:  time.Now().UTC().Add(-48 * time.Hour),
		SourcePath: "/in/old.txt",
		Trigger:    storage.TriggerWatcher,
		Status:     storage.StatusSuccess,
	}); err != nil {
		t.Fatalf("AppendMoveLog: %v", err)
	}

	rec := a.request(t, "GET", "/move-logs?hours=72", nil, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("move-logs returned %d", rec.Code)
	}
	var resp struct {
		Logs []moveLogJSON `json:"logs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Logs) != 1 {
		t.Errorf("expected the 48h-old record within 72h window, got %+v", resp.Logs)
	}
}

func TestStats(t *testing.T) {
	a := newTestAPI(t)

	body, contentType := multipartFile(t, "a.txt", "some text")
	if rec := a.request(t, "POST", "/upload", body, contentType, true); rec.Code != http.StatusCreated {
		t.Fatalf("upload failed: %d", rec.Code)
	}

	rec := a.request(t, "GET", "/stats", nil, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats returned %d", rec.Code)
	}
	var resp struct {
		ArchivedFiles int            `json:"archived_files"`
		Categories    map[string]int `json:"categories"`
		Vectors       int            `json:"vectors"`
		Model         string         `json:"embedding_model"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ArchivedFiles != 1 || resp.Vectors != 1 {
		t.Errorf("unexpected stats: %+v", resp)
	}
	if resp.Model != "fake" {
		t.Errorf("unexpected model: %s", resp.Model)
	}
}

func TestShutdownTriggersCallback(t *testing.T) {
	a := newTestAPI(t)

	rec := a.request(t, "POST", "/shutdown", nil, "", true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("shutdown returned %d", rec.Code)
	}

	select {
	case <-a.shutdown:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}
