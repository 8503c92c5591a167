// Package api exposes the daemon over HTTP: uploads, search, move
// history, stats, health, and shutdown. Everything except /health
// requires the configured bearer token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shelf-app/shelfd/internal/embedding"
	"github.com/shelf-app/shelfd/internal/extract"
	"github.com/shelf-app/shelfd/internal/index"
	"github.com/shelf-app/shelfd/internal/pipeline"
	"github.com/shelf-app/shelfd/internal/search"
	"github.com/shelf-app/shelfd/internal/storage"
)

// maxUploadBytes bounds multipart upload size.
const maxUploadBytes = 100 << 20

// Server handles the daemon's HTTP API.
type Server struct {
	pipe     *pipeline.Pipeline
	searcher *search.Service
	store    *storage.Store
	idx      index.Index
	embedder embedding.Client
	inputDir string
	logger   *slog.Logger

	// shutdown asks the daemon to stop; wired to the signal context.
	shutdown func()
}

// NewServer creates the API server. shutdown is invoked by POST /shutdown.
func NewServer(
	pipe *pipeline.Pipeline,
	searcher *search.Service,
	store *storage.Store,
	idx index.Index,
	embedder embedding.Client,
	inputDir string,
	logger *slog.Logger,
	shutdown func(),
) *Server {
	return &Server{
		pipe:     pipe,
		searcher: searcher,
		store:    store,
		idx:      idx,
		embedder: embedder,
		inputDir: inputDir,
		logger:   logger,
		shutdown: shutdown,
	}
}

// Router builds the chi router with auth on everything except /health.
func (s *Server) Router(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Post("/upload", s.handleUpload)
		r.Get("/search", s.handleSearch)
		r.Get("/move-logs", s.handleMoveLogs)
		r.Get("/stats", s.handleStats)
		r.Post("/shutdown", s.handleShutdown)
	})

	return r
}

// handleUpload accepts one multipart file, stages it in the input
// directory, and runs the pipeline synchronously. The response carries
// the chosen category and final archive path.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == "/" {
		httpError(w, http.StatusBadRequest, "upload has no usable file name")
		return
	}
	if _, _, ok := extract.TypeOf(name); !ok {
		httpError(w, http.StatusUnsupportedMediaType, "unsupported file type")
		return
	}

	staged, err := s.stage(file, name)
	if err != nil {
		s.logger.Error("staging upload failed", "file", name, "error", err)
		httpError(w, http.StatusInternalServerError, "could not stage upload")
		return
	}

	result, err := s.pipe.Ingest(r.Context(), staged, storage.TriggerUpload)
	if err != nil {
		os.Remove(staged)
		s.logger.Warn("upload ingestion failed", "file", name, "error", err)
		httpError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// stage writes the upload into the input directory under a collision-free
// name, so the pipeline sees it exactly like a watched file.
func (s *Server) stage(src io.Reader, name string) (string, error) {
	path := filepath.Join(s.inputDir, name)
	for n := 1; ; n++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			if _, err := io.Copy(f, src); err != nil {
				f.Close()
				os.Remove(path)
				return "", err
			}
			return path, f.Close()
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
		ext := filepath.Ext(name)
		path = filepath.Join(s.inputDir,
			fmt.Sprintf("%s (%d)%s", name[:len(name)-len(ext)], n, ext))
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := search.Request{
		Query:    q.Get("q"),
		Category: q.Get("category"),
		FileType: q.Get("type"),
	}
	var err error
	if req.From, err = parseTimeParam(q.Get("from")); err != nil {
		httpError(w, http.StatusBadRequest, "invalid 'from' timestamp")
		return
	}
	if req.To, err = parseTimeParam(q.Get("to")); err != nil {
		httpError(w, http.StatusBadRequest, "invalid 'to' timestamp")
		return
	}
	if req.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		httpError(w, http.StatusBadRequest, "invalid 'limit'")
		return
	}

	hits, err := s.searcher.Search(r.Context(), req)
	if err != nil {
		if errors.Is(err, search.ErrBlankQuery) {
			httpError(w, http.StatusBadRequest, "query text or a time filter is required")
			return
		}
		s.logger.Error("search failed", "error", err)
		httpError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if hits == nil {
		hits = []search.Hit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

// handleMoveLogs returns move history for a time window. The window is
// given either as from/to timestamps or as hours back from now; it
// defaults to the last 24 hours.
func (s *Server) handleMoveLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid 'from' timestamp")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid 'to' timestamp")
		return
	}
	hours, err := parseIntParam(q.Get("hours"))
	if err != nil || hours < 0 {
		httpError(w, http.StatusBadRequest, "invalid 'hours'")
		return
	}
	limit, err := parseIntParam(q.Get("limit"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid 'limit'")
		return
	}

	now := time.Now().UTC()
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		back := 24 * time.Hour
		if hours > 0 {
			back = time.Duration(hours) * time.Hour
		}
		from = to.Add(-back)
	}

	records, err := s.store.MoveLogsBetween(from, to, limit)
	if err != nil {
		s.logger.Error("listing move logs failed", "error", err)
		httpError(w, http.StatusInternalServerError, "listing move logs failed")
		return
	}

	out := make([]moveLogJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, toMoveLogJSON(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from": from.Format(time.RFC3339),
		"to":   to.Format(time.RFC3339),
		"logs": out,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.CountArchiveEntries()
	if err != nil {
		s.logger.Error("counting entries failed", "error", err)
		httpError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	categories, err := s.store.CategoryCounts()
	if err != nil {
		s.logger.Error("counting categories failed", "error", err)
		httpError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	vectors, err := s.idx.Count()
	if err != nil {
		s.logger.Error("counting vectors failed", "error", err)
		httpError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"archived_files":  entries,
		"categories":      categories,
		"vectors":         vectors,
		"embedding_model": s.embedder.Model(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok"}

	if err := s.store.Healthy(); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["storage"] = err.Error()
	}
	if _, err := os.Stat(s.inputDir); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["watcher"] = fmt.Sprintf("input directory: %v", err)
	}
	if !s.embedder.Healthy(r.Context()) {
		// Search and ingest degrade but already-archived files stay served.
		body["embedding"] = "unreachable"
		if body["status"] == "ok" {
			body["status"] = "degraded"
		}
	}
	writeJSON(w, status, body)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	go s.shutdown()
}

type moveLogJSON struct {
	ID              int64  `json:"id"`
	CreatedAt       string `json:"created_at"`
	SourcePath      string `json:"source_path"`
	DestinationPath string `json:"destination_path,omitempty"`
	ItemType        string `json:"item_type"`
	Trigger         string `json:"trigger"`
	Status          string `json:"status"`
	Note            string `json:"note,omitempty"`
}

func toMoveLogJSON(rec storage.MoveLogRecord) moveLogJSON {
	return moveLogJSON{
		ID:              rec.ID,
		CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339),
		SourcePath:      rec.SourcePath,
		DestinationPath: rec.DestinationPath,
		ItemType:        rec.ItemType,
		Trigger:         rec.Trigger,
		Status:          rec.Status,
		Note:            rec.Note,
	}
}

// parseTimeParam accepts RFC 3339 timestamps or bare dates (2006-01-02).
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func parseIntParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
