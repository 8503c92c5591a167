// Package pipeline runs the ingestion flow for a single file: extract,
// embed, categorize, move, index. Moving and indexing are a two-phase
// pair with compensation, so a file is never archived without a vector
// or indexed without being archived.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shelf-app/shelfd/internal/archive"
	"github.com/shelf-app/shelfd/internal/categorize"
	"github.com/shelf-app/shelfd/internal/config"
	"github.com/shelf-app/shelfd/internal/embedding"
	"github.com/shelf-app/shelfd/internal/extract"
	"github.com/shelf-app/shelfd/internal/index"
	"github.com/shelf-app/shelfd/internal/storage"
)

// ErrBusy is returned when the same path is already being ingested.
var ErrBusy = errors.New("path already being processed")

// Result describes a completed ingestion.
type Result struct {
	EntryID      string `json:"entry_id"`
	Category     string `json:"category"`
	RelativePath string `json:"relative_path"`
	FileType     string `json:"file_type"`
}

// Pipeline wires the ingestion stages together and bounds concurrency.
type Pipeline struct {
	extractor   *extract.Extractor
	embedder    embedding.Client
	categorizer *categorize.Categorizer
	organizer   *archive.Organizer
	store       *storage.Store
	idx         index.Index
	cfg         config.PipelineConfig
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// New creates a Pipeline.
func New(
	extractor *extract.Extractor,
	embedder embedding.Client,
	categorizer *categorize.Categorizer,
	organizer *archive.Organizer,
	store *storage.Store,
	idx index.Index,
	cfg config.PipelineConfig,
	logger *slog.Logger,
) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Pipeline{
		extractor:   extractor,
		embedder:    embedder,
		categorizer: categorizer,
		organizer:   organizer,
		store:       store,
		idx:         idx,
		cfg:         cfg,
		logger:      logger,
		inflight:    make(map[string]chan struct{}),
	}
}

// Run consumes paths until the channel closes or ctx is cancelled,
// ingesting each over a bounded worker pool. A failed file never stops
// the pool. An event for a path already in flight is held and re-triggers
// once the active run completes.
func (p *Pipeline) Run(ctx context.Context, paths <-chan string) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for {
		select {
		case <-ctx.Done():
			g.Wait()
			return
		case path, ok := <-paths:
			if !ok {
				g.Wait()
				return
			}
			g.Go(func() error {
				p.ingestWatched(ctx, path)
				return nil
			})
		}
	}
}

func (p *Pipeline) ingestWatched(ctx context.Context, path string) {
	for {
		_, err := p.Ingest(ctx, path, storage.TriggerWatcher)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			return
		case errors.Is(err, ErrBusy):
			if !p.awaitRelease(ctx, path) {
				return
			}
			// The prior run may have archived the file already.
			if _, statErr := os.Stat(path); statErr != nil {
				return
			}
		default:
			p.logger.Error("ingestion failed", "path", path, "error", err)
			return
		}
	}
}

// Ingest runs the full flow for one path. A directory is archived file
// by file via ingestFolder; anything else goes through the single-file
// flow. Concurrent calls for the same path return ErrBusy; distinct paths
// proceed in parallel. On failure the source is left in place and a
// failure row is appended to the move log.
func (p *Pipeline) Ingest(ctx context.Context, path, trigger string) (Result, error) {
	if !p.acquire(path) {
		return Result{}, fmt.Errorf("%s: %w", path, ErrBusy)
	}
	defer p.release(path)

	if info, err := os.Lstat(path); err == nil && info.IsDir() {
		return p.ingestFolder(ctx, path, trigger)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	res, err := p.ingest(ctx, path, trigger)
	if err != nil {
		p.logFailure(path, trigger, err, storage.ItemTypeFile)
		return Result{}, err
	}

	if logErr := p.store.AppendMoveLog(storage.MoveLogRecord{
		SourcePath:      path,
		DestinationPath: filepath.Join(p.organizer.Root(), res.RelativePath),
		Trigger:         trigger,
		Status:          storage.StatusSuccess,
	}); logErr != nil {
		p.logger.Error("appending move log failed", "path", path, "error", logErr)
	}

	p.logger.Info("archived file",
		"source", path, "destination", res.RelativePath,
		"category", res.Category, "trigger", trigger)
	return res, nil
}

func (p *Pipeline) ingest(ctx context.Context, path, trigger string) (Result, error) {
	fileType, _, ok := extract.TypeOf(path)
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", filepath.Base(path), extract.ErrUnsupportedType)
	}

	content, err := p.extractor.Extract(path)
	if err != nil {
		return Result{}, err
	}

	emb, err := p.embedder.Embed(ctx, content)
	if err != nil {
		return Result{}, err
	}

	category := p.categorizer.Categorize(ctx, categorize.Input{
		Name:      filepath.Base(path),
		FileType:  fileType,
		Content:   content,
		Embedding: emb,
	})

	// Phase one: move the file into the archive tree.
	placement, err := p.organizer.Place(path, category)
	if err != nil {
		return Result{}, err
	}

	// Phase two: persist the entry and its vector. Any failure here
	// undoes the move so the source file reappears where it was.
	entry := storage.ArchiveEntry{
		ID:           uuid.NewString(),
		RelativePath: placement.RelativePath,
		OriginalName: filepath.Base(path),
		Category:     category,
		FileType:     fileType,
		MovedAt:      time.Now().UTC(),
		VectorID:     uuid.NewString(),
	}
	if err := p.store.SaveArchiveEntry(entry); err != nil {
		p.compensate(placement, path)
		return Result{}, err
	}
	if err := p.idx.Upsert(index.Record{
		ID:       entry.VectorID,
		Vector:   emb.Vector,
		Model:    emb.Model,
		Category: category,
		FileType: fileType,
		MovedAt:  entry.MovedAt,
	}); err != nil {
		if delErr := p.store.DeleteArchiveEntry(entry.ID); delErr != nil {
			p.logger.Error("removing orphaned archive entry failed",
				"entry", entry.ID, "error", delErr)
		}
		p.compensate(placement, path)
		return Result{}, err
	}

	return Result{
		EntryID:      entry.ID,
		Category:     category,
		RelativePath: placement.RelativePath,
		FileType:     fileType,
	}, nil
}

// ingestFolder archives every supported file inside a dropped folder,
// then removes the folder once nothing but empty directories remain.
// Per-file rows are logged by the inner Ingest calls; one extra row
// summarizes the folder itself.
func (p *Pipeline) ingestFolder(ctx context.Context, dir, trigger string) (Result, error) {
	files, err := supportedFiles(dir)
	if err != nil {
		err = fmt.Errorf("scanning folder %s: %w", dir, err)
		p.logFailure(dir, trigger, err, storage.ItemTypeFolder)
		return Result{}, err
	}
	if len(files) == 0 {
		err := fmt.Errorf("%s: %w", filepath.Base(dir), extract.ErrUnsupportedType)
		p.logFailure(dir, trigger, err, storage.ItemTypeFolder)
		return Result{}, err
	}

	archived := 0
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		if _, err := p.Ingest(ctx, f, trigger); err != nil {
			p.logger.Error("archiving folder member failed", "path", f, "error", err)
			continue
		}
		archived++
	}

	status := storage.StatusSuccess
	if archived < len(files) {
		status = storage.StatusFailure
	}
	if logErr := p.store.AppendMoveLog(storage.MoveLogRecord{
		SourcePath:      dir,
		DestinationPath: p.organizer.Root(),
		ItemType:        storage.ItemTypeFolder,
		Trigger:         trigger,
		Status:          status,
		Note:            fmt.Sprintf("archived %d of %d files", archived, len(files)),
	}); logErr != nil {
		p.logger.Error("appending move log failed", "path", dir, "error", logErr)
	}

	if archived == len(files) {
		if err := removeEmptiedFolder(dir); err != nil {
			p.logger.Warn("removing emptied folder failed", "path", dir, "error", err)
		}
	}

	p.logger.Info("archived folder",
		"source", dir, "archived", archived, "total", len(files), "trigger", trigger)
	if archived < len(files) {
		return Result{}, fmt.Errorf("folder %s: archived %d of %d files", filepath.Base(dir), archived, len(files))
	}
	return Result{FileType: storage.ItemTypeFolder}, nil
}

// supportedFiles walks dir and collects the regular files the extractor
// can handle, skipping hidden files and hidden subtrees.
func supportedFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if _, _, ok := extract.TypeOf(path); ok {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// removeEmptiedFolder deletes dir only when no files remain anywhere
// under it. Leftovers of any kind, hidden included, keep the folder in
// place.
func removeEmptiedFolder(dir string) error {
	remaining := false
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			remaining = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return err
	}
	if remaining {
		return nil
	}
	return os.RemoveAll(dir)
}

// compensate moves an already-placed file back to its source location.
func (p *Pipeline) compensate(placement archive.Placement, originalPath string) {
	if err := p.organizer.Undo(placement, originalPath); err != nil {
		p.logger.Error("undoing archive move failed",
			"destination", placement.AbsolutePath, "source", originalPath, "error", err)
	}
}

func (p *Pipeline) logFailure(path, trigger string, cause error, itemType string) {
	if err := p.store.AppendMoveLog(storage.MoveLogRecord{
		SourcePath: path,
		ItemType:   itemType,
		Trigger:    trigger,
		Status:     storage.StatusFailure,
		Note:       cause.Error(),
	}); err != nil {
		p.logger.Error("appending move log failed", "path", path, "error", err)
	}
}

func (p *Pipeline) acquire(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[path]; busy {
		return false
	}
	p.inflight[path] = make(chan struct{})
	return true
}

func (p *Pipeline) release(path string) {
	p.mu.Lock()
	close(p.inflight[path])
	delete(p.inflight, path)
	p.mu.Unlock()
}

// awaitRelease blocks until the active run for path releases it, or ctx
// is cancelled.
func (p *Pipeline) awaitRelease(ctx context.Context, path string) bool {
	p.mu.Lock()
	ch, busy := p.inflight[path]
	p.mu.Unlock()
	if !busy {
		return true
	}
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
