package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shelf-app/shelfd/internal/embedding"
	"github.com/shelf-app/shelfd/internal/extract"
	"github.com/shelf-app/shelfd/internal/index"
	"github.com/shelf-app/shelfd/internal/storage"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, content extract.Content) (embedding.Embedding, error) {
	if f.err != nil {
		return embedding.Embedding{}, f.err
	}
	return embedding.Embedding{Vector: []float32{1, 0}, Model: "fake"}, nil
}

func (f *fakeEmbedder) Model() string                { return "fake" }
func (f *fakeEmbedder) Healthy(context.Context) bool { return true }

// fakeIndex returns scripted results and records the filters it saw.
type fakeIndex struct {
	queryResults []index.ScoredRecord
	scanResults  []index.ScoredRecord
	lastFilters  index.Filters
	queried      bool
	scanned      bool
}

func (f *fakeIndex) Upsert(index.Record) error { return nil }
func (f *fakeIndex) Delete(string) error       { return nil }
func (f *fakeIndex) Count() (int, error)       { return 0, nil }

func (f *fakeIndex) Query(vec []float32, model string, filters index.Filters, topK int) ([]index.ScoredRecord, error) {
	f.queried = true
	f.lastFilters = filters
	return f.queryResults, nil
}

func (f *fakeIndex) Scan(filters index.Filters, limit int) ([]index.ScoredRecord, error) {
	f.scanned = true
	f.lastFilters = filters
	return f.scanResults, nil
}

func newTestService(t *testing.T, idx index.Index) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(&fakeEmbedder{}, idx, store, logger), store
}

func saveEntry(t *testing.T, store *storage.Store, id, vectorID string) {
	t.Helper()
	err := store.SaveArchiveEntry(storage.ArchiveEntry{
		ID:           id,
		RelativePath: "Docs/" + id + ".txt",
		OriginalName: id + ".txt",
		Category:     "Docs",
		FileType:     "txt",
		MovedAt:      time.Now().UTC(),
		VectorID:     vectorID,
	})
	if err != nil {
		t.Fatalf("SaveArchiveEntry: %v", err)
	}
}

func TestSearchBlankQueryRejected(t *testing.T) {
	svc, _ := newTestService(t, &fakeIndex{})

	_, err := svc.Search(context.Background(), Request{Query: "   "})
	if !errors.Is(err, ErrBlankQuery) {
		t.Errorf("expected ErrBlankQuery, got %v", err)
	}
}

// TestSearchBlankQueryWithTimeFilter verifies pure time-filter requests
// skip embedding and scan by recency instead.
func TestSearchBlankQueryWithTimeFilter(t *testing.T) {
	idx := &fakeIndex{scanResults: []index.ScoredRecord{
		{Record: index.Record{ID: "v1"}},
	}}
	svc, store := newTestService(t, idx)
	saveEntry(t, store, "e1", "v1")

	from := time.Now().Add(-24 * time.Hour)
	hits, err := svc.Search(context.Background(), Request{From: from})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !idx.scanned || idx.queried {
		t.Error("expected filter-only scan, not a similarity query")
	}
	if len(hits) != 1 || hits[0].Entry.ID != "e1" {
		t.Errorf("unexpected hits: %+v", hits)
	}
}

func TestSearchJoinsEntries(t *testing.T) {
	idx := &fakeIndex{queryResults: []index.ScoredRecord{
		{Record: index.Record{ID: "v1"}, Score: 0.9},
		{Record: index.Record{ID: "v2"}, Score: 0.7},
	}}
	svc, store := newTestService(t, idx)
	saveEntry(t, store, "e1", "v1")
	saveEntry(t, store, "e2", "v2")

	hits, err := svc.Search(context.Background(), Request{Query: "budget"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Entry.ID != "e1" || hits[0].Score != 0.9 {
		t.Errorf("unexpected first hit: %+v", hits[0])
	}
}

// TestSearchDropsOrphanedVectors verifies a vector without a matching
// archive entry is skipped rather than failing the search.
func TestSearchDropsOrphanedVectors(t *testing.T) {
	idx := &fakeIndex{queryResults: []index.ScoredRecord{
		{Record: index.Record{ID: "v1"}, Score: 0.9},
		{Record: index.Record{ID: "ghost"}, Score: 0.8},
	}}
	svc, store := newTestService(t, idx)
	saveEntry(t, store, "e1", "v1")

	hits, err := svc.Search(context.Background(), Request{Query: "budget"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Entry.ID != "e1" {
		t.Errorf("unexpected hits: %+v", hits)
	}
}

func TestSearchEmptyResultNotError(t *testing.T) {
	svc, _ := newTestService(t, &fakeIndex{})

	hits, err := svc.Search(context.Background(), Request{Query: "nothing matches"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %d", len(hits))
	}
}

func TestSearchPassesFilters(t *testing.T) {
	idx := &fakeIndex{}
	svc, _ := newTestService(t, idx)

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(7 * 24 * time.Hour)
	_, err := svc.Search(context.Background(), Request{
		Query:    "contracts",
		Category: "Legal",
		FileType: "pdf",
		From:     from,
		To:       to,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	f := idx.lastFilters
	if f.Category != "Legal" || f.FileType != "pdf" || !f.From.Equal(from) || !f.To.Equal(to) {
		t.Errorf("filters not passed through: %+v", f)
	}
}

func TestSearchEmbedFailure(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(&fakeEmbedder{err: embedding.ErrProvider}, &fakeIndex{}, store, logger)

	_, err = svc.Search(context.Background(), Request{Query: "x"})
	if !errors.Is(err, embedding.ErrProvider) {
		t.Errorf("expected provider error, got %v", err)
	}
}
