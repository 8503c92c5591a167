// Package search answers natural-language queries over the archive by
// embedding the query text and scanning the vector index.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shelf-app/shelfd/internal/embedding"
	"github.com/shelf-app/shelfd/internal/extract"
	"github.com/shelf-app/shelfd/internal/index"
	"github.com/shelf-app/shelfd/internal/storage"
)

// ErrBlankQuery is returned when the query text is empty and no time
// filter narrows the request.
var ErrBlankQuery = errors.New("blank search query")

// defaultLimit bounds result sets when the caller does not.
const defaultLimit = 10

// maxLimit is the hard cap on requested result counts.
const maxLimit = 100

// Request is one search over the archive. Query may be blank only when a
// time filter is present, in which case results are filter-only and
// ordered by recency.
type Request struct {
	Query    string
	Category string
	FileType string
	From     time.Time
	To       time.Time
	Limit    int
}

// Hit is one search result joined with its archive entry.
type Hit struct {
	Entry storage.ArchiveEntry `json:"entry"`
	Score float32              `json:"score"`
}

// Service executes search requests.
type Service struct {
	embedder embedding.Client
	idx      index.Index
	store    *storage.Store
	logger   *slog.Logger
}

// New creates a search Service.
func New(embedder embedding.Client, idx index.Index, store *storage.Store, logger *slog.Logger) *Service {
	return &Service{embedder: embedder, idx: idx, store: store, logger: logger}
}

// Search runs the request. An empty archive or a query matching nothing
// returns an empty slice, not an error.
func (s *Service) Search(ctx context.Context, req Request) ([]Hit, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	filters := index.Filters{
		Category: req.Category,
		FileType: req.FileType,
		From:     req.From,
		To:       req.To,
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		if req.From.IsZero() && req.To.IsZero() {
			return nil, ErrBlankQuery
		}
		return s.filterOnly(filters, limit)
	}

	emb, err := s.embedder.Embed(ctx, extract.Content{Text: query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	scored, err := s.idx.Query(emb.Vector, emb.Model, filters, limit)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	return s.join(scored)
}

// filterOnly serves time-scoped requests without query text: every record
// passing the filters, most recent first, scored zero.
func (s *Service) filterOnly(filters index.Filters, limit int) ([]Hit, error) {
	scored, err := s.idx.Scan(filters, limit)
	if err != nil {
		return nil, fmt.Errorf("scanning index: %w", err)
	}
	return s.join(scored)
}

// join resolves scored index records to their archive entries. A record
// whose entry has vanished is dropped with a warning rather than failing
// the whole result set.
func (s *Service) join(scored []index.ScoredRecord) ([]Hit, error) {
	hits := make([]Hit, 0, len(scored))
	for _, rec := range scored {
		entry, err := s.store.GetArchiveEntryByVectorID(rec.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("vector record without archive entry", "vector_id", rec.ID)
				continue
			}
			return nil, err
		}
		hits = append(hits, Hit{Entry: entry, Score: rec.Score})
	}
	return hits, nil
}
