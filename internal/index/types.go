package index

import (
	"errors"
	"time"
)

// ErrDimensionMismatch is returned when a query or upsert vector's
// dimensionality differs from records already stored for the same model.
// Vectors from different models or dimensionalities are never compared.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Record is a row in the vector index. Each archive entry references
// exactly one live record by ID.
type Record struct {
	ID       string
	Vector   []float32
	Model    string
	Category string
	FileType string
	MovedAt  time.Time
}

// ScoredRecord is a Record with a cosine similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

// Filters narrow a query's candidate set before similarity scoring.
// All supplied filters are conjunctive; zero values mean "no filter".
type Filters struct {
	Category string
	FileType string
	From     time.Time
	To       time.Time
}

// Index persists (id, vector, metadata) records and answers
// nearest-neighbor queries. It is the durable source of truth for search.
type Index interface {
	// Upsert inserts or replaces the record with the same ID.
	// Replacement is last-writer-wins by MovedAt.
	Upsert(rec Record) error

	// Query returns the topK records for the given model most similar to
	// vector, descending by score, after applying filters. A non-positive
	// topK yields no results.
	Query(vector []float32, model string, filters Filters, topK int) ([]ScoredRecord, error)

	// Scan returns up to limit records matching filters, most recent
	// first, without similarity scoring. Scores are zero.
	Scan(filters Filters, limit int) ([]ScoredRecord, error)

	// Delete removes a record by ID.
	Delete(id string) error

	// Count returns the number of stored records.
	Count() (int, error)
}
