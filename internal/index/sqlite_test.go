package index

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shelf-app/shelfd/internal/storage"
)

func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewSQLiteIndex(s.DB())
}

func testRecord(id string, vec []float32, movedAt time.Time) Record {
	return Record{
		ID:       id,
		Vector:   vec,
		Model:    "test-model",
		Category: "Docs",
		FileType: "txt",
		MovedAt:  movedAt,
	}
}

func TestUpsertAndCount(t *testing.T) {
	idx := openTestIndex(t)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		rec := testRecord(fmt.Sprintf("r%d", i), []float32{1, 0, 0}, now)
		if err := idx.Upsert(rec); err != nil {
			t.Fatalf("Upsert(r%d): %v", i, err)
		}
	}

	count, err := idx.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 records, got %d", count)
	}
}

// TestUpsertLastWriterWins re-upserts the same ID and verifies only the
// record with the newest MovedAt survives.
func TestUpsertLastWriterWins(t *testing.T) {
	idx := openTestIndex(t)

	older := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	newRec := testRecord("r1", []float32{0, 1, 0}, newer)
	newRec.Category = "Photos"
	if err := idx.Upsert(newRec); err != nil {
		t.Fatalf("Upsert newer: %v", err)
	}

	// A stale write for the same id must not clobber the newer record.
	oldRec := testRecord("r1", []float32{1, 0, 0}, older)
	if err := idx.Upsert(oldRec); err != nil {
		t.Fatalf("Upsert older: %v", err)
	}

	count, err := idx.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}

	results, err := idx.Query([]float32{0, 1, 0}, "test-model", Filters{}, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].Category != "Photos" {
		t.Errorf("stale upsert clobbered newer record: %+v", results)
	}
}

// TestQueryNonPositiveTopK asks for zero and negative result counts over
// a non-empty index and expects empty results, not a panic.
func TestQueryNonPositiveTopK(t *testing.T) {
	idx := openTestIndex(t)
	if err := idx.Upsert(testRecord("r1", []float32{1, 0, 0}, time.Now().UTC())); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	for _, topK := range []int{0, -1} {
		results, err := idx.Query([]float32{1, 0, 0}, "test-model", Filters{}, topK)
		if err != nil {
			t.Fatalf("Query(topK=%d): %v", topK, err)
		}
		if len(results) != 0 {
			t.Errorf("Query(topK=%d) returned %d results", topK, len(results))
		}
	}
}

func TestUpsertDimensionMismatch(t *testing.T) {
	idx := openTestIndex(t)

	if err := idx.Upsert(testRecord("r1", []float32{1, 0, 0}, time.Now())); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	err := idx.Upsert(testRecord("r2", []float32{1, 0}, time.Now()))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestQueryDimensionMismatch(t *testing.T) {
	idx := openTestIndex(t)

	if err := idx.Upsert(testRecord("r1", []float32{1, 0, 0}, time.Now())); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	_, err := idx.Query([]float32{1, 0}, "test-model", Filters{}, 5)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestQueryRanksBySimilarity(t *testing.T) {
	idx := openTestIndex(t)

	now := time.Now().UTC()
	records := []Record{
		testRecord("exact", []float32{1, 0, 0}, now),
		testRecord("close", []float32{0.9, 0.1, 0}, now),
		testRecord("far", []float32{0, 0, 1}, now),
	}
	for _, rec := range records {
		if err := idx.Upsert(rec); err != nil {
			t.Fatalf("Upsert(%s): %v", rec.ID, err)
		}
	}

	results, err := idx.Query([]float32{1, 0, 0}, "test-model", Filters{}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "exact" || results[1].ID != "close" {
		t.Errorf("unexpected ranking: %s, %s", results[0].ID, results[1].ID)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("scores not descending: %f < %f", results[0].Score, results[1].Score)
	}
}

func TestQueryFiltersConjunctive(t *testing.T) {
	idx := openTestIndex(t)

	now := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)

	docs := testRecord("doc", []float32{1, 0, 0}, now)
	photo := testRecord("photo", []float32{1, 0, 0}, now.Add(48*time.Hour))
	photo.Category = "Photos"
	photo.FileType = "jpg"
	for _, rec := range []Record{docs, photo} {
		if err := idx.Upsert(rec); err != nil {
			t.Fatalf("Upsert(%s): %v", rec.ID, err)
		}
	}

	tests := []struct {
		name    string
		filters Filters
		want    []string
	}{
		{"category only", Filters{Category: "Photos"}, []string{"photo"}},
		{"file type only", Filters{FileType: "txt"}, []string{"doc"}},
		{"category and type disjoint", Filters{Category: "Photos", FileType: "txt"}, nil},
		{"time range inclusive", Filters{From: now, To: now}, []string{"doc"}},
		{"no filters", Filters{}, []string{"doc", "photo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := idx.Query([]float32{1, 0, 0}, "test-model", tt.filters, 10)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(results) != len(tt.want) {
				t.Fatalf("expected %d results, got %d", len(tt.want), len(results))
			}
			got := map[string]bool{}
			for _, r := range results {
				got[r.ID] = true
			}
			for _, id := range tt.want {
				if !got[id] {
					t.Errorf("missing %s in results", id)
				}
			}
		})
	}
}

func TestQueryModelIsolation(t *testing.T) {
	idx := openTestIndex(t)

	rec := testRecord("r1", []float32{1, 0, 0}, time.Now())
	if err := idx.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := idx.Query([]float32{1, 0}, "other-model", Filters{}, 5)
	if err != nil {
		t.Fatalf("Query with different model: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no cross-model results, got %d", len(results))
	}
}

func TestQueryEmptyIndex(t *testing.T) {
	idx := openTestIndex(t)

	results, err := idx.Query([]float32{1, 0, 0}, "test-model", Filters{}, 5)
	if err != nil {
		t.Fatalf("Query on empty index: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty results, got %d", len(results))
	}
}

func TestScanOrdersByRecency(t *testing.T) {
	idx := openTestIndex(t)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := testRecord(fmt.Sprintf("r%d", i), []float32{1, 0, 0}, base.Add(time.Duration(i)*time.Hour))
		if err := idx.Upsert(rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	results, err := idx.Scan(Filters{From: base, To: base.Add(time.Hour)}, 10)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "r1" || results[1].ID != "r0" {
		t.Errorf("expected newest first, got %s, %s", results[0].ID, results[1].ID)
	}
}

func TestDeleteMissingNotError(t *testing.T) {
	idx := openTestIndex(t)

	if err := idx.Delete("missing"); err != nil {
		t.Errorf("Delete(missing) should not fail: %v", err)
	}
}

func TestCategoryStats(t *testing.T) {
	idx := openTestIndex(t)

	now := time.Now().UTC()
	recs := []Record{
		{ID: "a", Vector: []float32{1, 0}, Model: "m", Category: "Docs", FileType: "txt", MovedAt: now},
		{ID: "b", Vector: []float32{0, 1}, Model: "m", Category: "Docs", FileType: "pdf", MovedAt: now},
		{ID: "c", Vector: []float32{1, 1}, Model: "m", Category: "Photos", FileType: "jpg", MovedAt: now},
	}
	for _, rec := range recs {
		if err := idx.Upsert(rec); err != nil {
			t.Fatalf("Upsert(%s): %v", rec.ID, err)
		}
	}

	stats, err := idx.CategoryStats("m")
	if err != nil {
		t.Fatalf("CategoryStats: %v", err)
	}
	docs, ok := stats["Docs"]
	if !ok {
		t.Fatal("missing Docs stats")
	}
	if docs.Members != 2 {
		t.Errorf("expected 2 Docs members, got %d", docs.Members)
	}
	if docs.Centroid[0] != 0.5 || docs.Centroid[1] != 0.5 {
		t.Errorf("unexpected Docs centroid: %v", docs.Centroid)
	}
	if docs.TypeCounts["txt"] != 1 || docs.TypeCounts["pdf"] != 1 {
		t.Errorf("unexpected Docs type counts: %v", docs.TypeCounts)
	}
	if stats["Photos"].Members != 1 {
		t.Errorf("expected 1 Photos member, got %d", stats["Photos"].Members)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.75, 0}
	decoded, err := decodeFloat32s(encodeFloat32s(vec))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(vec) {
		t.Fatalf("length mismatch: %d != %d", len(decoded), len(vec))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Errorf("element %d: %f != %f", i, decoded[i], vec[i])
		}
	}
}

func TestDecodeCorruptBlob(t *testing.T) {
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for blob length not a multiple of 4")
	}
}
