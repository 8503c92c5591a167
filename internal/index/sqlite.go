package index

import (
	"container/heap"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Compile-time check that SQLiteIndex implements Index.
var _ Index = (*SQLiteIndex)(nil)

// SQLiteIndex provides vector storage and brute-force cosine similarity
// search backed by SQLite. Metadata filters are applied in SQL before the
// similarity scan, so a narrow filter keeps the scan cheap even as the
// archive grows.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex wraps an existing *sql.DB for vector operations.
// The vectors table must already exist (created via migrations).
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// Upsert inserts or replaces the record with the same ID. When a record
// with the ID exists, the incoming row wins only if its MovedAt is not
// older, which linearizes concurrent upserts for one id.
func (s *SQLiteIndex) Upsert(rec Record) error {
	if len(rec.Vector) == 0 {
		return fmt.Errorf("upserting %s: empty vector", rec.ID)
	}
	storedDims, err := s.modelDims(rec.Model)
	if err != nil {
		return err
	}
	if storedDims != 0 && storedDims != len(rec.Vector) {
		return fmt.Errorf("upserting %s: model %s stores %d dims, got %d: %w",
			rec.ID, rec.Model, storedDims, len(rec.Vector), ErrDimensionMismatch)
	}

	movedAt := rec.MovedAt
	if movedAt.IsZero() {
		movedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO vectors (id, embedding, model, dims, category, file_type, moved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			embedding = excluded.embedding,
			model = excluded.model,
			dims = excluded.dims,
			category = excluded.category,
			file_type = excluded.file_type,
			moved_at = excluded.moved_at
		WHERE excluded.moved_at >= vectors.moved_at`,
		rec.ID, encodeFloat32s(rec.Vector), rec.Model, len(rec.Vector),
		rec.Category, rec.FileType, movedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting record %s: %w", rec.ID, err)
	}
	return nil
}

// idScore holds only the ID and score during the scan phase of Query.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Query performs brute-force cosine similarity search over records
// matching the model and filters, returning the top-K most similar.
// A non-positive topK yields no results.
func (s *SQLiteIndex) Query(vector []float32, model string, filters Filters, topK int) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query: empty vector")
	}
	storedDims, err := s.modelDims(model)
	if err != nil {
		return nil, err
	}
	if storedDims != 0 && storedDims != len(vector) {
		return nil, fmt.Errorf("query vector has %d dims, index stores %d for model %s: %w",
			len(vector), storedDims, model, ErrDimensionMismatch)
	}

	where, args := filterClause(model, filters)

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.Query("SELECT id, embedding FROM vectors "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	scores := make(map[string]float32, h.Len())
	ids := make([]string, h.Len())
	for i := len(ids) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		ids[i] = item.ID
		scores[item.ID] = item.Score
	}

	records, err := s.getByIDs(ids)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredRecord, 0, len(records))
	for _, r := range records {
		results = append(results, ScoredRecord{Record: r, Score: scores[r.ID]})
	}
	sortByScore(results)
	return results, nil
}

// Scan returns records matching the filters in descending moved_at
// order, without similarity scoring. It serves filter-only requests
// such as "everything archived last week".
func (s *SQLiteIndex) Scan(filters Filters, limit int) ([]ScoredRecord, error) {
	conds, args := filterConds(filters)
	query := "SELECT id, embedding, model, category, file_type, moved_at FROM vectors"
	if len(conds) > 0 {
		query += " WHERE " + joinConds(conds)
	}
	query += " ORDER BY moved_at DESC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	defer rows.Close()

	var results []ScoredRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredRecord{Record: r})
	}
	return results, rows.Err()
}

// Delete removes a record by ID. Deleting a missing ID is not an error;
// re-archiving a moved file may race with cleanup.
func (s *SQLiteIndex) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM vectors WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *SQLiteIndex) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM vectors").Scan(&count)
	return count, err
}

// CategoryStats summarizes the live records of one category: the mean
// vector of its members, how many there are, and their file-type mix.
type CategoryStats struct {
	Centroid   []float32
	Members    int
	TypeCounts map[string]int
}

// CategoryStats returns per-category statistics for records of the given
// model. The categorizer scores new files against these centroids.
func (s *SQLiteIndex) CategoryStats(model string) (map[string]CategoryStats, error) {
	rows, err := s.db.Query("SELECT category, file_type, embedding FROM vectors WHERE model = ?", model)
	if err != nil {
		return nil, fmt.Errorf("querying category stats: %w", err)
	}
	defer rows.Close()

	type accum struct {
		sum        []float64
		members    int
		typeCounts map[string]int
	}
	accums := make(map[string]*accum)
	var buf []float32

	for rows.Next() {
		var category, fileType string
		var blob []byte
		if err := rows.Scan(&category, &fileType, &blob); err != nil {
			return nil, err
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding: %w", err)
		}
		a, ok := accums[category]
		if !ok {
			a = &accum{sum: make([]float64, len(buf)), typeCounts: make(map[string]int)}
			accums[category] = a
		}
		if len(a.sum) != len(buf) {
			return nil, fmt.Errorf("category %s mixes dims %d and %d: %w",
				category, len(a.sum), len(buf), ErrDimensionMismatch)
		}
		for i, f := range buf {
			a.sum[i] += float64(f)
		}
		a.members++
		a.typeCounts[fileType]++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := make(map[string]CategoryStats, len(accums))
	for category, a := range accums {
		n := float64(a.members)
		mean := make([]float32, len(a.sum))
		for i, f := range a.sum {
			mean[i] = float32(f / n)
		}
		stats[category] = CategoryStats{
			Centroid:   mean,
			Members:    a.members,
			TypeCounts: a.typeCounts,
		}
	}
	return stats, nil
}

// modelDims returns the stored dimensionality for a model, or 0 when the
// index holds no records for it.
func (s *SQLiteIndex) modelDims(model string) (int, error) {
	var dims int
	err := s.db.QueryRow("SELECT dims FROM vectors WHERE model = ? LIMIT 1", model).Scan(&dims)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("checking stored dims: %w", err)
	}
	return dims, nil
}

func (s *SQLiteIndex) getByIDs(ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	placeholders := ""
	for i, id := range ids {
		args[i] = id
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}

	rows, err := s.db.Query(`
		SELECT id, embedding, model, category, file_type, moved_at
		FROM vectors WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// scanRecord reads one full record from a row with columns
// (id, embedding, model, category, file_type, moved_at).
func scanRecord(rows *sql.Rows) (Record, error) {
	var r Record
	var blob []byte
	var movedAt string
	if err := rows.Scan(&r.ID, &blob, &r.Model, &r.Category, &r.FileType, &movedAt); err != nil {
		return Record{}, fmt.Errorf("scanning record: %w", err)
	}
	vec, err := decodeFloat32s(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
	}
	r.Vector = vec
	t, err := time.Parse(time.RFC3339, movedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing moved_at: %w", err)
	}
	r.MovedAt = t
	return r, nil
}

// filterClause builds the conjunctive WHERE clause for a model-scoped
// query.
func filterClause(model string, f Filters) (string, []any) {
	conds, condArgs := filterConds(f)
	conds = append([]string{"model = ?"}, conds...)
	args := append([]any{model}, condArgs...)
	return "WHERE " + joinConds(conds), args
}

// filterConds translates Filters into SQL conditions. All filters are
// conjunctive; the time range is inclusive on both ends.
func filterConds(f Filters) ([]string, []any) {
	var conds []string
	var args []any
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}
	if f.FileType != "" {
		conds = append(conds, "file_type = ?")
		args = append(args, f.FileType)
	}
	if !f.From.IsZero() {
		conds = append(conds, "moved_at >= ?")
		args = append(args, f.From.UTC().Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		conds = append(conds, "moved_at <= ?")
		args = append(args, f.To.UTC().Format(time.RFC3339))
	}
	return conds, args
}

func joinConds(conds []string) string {
	out := conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}

// sortByScore sorts ScoredRecords by Score descending, breaking ties by
// most recent MovedAt. Used for small slices (topK).
func sortByScore(results []ScoredRecord) {
	less := func(a, b ScoredRecord) bool {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.MovedAt.After(b.MovedAt)
	}
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && less(results[j], results[j-1]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32
// slice. A length that is not a multiple of 4 indicates data corruption.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score, used during the
// scan phase of Query to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
