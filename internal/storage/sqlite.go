package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the move log, archive entries,
// and the vector index table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used
// by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "shelfd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying connection for the vector index, which shares
// this database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Healthy reports whether the database answers a trivial query. Used by
// the health endpoint to surface storage corruption.
func (s *Store) Healthy() error {
	var one int
	if err := s.db.QueryRow("SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("storage health check: %w", err)
	}
	return nil
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Move log ---

// AppendMoveLog records one archive attempt. Each call commits exactly
// one row; the single-connection pool serializes concurrent appends.
func (s *Store) AppendMoveLog(rec MoveLogRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	itemType := rec.ItemType
	if itemType == "" {
		itemType = ItemTypeFile
	}
	_, err := s.db.Exec(`
		INSERT INTO move_logs (created_at, source_path, destination_path, item_type, trigger, status, note)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		createdAt.UTC().Format(time.RFC3339), rec.SourcePath, rec.DestinationPath,
		itemType, rec.Trigger, rec.Status, rec.Note,
	)
	if err != nil {
		return fmt.Errorf("appending move log: %w", err)
	}
	return nil
}

// MoveLogsBetween returns move log records with from <= created_at <= to,
// in ascending timestamp order. limit <= 0 means no limit.
func (s *Store) MoveLogsBetween(from, to time.Time, limit int) ([]MoveLogRecord, error) {
	query := `
		SELECT id, created_at, source_path, destination_path, item_type, trigger, status, note
		FROM move_logs
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC, id ASC`
	args := []any{from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying move logs: %w", err)
	}
	defer rows.Close()

	var records []MoveLogRecord
	for rows.Next() {
		var r MoveLogRecord
		var createdAt string
		if err := rows.Scan(&r.ID, &createdAt, &r.SourcePath, &r.DestinationPath, &r.ItemType, &r.Trigger, &r.Status, &r.Note); err != nil {
			return nil, fmt.Errorf("scanning move log row: %w", err)
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Archive entries ---

func (s *Store) SaveArchiveEntry(e ArchiveEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO archive_entries (id, relative_path, original_name, category, file_type, moved_at, vector_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RelativePath, e.OriginalName, e.Category, e.FileType,
		e.MovedAt.UTC().Format(time.RFC3339), e.VectorID,
	)
	if err != nil {
		return fmt.Errorf("saving archive entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) GetArchiveEntry(id string) (ArchiveEntry, error) {
	return s.scanEntry(s.db.QueryRow(`
		SELECT id, relative_path, original_name, category, file_type, moved_at, vector_id
		FROM archive_entries WHERE id = ?`, id))
}

func (s *Store) GetArchiveEntryByVectorID(vectorID string) (ArchiveEntry, error) {
	return s.scanEntry(s.db.QueryRow(`
		SELECT id, relative_path, original_name, category, file_type, moved_at, vector_id
		FROM archive_entries WHERE vector_id = ?`, vectorID))
}

func (s *Store) GetArchiveEntryByPath(relativePath string) (ArchiveEntry, error) {
	return s.scanEntry(s.db.QueryRow(`
		SELECT id, relative_path, original_name, category, file_type, moved_at, vector_id
		FROM archive_entries WHERE relative_path = ?`, relativePath))
}

func (s *Store) scanEntry(row *sql.Row) (ArchiveEntry, error) {
	var e ArchiveEntry
	var movedAt string
	err := row.Scan(&e.ID, &e.RelativePath, &e.OriginalName, &e.Category, &e.FileType, &movedAt, &e.VectorID)
	if err == sql.ErrNoRows {
		return ArchiveEntry{}, ErrNotFound
	}
	if err != nil {
		return ArchiveEntry{}, err
	}
	t, err := time.Parse(time.RFC3339, movedAt)
	if err != nil {
		return ArchiveEntry{}, fmt.Errorf("parsing moved_at: %w", err)
	}
	e.MovedAt = t
	return e, nil
}

func (s *Store) UpdateArchiveEntryVectorID(id, vectorID string) error {
	res, err := s.db.Exec("UPDATE archive_entries SET vector_id = ? WHERE id = ?", vectorID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteArchiveEntry(id string) error {
	res, err := s.db.Exec("DELETE FROM archive_entries WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListArchiveEntries returns every archive entry, oldest move first. The
// reconciler walks this list against the archive tree.
func (s *Store) ListArchiveEntries() ([]ArchiveEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, relative_path, original_name, category, file_type, moved_at, vector_id
		FROM archive_entries ORDER BY moved_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing archive entries: %w", err)
	}
	defer rows.Close()

	var entries []ArchiveEntry
	for rows.Next() {
		var e ArchiveEntry
		var movedAt string
		if err := rows.Scan(&e.ID, &e.RelativePath, &e.OriginalName, &e.Category, &e.FileType, &movedAt, &e.VectorID); err != nil {
			return nil, fmt.Errorf("scanning archive entry row: %w", err)
		}
		t, err := time.Parse(time.RFC3339, movedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing moved_at: %w", err)
		}
		e.MovedAt = t
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CategoryCounts returns the number of archive entries per category.
// Used by the categorizer's majority tie-break and the stats endpoint.
func (s *Store) CategoryCounts() (map[string]int, error) {
	rows, err := s.db.Query("SELECT category, COUNT(*) FROM archive_entries GROUP BY category")
	if err != nil {
		return nil, fmt.Errorf("counting categories: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		counts[category] = n
	}
	return counts, rows.Err()
}

// CountArchiveEntries returns the total number of archived files.
func (s *Store) CountArchiveEntries() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM archive_entries").Scan(&count)
	return count, err
}
