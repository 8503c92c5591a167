package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Move log outcome values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Move log trigger values.
const (
	TriggerWatcher = "watcher"
	TriggerUpload  = "upload"
)

// Move log item types. A folder row summarizes the batch of file rows
// produced by archiving a dropped folder's contents.
const (
	ItemTypeFile   = "file"
	ItemTypeFolder = "folder"
)

// MoveLogRecord is one append-only row describing an archive attempt.
// Records are never mutated after creation.
type MoveLogRecord struct {
	ID              int64
	CreatedAt       time.Time
	SourcePath      string
	DestinationPath string
	ItemType        string
	Trigger         string
	Status          string
	Note            string
}

// ArchiveEntry is the canonical durable record of an archived file.
type ArchiveEntry struct {
	ID           string
	RelativePath string // relative to the archive root
	OriginalName string
	Category     string
	FileType     string
	MovedAt      time.Time
	VectorID     string
}
