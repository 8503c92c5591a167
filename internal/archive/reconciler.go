package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shelf-app/shelfd/internal/storage"
)

// entryStore is the slice of the storage layer the reconciler needs.
type entryStore interface {
	ListArchiveEntries() ([]storage.ArchiveEntry, error)
	DeleteArchiveEntry(id string) error
}

// vectorIndex deletes vector records by ID.
type vectorIndex interface {
	Delete(id string) error
}

// Reconciler keeps the index consistent with the archive tree. Users can
// delete or move archived files outside the daemon; without cleanup those
// files would keep answering searches forever. Each pass removes the
// entry and vector for every tracked file that no longer exists under the
// archive root.
type Reconciler struct {
	root   string
	store  entryStore
	index  vectorIndex
	logger *slog.Logger
}

func NewReconciler(root string, store entryStore, index vectorIndex, logger *slog.Logger) *Reconciler {
	return &Reconciler{root: root, store: store, index: index, logger: logger}
}

// Run reconciles immediately and then on every tick of interval until the
// context is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if removed, err := r.Reconcile(); err != nil {
			r.logger.Error("archive reconciliation failed", "error", err)
		} else if removed > 0 {
			r.logger.Info("reconciled archive", "removed", removed)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconcile walks all tracked entries and removes the ones whose file is
// gone from the archive tree. It returns the number of entries removed.
// Stat errors other than "not exist" leave the entry alone; a transient
// permission problem must not destroy index records.
func (r *Reconciler) Reconcile() (int, error) {
	entries, err := r.store.ListArchiveEntries()
	if err != nil {
		return 0, fmt.Errorf("reconciling archive: %w", err)
	}

	removed := 0
	for _, e := range entries {
		_, err := os.Lstat(filepath.Join(r.root, e.RelativePath))
		if err == nil || !os.IsNotExist(err) {
			continue
		}

		if err := r.index.Delete(e.VectorID); err != nil {
			r.logger.Error("deleting stale vector", "vector_id", e.VectorID, "error", err)
			continue
		}
		if err := r.store.DeleteArchiveEntry(e.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			r.logger.Error("deleting stale archive entry", "entry_id", e.ID, "error", err)
			continue
		}
		r.logger.Info("removed stale archive entry",
			"path", e.RelativePath, "entry_id", e.ID)
		removed++
	}
	return removed, nil
}
