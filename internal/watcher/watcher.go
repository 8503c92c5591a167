// Package watcher observes the input directory and emits paths of files
// ready for ingestion. Filesystem events are debounced per path so a file
// still being written is picked up once, after the writes settle.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shelf-app/shelfd/internal/extract"
)

// transientSuffixes mark in-progress downloads and editor temp files.
var transientSuffixes = []string{".tmp", ".part", ".crdownload", ".download", "~"}

// Options configures a Watcher.
type Options struct {
	// Dir is the input directory to observe.
	Dir string

	// DebounceWindow is how long a path must stay quiet before it is
	// emitted. Each new event for the path restarts the window.
	DebounceWindow time.Duration

	// EventBuffer is the capacity of the emitted-paths channel.
	EventBuffer int
}

// Watcher emits paths of settled, supported files and dropped folders
// appearing in Dir.
type Watcher struct {
	opts   Options
	fsw    *fsnotify.Watcher
	logger *slog.Logger

	events  chan string
	done    chan struct{}
	wg      sync.WaitGroup
	pending sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a Watcher for the configured directory. The directory is
// created if it does not exist.
func New(opts Options, logger *slog.Logger) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 2 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating watch directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}
	if err := fsw.Add(opts.Dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", opts.Dir, err)
	}

	return &Watcher{
		opts:   opts,
		fsw:    fsw,
		logger: logger,
		events: make(chan string, opts.EventBuffer),
		done:   make(chan struct{}),
		timers: make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. Files already present in the directory are
// scheduled first so a daemon restart catches up on anything it missed.
func (w *Watcher) Start() {
	w.scanExisting()

	w.wg.Add(1)
	go w.loop()
}

// Events returns the channel of settled file paths.
func (w *Watcher) Events() <-chan string {
	return w.events
}

// Close stops watching and releases resources. Pending debounce timers
// are cancelled; their paths are not emitted.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()

	w.mu.Lock()
	for path, t := range w.timers {
		if t.Stop() {
			w.pending.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()

	// Timers that fired before Stop still run to completion; wait for
	// them before closing the channel they send on.
	w.pending.Wait()
	close(w.events)
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Watch errors are transient on most platforms; log and keep going.
			w.logger.Warn("filesystem watch error", "error", err)
		}
	}
}

// scanExisting schedules every eligible file already sitting in the
// input directory.
func (w *Watcher) scanExisting() {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		w.logger.Warn("scanning input directory failed", "error", err)
		return
	}
	for _, entry := range entries {
		w.schedule(filepath.Join(w.opts.Dir, entry.Name()))
	}
}

// schedule (re)arms the debounce timer for path. The timer firing checks
// eligibility at emit time, after the file has settled.
func (w *Watcher) schedule(path string) {
	if !plausible(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.opts.DebounceWindow)
		return
	}
	w.pending.Add(1)
	w.timers[path] = time.AfterFunc(w.opts.DebounceWindow, func() {
		w.emit(path)
	})
}

func (w *Watcher) emit(path string) {
	defer w.pending.Done()

	w.mu.Lock()
	delete(w.timers, path)
	w.mu.Unlock()

	if !eligible(path, w.logger) {
		return
	}

	select {
	case w.events <- path:
	case <-w.done:
	}
}

// plausible is the cheap pre-filter applied at event time. Hidden and
// transient names never pass. Supported file names pass on the name
// alone; anything else passes only if it is a directory, since dropped
// folders are archived file by file.
func plausible(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	lower := strings.ToLower(name)
	for _, suffix := range transientSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}
	if _, _, ok := extract.TypeOf(name); ok {
		return true
	}
	info, err := os.Lstat(path)
	return err == nil && info.IsDir()
}

// eligible is the full check applied when the debounce window closes:
// the path must still exist and be either a directory or a regular
// non-empty file.
func eligible(path string, logger *slog.Logger) bool {
	info, err := os.Lstat(path)
	if err != nil {
		// Removed or renamed away before settling.
		return false
	}
	if info.IsDir() {
		return true
	}
	if !info.Mode().IsRegular() {
		return false
	}
	if info.Size() == 0 {
		logger.Debug("skipping empty file", "path", path)
		return false
	}
	return true
}
