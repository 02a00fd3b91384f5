// Package storage watches the listener's output directory for received
// DICOM files. It reports what actually lands on disk, independent of
// what the listener claims in its log.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// quietPeriod is how long a file must stay unmodified before it is
	// reported. storescp writes incrementally; reporting on the first
	// write would hand out half a file.
	quietPeriod = 500 * time.Millisecond

	sweepInterval = 250 * time.Millisecond
	pollInterval  = 2 * time.Second
)

// StoredFunc receives one settled file. It is called from the watcher
// goroutine and must not block.
type StoredFunc func(path string, size int64)

// Watcher reports files written into a directory once they settle.
type Watcher struct {
	dir      string
	onStored StoredFunc
	fsw      *fsnotify.Watcher
	poll     time.Duration

	mu      sync.Mutex
	pending map[string]time.Time // path -> last observed write
	known   map[string]int64     // path -> size already reported
	sizes   map[string]int64     // path -> size at previous scan (polling)
}

// NewWatcher creates a watcher for dir. The directory must exist. When
// inotify is unavailable the watcher still works in polling mode.
func NewWatcher(dir string, onStored StoredFunc) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot watch %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cannot watch %s: not a directory", dir)
	}

	w := &Watcher{
		dir:      dir,
		onStored: onStored,
		poll:     pollInterval,
		pending:  make(map[string]time.Time),
		known:    make(map[string]int64),
		sizes:    make(map[string]int64),
	}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
		} else {
			w.fsw = fsw
		}
	}

	return w, nil
}

// Polling reports whether the watcher fell back to directory scans.
func (w *Watcher) Polling() bool { return w.fsw == nil }

// Run watches until ctx is cancelled. Falls back to polling when no
// fsnotify watch could be established.
func (w *Watcher) Run(ctx context.Context) error {
	if w.fsw == nil {
		return w.RunPolling(ctx)
	}

	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(event)

		case _, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

		case <-sweepTicker.C:
			w.sweep()
		}
	}
}

// RunPolling scans the directory on an interval instead of using
// inotify. A file is reported once its size holds steady across two
// scans. Files present at the first scan are not reported.
func (w *Watcher) RunPolling(ctx context.Context) error {
	w.seedKnown()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.scan()
		}
	}
}

// handleFSEvent queues writes and creates for the settle sweep.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if skipName(filepath.Base(event.Name)) {
		return
	}

	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// sweep reports pending files whose last write is older than the quiet
// period and which still exist as regular files.
func (w *Watcher) sweep() {
	now := time.Now()

	w.mu.Lock()
	var due []string
	for path, last := range w.pending {
		if now.Sub(last) >= quietPeriod {
			due = append(due, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range due {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		w.report(path, info.Size())
	}
}

// seedKnown records the files already present so the first poll does
// not report history.
func (w *Watcher) seedKnown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, size := range w.listFiles() {
		w.known[path] = size
	}
}

// scan reports files that are new or changed and whose size matches the
// previous scan.
func (w *Watcher) scan() {
	w.mu.Lock()
	files := w.listFiles()

	settled := make(map[string]int64)
	for path, size := range files {
		if reported, ok := w.known[path]; ok && reported == size {
			continue
		}
		if prev, seen := w.sizes[path]; seen && prev == size {
			settled[path] = size
		}
		w.sizes[path] = size
	}
	for path := range w.sizes {
		if _, ok := files[path]; !ok {
			delete(w.sizes, path)
		}
	}
	w.mu.Unlock()

	for path, size := range settled {
		w.report(path, size)
	}
}

// listFiles returns the regular files in the watched directory. Caller
// holds w.mu.
func (w *Watcher) listFiles() map[string]int64 {
	out := make(map[string]int64)
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if entry.IsDir() || skipName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out[filepath.Join(w.dir, entry.Name())] = info.Size()
	}
	return out
}

func (w *Watcher) report(path string, size int64) {
	w.mu.Lock()
	w.known[path] = size
	w.mu.Unlock()

	if w.onStored != nil {
		w.onStored(path, size)
	}
}

// skipName filters dotfiles and editor droppings.
func skipName(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Close releases the fsnotify watch.
func (w *Watcher) Close() error {
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
