package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type stored struct {
	path string
	size int64
}

func startWatcher(t *testing.T, dir string) (*Watcher, chan stored, context.CancelFunc) {
	t.Helper()

	ch := make(chan stored, 16)
	w, err := NewWatcher(dir, func(path string, size int64) {
		ch <- stored{path, size}
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	t.Cleanup(func() {
		cancel()
		w.Close()
	})
	return w, ch, cancel
}

func TestWatcherReportsNewFile(t *testing.T) {
	dir := t.TempDir()
	_, ch, _ := startWatcher(t, dir)

	path := filepath.Join(dir, "CT.1.2.840.113619.dcm")
	content := []byte("DICM test payload")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case got := <-ch:
		if got.path != path {
			t.Errorf("Path = %q, want %q", got.path, path)
		}
		if got.size != int64(len(content)) {
			t.Errorf("Size = %d, want %d", got.size, len(content))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("File never reported")
	}
}

func TestWatcherWaitsForSettle(t *testing.T) {
	dir := t.TempDir()
	_, ch, _ := startWatcher(t, dir)

	path := filepath.Join(dir, "MR.dcm")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.Write([]byte("first chunk "))
	time.Sleep(200 * time.Millisecond)
	f.Write([]byte("second chunk"))
	f.Close()

	select {
	case got := <-ch:
		if got.size != int64(len("first chunk second chunk")) {
			t.Errorf("Size = %d, want full file", got.size)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("File never reported")
	}

	// One report per settled file
	select {
	case got := <-ch:
		t.Errorf("Unexpected second report: %+v", got)
	case <-time.After(800 * time.Millisecond):
	}
}

func TestWatcherIgnoresDotfiles(t *testing.T) {
	dir := t.TempDir()
	_, ch, _ := startWatcher(t, dir)

	path := filepath.Join(dir, ".storescp_tmp")
	if err := os.WriteFile(path, []byte("partial"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case got := <-ch:
		t.Errorf("Dotfile reported: %+v", got)
	case <-time.After(1200 * time.Millisecond):
	}
}

func TestWatcherPolling(t *testing.T) {
	dir := t.TempDir()

	// Present before the watcher starts; must not be reported
	oldPath := filepath.Join(dir, "old.dcm")
	if err := os.WriteFile(oldPath, []byte("history"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	ch := make(chan stored, 16)
	w, err := NewWatcher(dir, func(path string, size int64) {
		ch <- stored{path, size}
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()
	w.poll = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.RunPolling(ctx)

	time.Sleep(150 * time.Millisecond)

	newPath := filepath.Join(dir, "new.dcm")
	content := []byte("DICM fresh")
	if err := os.WriteFile(newPath, content, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case got := <-ch:
		if got.path != newPath {
			t.Errorf("Path = %q, want %q", got.path, newPath)
		}
		if got.size != int64(len(content)) {
			t.Errorf("Size = %d, want %d", got.size, len(content))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("File never reported in polling mode")
	}
}

func TestNewWatcherMissingDir(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope"), nil)
	if err == nil {
		t.Fatal("Expected error for missing directory")
	}
}

func TestNewWatcherNotADir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := NewWatcher(path, nil)
	if err == nil {
		t.Fatal("Expected error for non-directory")
	}
}
