package events

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JournalSink appends records to a JSONL file for external consumption.
type JournalSink struct {
	path    string
	maxSize int64
	mu      sync.Mutex
	file    *os.File
}

// NewJournalSink creates a journal at path.
// If path is empty, it defaults to ~/.dcmwrap/events.jsonl.
// If maxSize is 0, it defaults to 10MB.
func NewJournalSink(path string, maxSize int64) (*JournalSink, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".dcmwrap", "events.jsonl")
	}

	if maxSize == 0 {
		maxSize = 10 * 1024 * 1024 // 10MB
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	return &JournalSink{
		path:    path,
		maxSize: maxSize,
	}, nil
}

// Name returns the sink type.
func (j *JournalSink) Name() string {
	return "journal"
}

// Path returns the journal file path.
func (j *JournalSink) Path() string {
	return j.path
}

// Send appends one record to the journal.
func (j *JournalSink) Send(ctx context.Context, rec *Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.maybeRotate(); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}

	if j.file == nil {
		f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		j.file = f
	}

	data, err := rec.JSONLine()
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	// Sync so a tailing consumer sees the record promptly.
	return j.file.Sync()
}

// maybeRotate checks if the file needs rotation and rotates if necessary.
// Must be called with j.mu held.
func (j *JournalSink) maybeRotate() error {
	info, err := os.Stat(j.path)
	if os.IsNotExist(err) {
		return nil // File doesn't exist yet, no rotation needed
	}
	if err != nil {
		return err
	}

	if info.Size() < j.maxSize {
		return nil // File is under limit
	}

	if j.file != nil {
		j.file.Close()
		j.file = nil
	}

	// Rotate: rename current file with timestamp
	timestamp := time.Now().Format("2006-01-02-150405")
	rotatedPath := j.path + "." + timestamp
	if err := os.Rename(j.path, rotatedPath); err != nil {
		return fmt.Errorf("failed to rotate file: %w", err)
	}

	return nil
}

// Close closes the journal file.
func (j *JournalSink) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		err := j.file.Close()
		j.file = nil
		return err
	}
	return nil
}
