package events

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJournalSink_Send(t *testing.T) {
	tmpDir := t.TempDir()
	journalPath := filepath.Join(tmpDir, "events.jsonl")

	sink, err := NewJournalSink(journalPath, 0)
	if err != nil {
		t.Fatalf("NewJournalSink failed: %v", err)
	}
	defer sink.Close()

	rec := NewRecord("match", "STORING").
		WithTool("storescp").
		WithData("path", "/data/incoming/CT.1.dcm")

	if err := sink.Send(context.Background(), rec); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	data, err := os.ReadFile(journalPath)
	if err != nil {
		t.Fatalf("Failed to read journal: %v", err)
	}

	var got Record
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Failed to unmarshal record: %v", err)
	}

	if got.Event != "STORING" {
		t.Errorf("Event = %q, want STORING", got.Event)
	}
	if got.Tool != "storescp" {
		t.Errorf("Tool = %q, want storescp", got.Tool)
	}
	if got.Data["path"] != "/data/incoming/CT.1.dcm" {
		t.Errorf("Data[path] = %v", got.Data["path"])
	}
}

func TestJournalSink_MultipleRecords(t *testing.T) {
	tmpDir := t.TempDir()
	journalPath := filepath.Join(tmpDir, "events.jsonl")

	sink, err := NewJournalSink(journalPath, 0)
	if err != nil {
		t.Fatalf("NewJournalSink failed: %v", err)
	}
	defer sink.Close()

	records := []*Record{
		NewDaemonStart(),
		NewRecord("match", "LISTENING").WithTool("storescp"),
		NewRecord("match", "ASSOC_RECEIVED").WithTool("storescp"),
	}

	for _, rec := range records {
		if err := sink.Send(context.Background(), rec); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	file, err := os.Open(journalPath)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	i := 0
	for scanner.Scan() {
		var got Record
		if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
			t.Fatalf("Failed to unmarshal line %d: %v", i, err)
		}
		if got.Event != records[i].Event {
			t.Errorf("Line %d: event = %q, want %q", i, got.Event, records[i].Event)
		}
		i++
	}

	if i != len(records) {
		t.Errorf("Read %d records, want %d", i, len(records))
	}
}

func TestJournalSink_Rotation(t *testing.T) {
	tmpDir := t.TempDir()
	journalPath := filepath.Join(tmpDir, "events.jsonl")

	// Small max size so rotation triggers quickly
	sink, err := NewJournalSink(journalPath, 500)
	if err != nil {
		t.Fatalf("NewJournalSink failed: %v", err)
	}
	defer sink.Close()

	for i := 0; i < 20; i++ {
		rec := NewRecord("line", "LINE").
			WithTool("storescp").
			WithText("I: this line is long enough to fill the journal quickly")
		if err := sink.Send(context.Background(), rec); err != nil {
			t.Fatalf("Send failed on iteration %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to read temp dir: %v", err)
	}

	rotatedFiles := 0
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "events.jsonl.") {
			rotatedFiles++
		}
	}

	if rotatedFiles == 0 {
		t.Error("Expected at least one rotated file, found none")
	}
}

func TestJournalSink_DefaultPath(t *testing.T) {
	sink, err := NewJournalSink("", 0)
	if err != nil {
		t.Fatalf("NewJournalSink failed: %v", err)
	}

	home, _ := os.UserHomeDir()
	expectedPath := filepath.Join(home, ".dcmwrap", "events.jsonl")
	if sink.Path() != expectedPath {
		t.Errorf("Path = %q, want %q", sink.Path(), expectedPath)
	}
}
