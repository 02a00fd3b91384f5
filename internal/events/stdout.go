package events

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// StdoutSink prints records to a writer, either as human-readable lines
// or as raw JSONL.
type StdoutSink struct {
	JSON bool
	W    io.Writer // nil = os.Stdout
}

// NewStdoutSink creates a stdout sink.
func NewStdoutSink(jsonMode bool) *StdoutSink {
	return &StdoutSink{JSON: jsonMode}
}

// Name returns the sink type.
func (s *StdoutSink) Name() string {
	return "stdout"
}

// Send prints one record.
func (s *StdoutSink) Send(ctx context.Context, rec *Record) error {
	w := s.W
	if w == nil {
		w = os.Stdout
	}

	if s.JSON {
		data, err := rec.JSONLine()
		if err != nil {
			return err
		}
		_, err = w.Write(append(data, '\n'))
		return err
	}

	timestamp := rec.Timestamp.Format("15:04:05")
	switch rec.Kind {
	case "line":
		fmt.Fprintf(w, "[%s] %s> %s\n", timestamp, rec.Source, rec.Text)
	case "block_timeout":
		fmt.Fprintf(w, "[%s] %s abandoned after %d lines\n", timestamp, rec.Event, len(rec.Lines))
	case "state":
		if rec.Text != "" {
			fmt.Fprintf(w, "[%s] %s\n", timestamp, rec.Text)
		} else {
			printEvent(w, timestamp, rec)
		}
	case "error":
		fmt.Fprintf(w, "[%s] error: %s\n", timestamp, rec.Error)
	default: // match, storage
		printEvent(w, timestamp, rec)
	}
	return nil
}

// printEvent renders the event name with its data pairs.
func printEvent(w io.Writer, timestamp string, rec *Record) {
	if data := formatData(rec.Data); data != "" {
		fmt.Fprintf(w, "[%s] %s %s\n", timestamp, rec.Event, data)
		return
	}
	fmt.Fprintf(w, "[%s] %s\n", timestamp, rec.Event)
}

// formatData renders match data as sorted key=value pairs. The raw
// field is omitted: full block text bloats a terminal line.
func formatData(data map[string]interface{}) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == "raw" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}
