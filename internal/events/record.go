// Package events carries listener observations to their consumers. The
// JSONL journal, webhooks, the Unix socket, and the websocket feed all
// speak the same Record schema.
package events

import (
	"encoding/json"
	"time"

	"dcmwrap/internal/stream"
	"dcmwrap/internal/supervisor"
)

// Lifecycle record names produced outside the tool catalogs.
const (
	EventDaemonStart = "DAEMON_START"
	EventDaemonStop  = "DAEMON_STOP"
	EventFileStored  = "FILE_STORED"
	EventAssocStale  = "ASSOC_STALE"
)

// Record is the unified event structure used by every delivery path.
// This provides a consistent JSON schema across the journal, webhooks,
// sockets, and the websocket feed.
type Record struct {
	Event      string                 `json:"event"`                // Catalog event name, or a lifecycle name
	Kind       string                 `json:"kind"`                 // line|match|block_timeout|state|error|storage
	Timestamp  time.Time              `json:"timestamp"`
	Tool       string                 `json:"tool,omitempty"`       // Producing tool, e.g. "storescp"
	Supervisor string                 `json:"supervisor,omitempty"` // Supervisor id for listener records
	Source     string                 `json:"source,omitempty"`     // stdout|stderr for line records
	Text       string                 `json:"text,omitempty"`       // Raw line text or state name
	Data       map[string]interface{} `json:"data,omitempty"`       // Extracted fields for matches
	Lines      []string               `json:"lines,omitempty"`      // Buffer of an abandoned block
	Error      string                 `json:"error,omitempty"`
	Fatal      bool                   `json:"fatal,omitempty"`
}

// NewRecord creates a Record with the current timestamp.
func NewRecord(kind, event string) *Record {
	return &Record{Kind: kind, Event: event, Timestamp: time.Now()}
}

// WithTool sets the producing tool and returns the record for chaining.
func (r *Record) WithTool(tool string) *Record {
	r.Tool = tool
	return r
}

// WithText sets the text field and returns the record for chaining.
func (r *Record) WithText(text string) *Record {
	r.Text = text
	return r
}

// WithData adds a data key-value pair and returns the record for chaining.
func (r *Record) WithData(key string, value interface{}) *Record {
	if r.Data == nil {
		r.Data = make(map[string]interface{})
	}
	r.Data[key] = value
	return r
}

// JSONLine returns the record serialized as one JSON line (no trailing
// newline).
func (r *Record) JSONLine() ([]byte, error) {
	return json.Marshal(r)
}

// FromSupervisor converts a supervisor event into the wire schema.
func FromSupervisor(tool, supervisorID string, ev supervisor.Event) *Record {
	rec := &Record{
		Kind:       ev.Kind.String(),
		Timestamp:  ev.Time,
		Tool:       tool,
		Supervisor: supervisorID,
		Source:     ev.Source,
		Text:       ev.Text,
		Data:       ev.Data,
		Lines:      ev.Lines,
		Fatal:      ev.Fatal,
	}
	switch ev.Kind {
	case supervisor.KindMatch, supervisor.KindBlockTimeout:
		rec.Event = ev.Event
	case supervisor.KindLine:
		rec.Event = "LINE"
	case supervisor.KindState:
		rec.Event = "STATE"
	case supervisor.KindError:
		rec.Event = "ERROR"
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return rec
}

// FromStream converts a pattern engine event, for one-shot tool runs
// that drive an engine without a supervisor.
func FromStream(tool string, ev stream.Event) *Record {
	rec := &Record{
		Event:     ev.Event,
		Timestamp: time.Now(),
		Tool:      tool,
		Data:      ev.Data,
		Lines:     ev.Lines,
	}
	switch ev.Kind {
	case stream.KindMatch:
		rec.Kind = "match"
	case stream.KindBlockTimeout:
		rec.Kind = "block_timeout"
	}
	return rec
}

// NewFileStored builds the record for a file settled in the output
// directory. Unlike the listener's STORING event, which fires when the
// write begins, this one fires once the file stops growing.
func NewFileStored(path string, size int64) *Record {
	return NewRecord("storage", EventFileStored).
		WithData("path", path).
		WithData("size", size)
}

// NewDaemonStart builds the record written when the daemon comes up.
func NewDaemonStart() *Record {
	return NewRecord("state", EventDaemonStart).WithText("dcmwrap daemon started")
}

// NewDaemonStop builds the record written when the daemon shuts down.
func NewDaemonStop() *Record {
	return NewRecord("state", EventDaemonStop).WithText("dcmwrap daemon stopping")
}
