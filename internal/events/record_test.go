package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"dcmwrap/internal/stream"
	"dcmwrap/internal/supervisor"
)

func TestFromSupervisor_Match(t *testing.T) {
	ev := supervisor.Event{
		Kind:   supervisor.KindMatch,
		Source: "stdout",
		Event:  "STORING",
		Text:   "I: storing DICOM file: /data/incoming/CT.1.dcm",
		Data:   map[string]interface{}{"path": "/data/incoming/CT.1.dcm"},
		Time:   time.Now(),
	}

	rec := FromSupervisor("storescp", "sup-1", ev)

	if rec.Event != "STORING" {
		t.Errorf("Event = %q, want STORING", rec.Event)
	}
	if rec.Kind != "match" {
		t.Errorf("Kind = %q, want match", rec.Kind)
	}
	if rec.Tool != "storescp" {
		t.Errorf("Tool = %q, want storescp", rec.Tool)
	}
	if rec.Supervisor != "sup-1" {
		t.Errorf("Supervisor = %q, want sup-1", rec.Supervisor)
	}
	if rec.Data["path"] != "/data/incoming/CT.1.dcm" {
		t.Errorf("Data[path] = %v", rec.Data["path"])
	}
}

func TestFromSupervisor_Line(t *testing.T) {
	ev := supervisor.Event{
		Kind:   supervisor.KindLine,
		Source: "stderr",
		Text:   "D: setting network receive timeout to 60 seconds",
		Time:   time.Now(),
	}

	rec := FromSupervisor("storescp", "sup-1", ev)

	if rec.Event != "LINE" {
		t.Errorf("Event = %q, want LINE", rec.Event)
	}
	if rec.Kind != "line" {
		t.Errorf("Kind = %q, want line", rec.Kind)
	}
	if rec.Source != "stderr" {
		t.Errorf("Source = %q, want stderr", rec.Source)
	}
}

func TestFromSupervisor_State(t *testing.T) {
	ev := supervisor.Event{
		Kind: supervisor.KindState,
		Text: "listening",
		Time: time.Now(),
	}

	rec := FromSupervisor("storescp", "sup-1", ev)

	if rec.Event != "STATE" {
		t.Errorf("Event = %q, want STATE", rec.Event)
	}
	if rec.Text != "listening" {
		t.Errorf("Text = %q, want listening", rec.Text)
	}
}

func TestFromSupervisor_Error(t *testing.T) {
	ev := supervisor.Event{
		Kind:  supervisor.KindError,
		Err:   errors.New("listener exited unexpectedly with code 1"),
		Fatal: true,
		Time:  time.Now(),
	}

	rec := FromSupervisor("storescp", "sup-1", ev)

	if rec.Event != "ERROR" {
		t.Errorf("Event = %q, want ERROR", rec.Event)
	}
	if rec.Error != "listener exited unexpectedly with code 1" {
		t.Errorf("Error = %q", rec.Error)
	}
	if !rec.Fatal {
		t.Error("Fatal not carried over")
	}
}

func TestFromSupervisor_BlockTimeout(t *testing.T) {
	ev := supervisor.Event{
		Kind:  supervisor.KindBlockTimeout,
		Event: "ASSOC_RECEIVED",
		Lines: []string{"I: Association Received", "I:   CallingAETitle: MODALITY"},
		Time:  time.Now(),
	}

	rec := FromSupervisor("storescp", "sup-1", ev)

	if rec.Event != "ASSOC_RECEIVED" {
		t.Errorf("Event = %q, want ASSOC_RECEIVED", rec.Event)
	}
	if rec.Kind != "block_timeout" {
		t.Errorf("Kind = %q, want block_timeout", rec.Kind)
	}
	if len(rec.Lines) != 2 {
		t.Errorf("Lines count = %d, want 2", len(rec.Lines))
	}
}

func TestFromSupervisor_ZeroTime(t *testing.T) {
	rec := FromSupervisor("storescp", "sup-1", supervisor.Event{Kind: supervisor.KindLine})

	if rec.Timestamp.IsZero() {
		t.Error("Zero event time should be replaced with now")
	}
}

func TestFromStream(t *testing.T) {
	ev := stream.Event{
		Kind:  stream.KindMatch,
		Event: "ECHO_SUCCESS",
		Data:  map[string]interface{}{"status": "Success"},
	}

	rec := FromStream("echoscu", ev)

	if rec.Event != "ECHO_SUCCESS" {
		t.Errorf("Event = %q, want ECHO_SUCCESS", rec.Event)
	}
	if rec.Kind != "match" {
		t.Errorf("Kind = %q, want match", rec.Kind)
	}
	if rec.Tool != "echoscu" {
		t.Errorf("Tool = %q, want echoscu", rec.Tool)
	}
	if rec.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestFromStream_BlockTimeout(t *testing.T) {
	ev := stream.Event{
		Kind:  stream.KindBlockTimeout,
		Event: "FIND_RESPONSE",
		Lines: []string{"I: Find Response: 1 (Pending)"},
	}

	rec := FromStream("findscu", ev)

	if rec.Kind != "block_timeout" {
		t.Errorf("Kind = %q, want block_timeout", rec.Kind)
	}
	if len(rec.Lines) != 1 {
		t.Errorf("Lines count = %d, want 1", len(rec.Lines))
	}
}

func TestRecordChaining(t *testing.T) {
	rec := NewRecord("match", "STORING").
		WithTool("storescp").
		WithText("I: storing DICOM file").
		WithData("path", "/tmp/a.dcm").
		WithData("sopClass", "CT Image Storage")

	if rec.Tool != "storescp" {
		t.Errorf("Tool = %q", rec.Tool)
	}
	if rec.Text != "I: storing DICOM file" {
		t.Errorf("Text = %q", rec.Text)
	}
	if len(rec.Data) != 2 {
		t.Errorf("Data has %d keys, want 2", len(rec.Data))
	}
}

func TestRecordJSONLine(t *testing.T) {
	rec := NewRecord("state", EventDaemonStart).WithText("dcmwrap daemon started")

	line, err := rec.JSONLine()
	if err != nil {
		t.Fatalf("JSONLine failed: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("Output is not valid JSON: %v", err)
	}
	if got["event"] != "DAEMON_START" {
		t.Errorf("event = %v, want DAEMON_START", got["event"])
	}
	if got["kind"] != "state" {
		t.Errorf("kind = %v, want state", got["kind"])
	}
	if _, ok := got["error"]; ok {
		t.Error("Empty error field should be omitted")
	}
}
