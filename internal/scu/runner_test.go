package scu

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dcmwrap/internal/catalog"
	"dcmwrap/internal/events"
	"dcmwrap/internal/spawn"
)

// fakeProcess is a scripted child: tests feed its output and decide its
// exit code.
type fakeProcess struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	done    chan struct{}

	holdPipes bool // Kill leaves the write ends open

	mu       sync.Mutex
	code     int
	exitOnce sync.Once
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{done: make(chan struct{}), code: -1}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) PID() int                   { return 4243 }
func (p *fakeProcess) Stdout() io.Reader          { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader          { return p.stderrR }
func (p *fakeProcess) Signal(sig os.Signal) error { return nil }
func (p *fakeProcess) Done() <-chan struct{}      { return p.done }
func (p *fakeProcess) ExitErr() error             { return nil }

func (p *fakeProcess) Kill() error {
	if p.holdPipes {
		// The exit is reaped but a leftover child keeps the streams
		// from reaching EOF.
		p.exitOnce.Do(func() {
			p.mu.Lock()
			p.code = -1
			p.mu.Unlock()
			close(p.done)
		})
		return nil
	}
	p.exit(-1)
	return nil
}

func (p *fakeProcess) CloseOutputs() error {
	p.stdoutR.Close()
	return p.stderrR.Close()
}

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) writeLine(t *testing.T, line string) {
	t.Helper()
	if _, err := p.stdoutW.Write([]byte(line + "\n")); err != nil {
		t.Logf("writeLine after close: %v", err)
	}
}

type fakeSpawner struct {
	mu   sync.Mutex
	proc *fakeProcess
	cmds []spawn.Command
}

func (f *fakeSpawner) Spawn(ctx context.Context, cmd spawn.Command) (spawn.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return f.proc, nil
}

// recordingSink collects every record it is sent.
type recordingSink struct {
	mu      sync.Mutex
	records []*events.Record
}

func (s *recordingSink) Send(ctx context.Context, rec *events.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) byEvent(name string) []*events.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*events.Record
	for _, rec := range s.records {
		if rec.Event == name {
			out = append(out, rec)
		}
	}
	return out
}

// fakeBinDir writes a placeholder binary so resolution succeeds.
func fakeBinDir(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	script := "#!/bin/sh\nexit 0\n"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testOptions(t *testing.T, tool catalog.Tool, spawner spawn.Spawner) Options {
	t.Helper()
	return Options{
		Tool:    tool,
		Host:    "pacs.local",
		Port:    104,
		Called:  "PACS",
		Calling: "DCMWRAP",
		BinDir:  fakeBinDir(t, tool.String()),
		Spawner: spawner,
	}
}

func TestRunValidatesOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"listener tool", func(o *Options) { o.Tool = catalog.StoreSCP }},
		{"missing host", func(o *Options) { o.Host = "" }},
		{"bad port", func(o *Options) { o.Port = 0 }},
		{"port too large", func(o *Options) { o.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(t, catalog.EchoSCU, &fakeSpawner{proc: newFakeProcess()})
			tt.mutate(&opts)
			if _, err := Run(context.Background(), opts); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRunSendRequiresFiles(t *testing.T) {
	opts := testOptions(t, catalog.StoreSCU, &fakeSpawner{proc: newFakeProcess()})
	opts.Files = nil

	if _, err := Run(context.Background(), opts); err == nil {
		t.Error("expected send without files to be rejected")
	}
}

func TestArgsEcho(t *testing.T) {
	opts := Options{
		Tool:    catalog.EchoSCU,
		Host:    "pacs.local",
		Port:    104,
		Called:  "PACS",
		Calling: "DCMWRAP",
		Timeout: 30,
	}

	got := strings.Join(Args(opts), " ")
	want := "-v -d -aet DCMWRAP -aec PACS -to 30 pacs.local 104"
	if got != want {
		t.Errorf("Args = %q, want %q", got, want)
	}
}

func TestArgsEchoDefaults(t *testing.T) {
	opts := Options{Tool: catalog.EchoSCU, Host: "pacs.local", Port: 104}

	got := strings.Join(Args(opts), " ")
	if got != "-v -d pacs.local 104" {
		t.Errorf("Args = %q, want minimal argv", got)
	}
}

func TestArgsSend(t *testing.T) {
	opts := Options{
		Tool:  catalog.StoreSCU,
		Host:  "pacs.local",
		Port:  104,
		Files: []string{"a.dcm", "b.dcm"},
	}

	got := Args(opts)
	if got[len(got)-2] != "a.dcm" || got[len(got)-1] != "b.dcm" {
		t.Errorf("files not appended last: %v", got)
	}
}

func TestArgsFind(t *testing.T) {
	opts := Options{
		Tool:  catalog.FindSCU,
		Host:  "pacs.local",
		Port:  104,
		Level: "series",
		Keys:  []string{"0010,0010=DOE*", "0020,000D=1.2.3"},
	}

	got := strings.Join(Args(opts), " ")
	for _, want := range []string{
		" -S ",
		"-k QueryRetrieveLevel=SERIES",
		"-k 0010,0010=DOE*",
		"-k 0020,000D=1.2.3",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Args %q missing %q", got, want)
		}
	}
}

func TestArgsFindPatientLevel(t *testing.T) {
	opts := Options{Tool: catalog.FindSCU, Host: "h", Port: 104, Level: "PATIENT"}

	got := strings.Join(Args(opts), " ")
	if !strings.Contains(got, " -P ") {
		t.Errorf("Args %q should select the patient-root model", got)
	}
	if strings.Contains(got, " -S ") {
		t.Errorf("Args %q should not select the study-root model", got)
	}
}

func TestArgsMove(t *testing.T) {
	opts := Options{
		Tool: catalog.MoveSCU,
		Host: "pacs.local",
		Port: 104,
		Dest: "WORKSTATION",
		Keys: []string{"0020,000D=1.2.3"},
	}

	got := strings.Join(Args(opts), " ")
	if !strings.Contains(got, "-aem WORKSTATION") {
		t.Errorf("Args %q missing move destination", got)
	}
	if !strings.Contains(got, "-k QueryRetrieveLevel=STUDY") {
		t.Errorf("Args %q missing default level", got)
	}
}

func TestRunEchoSucceeds(t *testing.T) {
	proc := newFakeProcess()
	spawner := &fakeSpawner{proc: proc}

	go func() {
		for _, line := range []string{
			"I: Requesting Association",
			"I: Association Accepted (Max Send PDV: 16372)",
			"I: Sending Echo Request (MsgID 1)",
			"I: Received Echo Response (Success)",
			"I: Releasing Association",
		} {
			proc.writeLine(t, line)
		}
		proc.exit(0)
	}()

	result, err := Run(context.Background(), testOptions(t, catalog.EchoSCU, spawner))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if !result.Seen("ECHO_SUCCEEDED") {
		t.Error("ECHO_SUCCEEDED event missing")
	}
	if !result.Seen("ASSOC_RELEASED") {
		t.Error("ASSOC_RELEASED event missing")
	}
	if len(result.Lines) != 5 {
		t.Errorf("captured %d lines, want 5", len(result.Lines))
	}

	acc := result.Matches("ASSOC_ACCEPTED")
	if len(acc) != 1 || acc[0].Data["maxSendPDV"] != 16372 {
		t.Errorf("ASSOC_ACCEPTED payload = %+v", acc)
	}
}

func TestRunPassesArgs(t *testing.T) {
	proc := newFakeProcess()
	spawner := &fakeSpawner{proc: proc}
	go proc.exit(0)

	if _, err := Run(context.Background(), testOptions(t, catalog.EchoSCU, spawner)); err != nil {
		t.Fatal(err)
	}

	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	if len(spawner.cmds) != 1 {
		t.Fatalf("spawn count = %d, want 1", len(spawner.cmds))
	}
	joined := strings.Join(spawner.cmds[0].Args, " ")
	if !strings.Contains(joined, "-aec PACS") || !strings.Contains(joined, "pacs.local 104") {
		t.Errorf("argv missing peer settings: %q", joined)
	}
}

func TestRunFatalEvent(t *testing.T) {
	proc := newFakeProcess()
	spawner := &fakeSpawner{proc: proc}

	go func() {
		proc.writeLine(t, "I: Requesting Association")
		proc.writeLine(t, "E: Association Rejected: Calling AE Title Not Recognized")
		proc.exit(1)
	}()

	result, err := Run(context.Background(), testOptions(t, catalog.EchoSCU, spawner))
	var fe *FatalEventError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FatalEventError, got %T: %v", err, err)
	}
	if fe.Event != "ASSOC_REJECTED" {
		t.Errorf("fatal event = %q, want ASSOC_REJECTED", fe.Event)
	}
	if result == nil {
		t.Fatal("result should accompany the error")
	}

	rej := result.Matches("ASSOC_REJECTED")
	if len(rej) != 1 {
		t.Fatalf("ASSOC_REJECTED matches = %d, want 1", len(rej))
	}
	if rej[0].Data["reason"] != "Calling AE Title Not Recognized" {
		t.Errorf("reason = %v", rej[0].Data["reason"])
	}
}

func TestRunNonzeroExit(t *testing.T) {
	proc := newFakeProcess()
	spawner := &fakeSpawner{proc: proc}

	go func() {
		proc.writeLine(t, "E: unrecognized option")
		proc.exit(2)
	}()

	result, err := Run(context.Background(), testOptions(t, catalog.EchoSCU, spawner))
	var xe *ExitError
	if !errors.As(err, &xe) {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	if xe.Code != 2 {
		t.Errorf("exit code = %d, want 2", xe.Code)
	}
	if result.ExitCode != 2 {
		t.Errorf("result exit code = %d, want 2", result.ExitCode)
	}
}

func TestRunContextCancelled(t *testing.T) {
	proc := newFakeProcess() // Never exits on its own
	spawner := &fakeSpawner{proc: proc}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, testOptions(t, catalog.EchoSCU, spawner))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	select {
	case <-proc.Done():
	default:
		t.Error("child should have been killed")
	}
}

// TestRunCancelWithPipeHoldingChild cancels a run whose tool leaves a
// forked child holding the output pipes. The pump drain is bounded, so
// Run still returns.
func TestRunCancelWithPipeHoldingChild(t *testing.T) {
	oldDrain := pumpDrain
	pumpDrain = 100 * time.Millisecond
	defer func() { pumpDrain = oldDrain }()

	proc := newFakeProcess()
	proc.holdPipes = true
	spawner := &fakeSpawner{proc: proc}
	opts := testOptions(t, catalog.EchoSCU, spawner)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	errc := make(chan error, 1)
	go func() {
		_, err := Run(ctx, opts)
		errc <- err
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned; pumps still waiting on the held pipes")
	}
}

func TestRunForwardsToSink(t *testing.T) {
	proc := newFakeProcess()
	spawner := &fakeSpawner{proc: proc}
	sink := &recordingSink{}

	go func() {
		proc.writeLine(t, "I: Requesting Association")
		proc.writeLine(t, "I: Received Echo Response (Success)")
		proc.exit(0)
	}()

	opts := testOptions(t, catalog.EchoSCU, spawner)
	opts.Sink = sink
	if _, err := Run(context.Background(), opts); err != nil {
		t.Fatal(err)
	}

	lines := sink.byEvent("LINE")
	if len(lines) != 2 {
		t.Errorf("LINE records = %d, want 2", len(lines))
	}
	if len(lines) > 0 && lines[0].Tool != "echoscu" {
		t.Errorf("tool = %q, want echoscu", lines[0].Tool)
	}

	succ := sink.byEvent("ECHO_SUCCEEDED")
	if len(succ) != 1 {
		t.Fatalf("ECHO_SUCCEEDED records = %d, want 1", len(succ))
	}
	if succ[0].Kind != "match" {
		t.Errorf("kind = %q, want match", succ[0].Kind)
	}
}

func TestRunFindResponses(t *testing.T) {
	proc := newFakeProcess()
	spawner := &fakeSpawner{proc: proc}

	go func() {
		for _, line := range []string{
			"I: Requesting Association",
			"I: Association Accepted (Max Send PDV: 16372)",
			"I: Find Response: 1 (Pending)",
			"I: # Dicom-Data-Set",
			"I: # Used TransferSyntax: Little Endian Explicit",
			"I: (0008,0052) CS [STUDY]                    #   6, 1 QueryRetrieveLevel",
			"I: (0010,0010) PN [DOE^JOHN]                 #   8, 1 PatientName",
			"I: (0010,0020) LO [12345]                    #   6, 1 PatientID",
			"I: (0020,000d) UI [1.2.840.113619.2.1.1]     #  20, 1 StudyInstanceUID",
			"I:",
			"I: Find Response: 2 (Pending)",
			"I: # Dicom-Data-Set",
			"I: (0010,0010) PN [ROE^JANE]                 #   8, 1 PatientName",
			"I:",
			"I: Received Final Find Response (Success)",
			"I: Releasing Association",
		} {
			proc.writeLine(t, line)
		}
		proc.exit(0)
	}()

	opts := testOptions(t, catalog.FindSCU, spawner)
	opts.Keys = []string{"0010,0010=DOE*"}
	result, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := len(result.Matches("FIND_RESPONSE")); got != 2 {
		t.Errorf("FIND_RESPONSE matches = %d, want 2", got)
	}
	ids := result.Matches("IDENTIFIERS")
	if len(ids) != 2 {
		t.Fatalf("IDENTIFIERS matches = %d, want 2", len(ids))
	}
	if ids[0].Data["patientName"] != "DOE^JOHN" {
		t.Errorf("patientName = %v, want DOE^JOHN", ids[0].Data["patientName"])
	}
	if ids[0].Data["studyUID"] != "1.2.840.113619.2.1.1" {
		t.Errorf("studyUID = %v", ids[0].Data["studyUID"])
	}
	if ids[1].Data["patientName"] != "ROE^JANE" {
		t.Errorf("second patientName = %v, want ROE^JANE", ids[1].Data["patientName"])
	}
	if !result.Seen("FIND_COMPLETE") {
		t.Error("FIND_COMPLETE event missing")
	}
}

func TestRunMoveSubOps(t *testing.T) {
	proc := newFakeProcess()
	spawner := &fakeSpawner{proc: proc}

	go func() {
		for _, line := range []string{
			"I: Requesting Association",
			"I: Move Response: 1 (Pending)",
			"I: Sub-Operations Remaining: 2, Completed: 1, Failed: 0, Warning: 0",
			"I: Sub-Operations Remaining: 0, Completed: 3, Failed: 0, Warning: 0",
			"I: Received Final Move Response (Success)",
			"I: Releasing Association",
		} {
			proc.writeLine(t, line)
		}
		proc.exit(0)
	}()

	opts := testOptions(t, catalog.MoveSCU, spawner)
	opts.Dest = "DCMWRAP"
	result, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	subOps := result.Matches("SUB_OPS")
	if len(subOps) != 2 {
		t.Fatalf("SUB_OPS matches = %d, want 2", len(subOps))
	}
	last := subOps[len(subOps)-1]
	if last.Data["completed"] != 3 || last.Data["remaining"] != 0 {
		t.Errorf("final sub-ops = %+v", last.Data)
	}
	if !result.Seen("MOVE_COMPLETE") {
		t.Error("MOVE_COMPLETE event missing")
	}
}

// TestRunRealProcess drives a real child through a full run using a shell
// script in place of echoscu.
func TestRunRealProcess(t *testing.T) {
	dir := t.TempDir()
	script := "#!/bin/sh\n" +
		"echo 'I: Requesting Association'\n" +
		"echo 'I: Received Echo Response (Success)'\n" +
		"echo 'I: Releasing Association'\n"
	if err := os.WriteFile(filepath.Join(dir, "echoscu"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	result, err := Run(context.Background(), Options{
		Tool:   catalog.EchoSCU,
		Host:   "localhost",
		Port:   11112,
		BinDir: dir,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Seen("ECHO_SUCCEEDED") {
		t.Error("ECHO_SUCCEEDED event missing")
	}
	if result.Duration <= 0 {
		t.Error("duration not recorded")
	}
}
