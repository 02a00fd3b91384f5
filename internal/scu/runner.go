// Package scu runs the one-shot DICOM client tools (echoscu, storescu,
// findscu, movescu) and reports their output as typed events.
package scu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"dcmwrap/internal/catalog"
	"dcmwrap/internal/events"
	"dcmwrap/internal/spawn"
	"dcmwrap/internal/stream"
	"dcmwrap/internal/util"
)

// Options configures a single client run.
type Options struct {
	Tool    catalog.Tool // StoreSCU, EchoSCU, FindSCU or MoveSCU
	Host    string       // Peer hostname
	Port    int          // Peer port
	Called  string       // Peer (called) AE title, "" = tool default
	Calling string       // Our (calling) AE title, "" = tool default
	Timeout int          // Connection timeout in seconds, 0 = tool default
	Level   string       // Query/retrieve level for find and move
	Keys    []string     // Matching keys for find and move, attribute=value
	Dest    string       // Move destination AE title, "" = tool default
	Files   []string     // Files to transmit for send

	BinDir  string        // Explicit toolkit directory; "" = search PATH
	PTY     bool          // Run the tool under a pseudo-terminal
	Spawner spawn.Spawner // nil = exec or pty according to PTY
	Sink    events.Sink   // nil = events only collected in the Result
}

// Result reports a completed run. Events holds every engine notification
// in arrival order; Lines holds the raw output.
type Result struct {
	Tool     catalog.Tool
	ExitCode int
	Duration time.Duration
	Events   []stream.Event
	Lines    []string
}

// Matches returns the match events with the given name.
func (r *Result) Matches(name string) []stream.Event {
	var out []stream.Event
	for _, ev := range r.Events {
		if ev.Kind == stream.KindMatch && ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

// Seen reports whether a match event with the given name occurred.
func (r *Result) Seen(name string) bool {
	return len(r.Matches(name)) > 0
}

// FatalEventError reports that the tool logged an event classified as
// fatal for the run.
type FatalEventError struct {
	Tool  catalog.Tool
	Event string
}

func (e *FatalEventError) Error() string {
	return fmt.Sprintf("%s reported fatal event %s", e.Tool, e.Event)
}

// ExitError reports a nonzero exit with no fatal event to explain it.
type ExitError struct {
	Tool catalog.Tool
	Code int   // Exit code, -1 when terminated by a signal
	Err  error // The underlying wait error, if any
}

func (e *ExitError) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("%s exited with code %d", e.Tool, e.Code)
	}
	return fmt.Sprintf("%s was killed by a signal", e.Tool)
}

func (e *ExitError) Unwrap() error { return e.Err }

// pumpDrain bounds the wait for the output pumps once the tool is gone.
// A helper process forked by the tool can inherit the pipe write ends
// and hold them open past its exit.
var pumpDrain = 5 * time.Second

// Run resolves the tool, spawns it, and pumps its output through the
// tool's pattern catalog until it exits. The Result is valid whenever it
// is non-nil, including alongside a FatalEventError or ExitError.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if !opts.Tool.Valid() || opts.Tool == catalog.StoreSCP {
		return nil, fmt.Errorf("%s is not a client tool", opts.Tool)
	}
	if opts.Host == "" {
		return nil, errors.New("peer host is required")
	}
	if opts.Port < 1 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid peer port %d", opts.Port)
	}
	if opts.Tool == catalog.StoreSCU && len(opts.Files) == 0 {
		return nil, errors.New("no files to send")
	}

	resolver := &spawn.Resolver{Dir: opts.BinDir}
	path, err := resolver.Resolve(opts.Tool)
	if err != nil {
		return nil, err
	}

	spawner := opts.Spawner
	if spawner == nil {
		if opts.PTY {
			spawner = &spawn.PTYSpawner{}
		} else {
			spawner = &spawn.ExecSpawner{}
		}
	}

	r := &run{
		ctx:    ctx,
		tool:   opts.Tool,
		set:    catalog.ForTool(opts.Tool),
		sink:   opts.Sink,
		result: &Result{Tool: opts.Tool},
	}
	engine, err := stream.NewForTool(opts.Tool, r.collect)
	if err != nil {
		return nil, err
	}
	r.engine = engine
	defer engine.Close()

	start := time.Now()
	proc, err := spawner.Spawn(ctx, spawn.Command{Path: path, Args: Args(opts)})
	if err != nil {
		return nil, err
	}

	r.pumps.Add(2)
	go r.pump("stdout", proc.Stdout())
	go r.pump("stderr", proc.Stderr())

	select {
	case <-proc.Done():
	case <-ctx.Done():
		_ = proc.Kill()
		<-proc.Done()
		r.drainPumps(proc)
		r.result.ExitCode = proc.ExitCode()
		r.result.Duration = time.Since(start)
		return r.result, ctx.Err()
	}

	r.drainPumps(proc)
	engine.Close()

	r.result.ExitCode = proc.ExitCode()
	r.result.Duration = time.Since(start)

	if r.fatalEvent != "" {
		return r.result, &FatalEventError{Tool: opts.Tool, Event: r.fatalEvent}
	}
	if r.result.ExitCode != 0 {
		return r.result, &ExitError{Tool: opts.Tool, Code: r.result.ExitCode, Err: proc.ExitErr()}
	}
	return r.result, nil
}

// Args builds the tool command line. Verbose and debug output stay on
// unconditionally: the event patterns depend on it.
func Args(opts Options) []string {
	args := []string{"-v", "-d"}
	if opts.Calling != "" {
		args = append(args, "-aet", opts.Calling)
	}
	if opts.Called != "" {
		args = append(args, "-aec", opts.Called)
	}
	if opts.Timeout > 0 {
		args = append(args, "-to", strconv.Itoa(opts.Timeout))
	}

	switch opts.Tool {
	case catalog.FindSCU, catalog.MoveSCU:
		level := strings.ToUpper(opts.Level)
		if level == "" {
			level = "STUDY"
		}
		// The patient-root information model is the only one that takes
		// PATIENT-level queries; everything else goes study-root.
		if level == "PATIENT" {
			args = append(args, "-P")
		} else {
			args = append(args, "-S")
		}
		args = append(args, "-k", "QueryRetrieveLevel="+level)
		for _, key := range opts.Keys {
			args = append(args, "-k", key)
		}
	}
	if opts.Tool == catalog.MoveSCU && opts.Dest != "" {
		args = append(args, "-aem", opts.Dest)
	}

	args = append(args, opts.Host, strconv.Itoa(opts.Port))
	if opts.Tool == catalog.StoreSCU {
		args = append(args, opts.Files...)
	}
	return args
}

// run is the transient state of one Run call.
type run struct {
	ctx    context.Context
	tool   catalog.Tool
	set    *catalog.Set
	engine *stream.Engine
	sink   events.Sink

	mu         sync.Mutex
	result     *Result
	fatalEvent string

	pumps sync.WaitGroup
}

// pump reads one output stream to EOF. Each stream keeps its own
// splitter so partial lines never mix across streams.
func (r *run) pump(source string, rd io.Reader) {
	defer r.pumps.Done()

	bufp := util.GetBuffer()
	defer util.PutBuffer(bufp)
	buf := *bufp

	var split stream.Splitter
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			r.addLines(source, split.Push(string(buf[:n])))
		}
		if err != nil {
			if rest, ok := split.Flush(); ok {
				r.addLines(source, []string{rest})
			}
			return
		}
	}
}

// drainPumps waits for the output pumps to reach EOF, closing the
// parent pipe ends if something the tool left behind keeps them open
// past the window.
func (r *run) drainPumps(proc spawn.Process) {
	drained := make(chan struct{})
	go func() {
		r.pumps.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(pumpDrain):
		_ = proc.CloseOutputs()
		<-drained
	}
}

func (r *run) addLines(source string, lines []string) {
	if len(lines) == 0 {
		return
	}
	r.mu.Lock()
	r.result.Lines = append(r.result.Lines, lines...)
	r.mu.Unlock()

	if r.sink != nil {
		for _, line := range lines {
			rec := events.NewRecord("line", "LINE").WithTool(r.tool.String()).WithText(line)
			rec.Source = source
			_ = r.sink.Send(r.ctx, rec)
		}
	}
	r.engine.FeedLines(lines)
}

// collect receives engine notifications. It runs under the engine's
// lock, so it must not call back into the engine.
func (r *run) collect(ev stream.Event) {
	r.mu.Lock()
	r.result.Events = append(r.result.Events, ev)
	if ev.Kind == stream.KindMatch && r.fatalEvent == "" && r.set.FatalEvent(ev.Event) {
		r.fatalEvent = ev.Event
	}
	r.mu.Unlock()

	if r.sink != nil {
		_ = r.sink.Send(r.ctx, events.FromStream(r.tool.String(), ev))
	}
}
