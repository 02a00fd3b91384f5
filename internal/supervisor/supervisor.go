// Package supervisor owns one long-running listener process and turns
// its output into typed events.
//
// A Supervisor is single-use: create it, start it once, consume its
// event channel, stop it. Once the terminal state is reached the event
// channel is closed and the Supervisor cannot be restarted.
package supervisor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"dcmwrap/internal/catalog"
	"dcmwrap/internal/config"
	"dcmwrap/internal/spawn"
	"dcmwrap/internal/stream"
	"dcmwrap/internal/util"
)

// State describes where the listener is in its lifecycle.
type State int

const (
	StateCreated   State = iota // Built but nothing spawned yet
	StateStarting               // Child spawned, waiting for the ready event
	StateListening              // Ready event seen, accepting associations
	StateStopping               // Shutdown in progress
	StateStopped                // Terminal: deliberate shutdown completed
	StateFailed                 // Terminal: fatal event, unexpected exit, or start failure
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// eventBuffer is the event channel capacity. A consumer that falls this
// far behind loses events rather than stalling the output pumps; Dropped
// reports how many were lost.
const eventBuffer = 512

// Options configures a Supervisor.
type Options struct {
	Listener config.ListenerConfig
	BinDir   string        // Explicit toolkit directory; "" = search PATH
	Spawner  spawn.Spawner // nil = exec or pty according to Listener.PTY
}

// Supervisor runs one storescp listener, reports its output and
// lifecycle as events, and puts the child down when asked.
type Supervisor struct {
	id      string
	cfg     config.ListenerConfig
	set     *catalog.Set
	spawner spawn.Spawner
	path    string

	engine *stream.Engine
	events chan Event

	mu           sync.Mutex
	state        State
	proc         spawn.Process
	stopErr      error
	started      time.Time
	eventsClosed bool

	ready     chan struct{}
	readyOnce sync.Once
	fatal     chan *FatalEventError
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	pumps   sync.WaitGroup
	dropped uint64
}

// New validates the listener options and resolves the listener binary.
// Nothing is spawned until Start.
func New(opts Options) (*Supervisor, error) {
	if err := opts.Listener.Validate(); err != nil {
		return nil, err
	}

	resolver := &spawn.Resolver{Dir: opts.BinDir}
	path, err := resolver.Resolve(catalog.StoreSCP)
	if err != nil {
		return nil, err
	}

	spawner := opts.Spawner
	if spawner == nil {
		if opts.Listener.PTY {
			spawner = &spawn.PTYSpawner{}
		} else {
			spawner = &spawn.ExecSpawner{}
		}
	}

	s := &Supervisor{
		id:      uuid.NewString(),
		cfg:     opts.Listener,
		set:     catalog.ForTool(catalog.StoreSCP),
		spawner: spawner,
		path:    path,
		events:  make(chan Event, eventBuffer),
		ready:   make(chan struct{}),
		fatal:   make(chan *FatalEventError, 4),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	engine, err := stream.NewForTool(catalog.StoreSCP, s.onEngine)
	if err != nil {
		return nil, err
	}
	s.engine = engine

	return s, nil
}

// ID returns the supervisor's unique identifier.
func (s *Supervisor) ID() string { return s.id }

// BinaryPath returns the resolved listener executable.
func (s *Supervisor) BinaryPath() string { return s.path }

// Events returns the event channel. It is closed once the supervisor
// reaches a terminal state and everything pending has been delivered.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Done is closed once the supervisor reaches a terminal state.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error. Valid once Done is closed; nil after
// a deliberate stop.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopErr
}

// PID returns the child's process id, or 0 before the spawn.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// Stats samples resource usage of the running child.
func (s *Supervisor) Stats() (*spawn.ProcStats, error) {
	return spawn.Stats(s.PID())
}

// Uptime reports how long the child has been running, 0 before Start.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// Dropped returns how many events were lost to a slow consumer.
func (s *Supervisor) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Start spawns the listener and waits until it reports readiness, fails,
// or the start window expires. On success the supervisor is listening
// and keeps watching the child in the background.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()
	s.emitState(StateStarting)

	proc, err := s.spawner.Spawn(ctx, spawn.Command{Path: s.path, Args: s.cfg.Args()})
	if err != nil {
		if ctx.Err() != nil {
			s.finish(StateStopped, ctx.Err())
			return ctx.Err()
		}
		s.emit(Event{Kind: KindError, Err: err, Fatal: true, Time: time.Now()})
		s.finish(StateFailed, err)
		return err
	}

	// The stop check and the publication share one critical section: a
	// concurrent Stop either sees the child here or has already moved
	// the state on, in which case the child is ours to put down.
	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		_ = proc.Kill()
		<-proc.Done()
		s.finish(StateStopped, nil)
		return ErrStopped
	}
	s.proc = proc
	s.started = time.Now()
	s.mu.Unlock()

	s.pumps.Add(2)
	go s.pump("stdout", proc.Stdout())
	go s.pump("stderr", proc.Stderr())

	timer := time.NewTimer(s.cfg.StartTimeout())
	defer timer.Stop()

	select {
	case <-s.ready:
		s.mu.Lock()
		if s.state != StateStarting {
			s.mu.Unlock()
			<-s.done
			return ErrStopped
		}
		s.state = StateListening
		s.mu.Unlock()
		s.emitState(StateListening)
		go s.watch(proc)
		return nil

	case fe := <-s.fatal:
		s.terminate(proc)
		s.finish(StateFailed, fe)
		return fe

	case <-proc.Done():
		s.mu.Lock()
		if s.state != StateStarting {
			// A concurrent Stop owns the child's exit.
			s.mu.Unlock()
			<-s.done
			return ErrStopped
		}
		s.mu.Unlock()
		exitErr := &ExitError{Code: proc.ExitCode(), Err: proc.ExitErr()}
		s.emit(Event{Kind: KindError, Err: exitErr, Fatal: true, Time: time.Now()})
		s.finish(StateFailed, exitErr)
		return exitErr

	case <-timer.C:
		toErr := &StartTimeoutError{Timeout: s.cfg.StartTimeout()}
		s.emit(Event{Kind: KindError, Err: toErr, Fatal: true, Time: time.Now()})
		s.terminate(proc)
		s.finish(StateFailed, toErr)
		return toErr

	case <-ctx.Done():
		s.terminate(proc)
		s.finish(StateStopped, ctx.Err())
		return ctx.Err()

	case <-s.closing:
		// A concurrent Stop owns termination from here.
		<-s.done
		return ErrStopped
	}
}

// Stop shuts the listener down: SIGTERM first, then a kill once the
// drain window expires. Safe to call in any state; once the supervisor
// is terminal it is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	switch s.state {
	case StateStopped, StateFailed:
		s.mu.Unlock()
		return nil
	case StateStopping:
		s.mu.Unlock()
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateCreated:
		s.state = StateStopping
		s.mu.Unlock()
		s.signalClosing()
		s.finish(StateStopped, nil)
		return nil
	default: // StateStarting, StateListening
		s.state = StateStopping
		s.mu.Unlock()
	}

	s.signalClosing()
	s.emitState(StateStopping)

	if proc == nil {
		// Stop raced a Start that had not finished spawning. Start
		// finds the stopping state when it goes to publish the child
		// and puts it down; wait out that handoff.
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_ = proc.Signal(syscall.SIGTERM)

	drain := time.NewTimer(s.cfg.DrainTimeout())
	defer drain.Stop()

	select {
	case <-proc.Done():
	case <-drain.C:
		_ = proc.Kill()
		<-proc.Done()
	case <-ctx.Done():
		_ = proc.Kill()
		<-proc.Done()
		s.finish(StateStopped, nil)
		return ctx.Err()
	}

	s.finish(StateStopped, nil)
	return nil
}

// watch handles the child's fate after a successful start: a fatal
// event or an unexpected exit fails the supervisor, a Stop in progress
// takes over cleanly.
func (s *Supervisor) watch(proc spawn.Process) {
	select {
	case fe := <-s.fatal:
		s.mu.Lock()
		if s.state != StateListening {
			s.mu.Unlock()
			return
		}
		s.state = StateStopping
		s.mu.Unlock()
		s.emitState(StateStopping)
		s.terminate(proc)
		s.finish(StateFailed, fe)

	case <-proc.Done():
		s.mu.Lock()
		if s.state != StateListening {
			s.mu.Unlock()
			return
		}
		s.state = StateStopping
		s.mu.Unlock()
		exitErr := &ExitError{Code: proc.ExitCode(), Err: proc.ExitErr()}
		s.emit(Event{Kind: KindError, Err: exitErr, Fatal: true, Time: time.Now()})
		s.finish(StateFailed, exitErr)

	case <-s.closing:
	}
}

// pump reads one output stream to EOF, emitting each completed line and
// feeding it to the pattern engine. Each stream keeps its own splitter
// so partial lines never mix across streams.
func (s *Supervisor) pump(source string, r io.Reader) {
	defer s.pumps.Done()

	bufp := util.GetBuffer()
	defer util.PutBuffer(bufp)
	buf := *bufp

	var split stream.Splitter
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines := split.Push(string(buf[:n]))
			for _, line := range lines {
				s.emit(Event{Kind: KindLine, Source: source, Text: line, Time: time.Now()})
			}
			if len(lines) > 0 {
				s.engine.FeedLines(lines)
			}
		}
		if err != nil {
			if rest, ok := split.Flush(); ok {
				s.emit(Event{Kind: KindLine, Source: source, Text: rest, Time: time.Now()})
				s.engine.FeedLines([]string{rest})
			}
			return
		}
	}
}

// onEngine receives pattern engine notifications. It runs under the
// engine's lock, so it only does non-blocking work.
func (s *Supervisor) onEngine(ev stream.Event) {
	now := time.Now()
	switch ev.Kind {
	case stream.KindMatch:
		s.emit(Event{Kind: KindMatch, Event: ev.Event, Data: ev.Data, Time: now})
		if ev.Event == s.set.Ready {
			s.readyOnce.Do(func() { close(s.ready) })
		}
		if s.set.FatalEvent(ev.Event) {
			fe := &FatalEventError{Event: ev.Event}
			s.emit(Event{Kind: KindError, Err: fe, Fatal: true, Time: now})
			select {
			case s.fatal <- fe:
			default:
			}
		}
	case stream.KindBlockTimeout:
		s.emit(Event{Kind: KindBlockTimeout, Event: ev.Event, Lines: ev.Lines, Time: now})
	}
}

// terminate politely stops the child, escalating to a kill after the
// drain window.
func (s *Supervisor) terminate(proc spawn.Process) {
	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-proc.Done():
	case <-time.After(s.cfg.DrainTimeout()):
		_ = proc.Kill()
		<-proc.Done()
	}
}

// finish records the terminal state exactly once: it drains the pumps,
// disposes the engine, and closes the event channel.
func (s *Supervisor) finish(st State, err error) {
	s.doneOnce.Do(func() {
		s.waitPumps()
		s.engine.Close()

		s.mu.Lock()
		s.state = st
		s.stopErr = err
		s.mu.Unlock()

		s.emitState(st)

		// The flag and the close are ordered under the same lock emit
		// takes, so no send can land on the closed channel.
		s.mu.Lock()
		s.eventsClosed = true
		s.mu.Unlock()
		close(s.events)
		close(s.done)
	})
}

// waitPumps waits for the output pumps to reach EOF. A descendant of
// the child can inherit the pipe write ends and outlive it, so after
// the drain window the parent ends are closed and the pumps come back
// regardless.
func (s *Supervisor) waitPumps() {
	drained := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return
	case <-time.After(s.cfg.DrainTimeout()):
	}

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		_ = proc.CloseOutputs()
	}
	<-drained
}

func (s *Supervisor) signalClosing() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Supervisor) emitState(st State) {
	s.emit(Event{Kind: KindState, Text: st.String(), Time: time.Now()})
}

// emit delivers an event without ever blocking a pump or timer
// goroutine. Events racing the terminal channel close are dropped.
func (s *Supervisor) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}
