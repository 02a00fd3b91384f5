package stream

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dcmwrap/internal/catalog"
)

// MaxPatterns caps the number of patterns one Engine accepts.
const MaxPatterns = 64

// EventKind distinguishes engine notifications.
type EventKind int

const (
	KindMatch        EventKind = iota // A pattern matched; Data carries the payload
	KindBlockTimeout                  // A block was abandoned; Lines carries its buffer
)

// Event is one notification from the engine.
type Event struct {
	Kind  EventKind
	Event string                 // Event name from the owning pattern
	Data  map[string]interface{} // Payload for match events, nil when the pattern has no processor
	Lines []string               // Buffered lines for blockTimeout events
}

// EmitFunc receives engine notifications. It is called synchronously from
// feed calls and from timer goroutines while the engine holds its internal
// lock, so implementations must not call back into the engine.
type EmitFunc func(Event)

// CapacityError reports a rejected pattern registration.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("pattern limit of %d reached", e.Limit)
}

// activeBlock is the transient state of an open multi-line block.
type activeBlock struct {
	pattern  *catalog.Pattern
	lines    []string // Buffered lines, header first
	openedAt time.Time
	timer    *time.Timer
	gen      uint64
}

// Engine evaluates an ordered pattern list against a process's output.
// One engine serves one spawned process and is disposed with it. Feeds
// arrive from stream pump goroutines and block timers fire on timer
// goroutines; a mutex serializes them onto one logical thread of control.
type Engine struct {
	mu       sync.Mutex
	patterns []*catalog.Pattern
	emit     EmitFunc
	splitter Splitter
	block    *activeBlock
	blockGen uint64 // Bumped per opened block so stale timers are ignored
	closed   bool
}

// NewEngine creates an empty engine delivering notifications to emit.
func NewEngine(emit EmitFunc) *Engine {
	return &Engine{emit: emit}
}

// NewForTool creates an engine preloaded with a tool's catalog.
func NewForTool(tool catalog.Tool, emit EmitFunc) (*Engine, error) {
	set := catalog.ForTool(tool)
	if set == nil {
		return nil, fmt.Errorf("no catalog for tool %q", tool)
	}
	e := NewEngine(emit)
	for _, p := range set.Patterns {
		if err := e.AddPattern(p); err != nil {
			return nil, fmt.Errorf("loading %s catalog: %w", tool, err)
		}
	}
	return e, nil
}

// AddPattern registers a pattern. Registration order is the match priority.
// Once MaxPatterns would be exceeded it fails with a CapacityError and
// leaves the engine unchanged.
func (e *Engine) AddPattern(p *catalog.Pattern) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p == nil || p.Re == nil {
		return errors.New("nil pattern")
	}
	if p.Block != nil && (p.Block.Header == nil || p.Block.Footer == nil) {
		return errors.New("block pattern without header/footer")
	}
	if len(e.patterns) >= MaxPatterns {
		return &CapacityError{Limit: MaxPatterns}
	}
	e.patterns = append(e.patterns, p)
	return nil
}

// PatternCount returns the number of registered patterns.
func (e *Engine) PatternCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.patterns)
}

// Feed ingests a raw chunk, splitting it into lines and carrying any
// incomplete trailing text to the next call. Synchronous: all resulting
// notifications fire before Feed returns.
func (e *Engine) Feed(chunk string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	for _, line := range e.splitter.Push(chunk) {
		e.dispatch(line)
	}
}

// FeedLines ingests pre-split lines. Callers that split per-stream (so
// partial lines from different streams never mix) use this instead of Feed.
func (e *Engine) FeedLines(lines []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	for _, line := range lines {
		e.dispatch(line)
	}
}

// Reset abandons any open block and clears buffering state. No
// notification fires; a footer-looking line fed later matches nothing.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.dropBlock()
	e.splitter.Reset()
}

// Close disposes the engine: any pending block timer is cancelled and no
// further notification will fire. Idempotent, safe with no active block.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	e.dropBlock()
	e.splitter.Reset()
}

// dispatch evaluates one complete line. Caller holds e.mu.
func (e *Engine) dispatch(line string) {
	if e.block != nil {
		e.appendToBlock(line)
		return
	}

	// A header match opens a block and takes precedence over any
	// single-line pattern for the same line.
	for _, p := range e.patterns {
		if p.Block != nil && p.Block.Header.MatchString(line) {
			e.openBlock(p, line)
			return
		}
	}

	for _, p := range e.patterns {
		if p.Block != nil {
			continue
		}
		if m := p.Re.FindStringSubmatch(line); m != nil {
			e.emit(matchEvent(p, m))
			return
		}
	}
}

// openBlock starts buffering for p with line as the header. Caller holds e.mu.
func (e *Engine) openBlock(p *catalog.Pattern, line string) {
	e.blockGen++
	b := &activeBlock{
		pattern:  p,
		lines:    []string{line},
		openedAt: time.Now(),
		gen:      e.blockGen,
	}
	e.block = b

	if p.Block.MaxLines <= len(b.lines) {
		e.block = nil
		e.emit(Event{Kind: KindBlockTimeout, Event: p.Event, Lines: b.lines})
		return
	}
	b.timer = time.AfterFunc(p.Block.Timeout, func() { e.expireBlock(b.gen) })
}

// appendToBlock buffers a line into the open block and closes it on a
// footer match or abandons it when the buffer fills. Caller holds e.mu.
func (e *Engine) appendToBlock(line string) {
	b := e.block
	b.lines = append(b.lines, line)

	if b.pattern.Block.Footer.MatchString(line) {
		e.dropBlock()
		full := strings.Join(b.lines, "\n")
		if m := b.pattern.Re.FindStringSubmatch(full); m != nil {
			e.emit(matchEvent(b.pattern, m))
		} else {
			// Footer arrived but the assembled text does not satisfy the
			// block regex. Surface the buffer instead of dropping it.
			e.emit(Event{Kind: KindBlockTimeout, Event: b.pattern.Event, Lines: b.lines})
		}
		return
	}

	if len(b.lines) >= b.pattern.Block.MaxLines {
		e.dropBlock()
		e.emit(Event{Kind: KindBlockTimeout, Event: b.pattern.Event, Lines: b.lines})
	}
}

// expireBlock fires from the block timer. The generation check ignores
// timers belonging to blocks already closed, reset, or disposed.
func (e *Engine) expireBlock(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.block == nil || e.block.gen != gen {
		return
	}
	b := e.block
	e.block = nil
	e.emit(Event{Kind: KindBlockTimeout, Event: b.pattern.Event, Lines: b.lines})
}

// dropBlock clears the active block and stops its timer. Caller holds e.mu.
func (e *Engine) dropBlock() {
	if e.block == nil {
		return
	}
	if e.block.timer != nil {
		e.block.timer.Stop()
	}
	e.block = nil
}

func matchEvent(p *catalog.Pattern, m []string) Event {
	ev := Event{Kind: KindMatch, Event: p.Event}
	if p.Process != nil {
		ev.Data = p.Process(m)
	}
	return ev
}
