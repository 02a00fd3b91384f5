package events

import (
	"context"
	"fmt"
	"strings"
)

// Multi fans one record out to several sinks.
type Multi struct {
	primary   Sink
	secondary []Sink
}

// NewMulti creates a sink that delivers to multiple destinations.
// The primary sink is required; secondary sinks are optional.
func NewMulti(primary Sink, secondary ...Sink) *Multi {
	return &Multi{
		primary:   primary,
		secondary: secondary,
	}
}

// Name returns the combined sink names.
func (m *Multi) Name() string {
	names := []string{m.primary.Name()}
	for _, s := range m.secondary {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

// Send delivers the record to all sinks. Secondary sink errors don't
// fail the operation.
func (m *Multi) Send(ctx context.Context, rec *Record) error {
	if err := m.primary.Send(ctx, rec); err != nil {
		return fmt.Errorf("primary sink (%s) failed: %w", m.primary.Name(), err)
	}

	for _, sink := range m.secondary {
		if err := sink.Send(ctx, rec); err != nil {
			// Best effort; the journal already has the record.
			_ = err
		}
	}

	return nil
}

// Primary returns the primary sink.
func (m *Multi) Primary() Sink {
	return m.primary
}

// Close closes all sinks that hold resources.
func (m *Multi) Close() error {
	var errs []error

	if err := CloseSink(m.primary); err != nil {
		errs = append(errs, err)
	}
	for _, s := range m.secondary {
		if err := CloseSink(s); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
