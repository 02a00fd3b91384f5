package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyStarted reports a second Start call on the same Supervisor.
var ErrAlreadyStarted = errors.New("supervisor already started")

// ErrStopped reports that Stop preempted a pending Start.
var ErrStopped = errors.New("supervisor stopped before listening")

// StartTimeoutError reports that the listener never produced its ready
// event within the configured window.
type StartTimeoutError struct {
	Timeout time.Duration
}

func (e *StartTimeoutError) Error() string {
	return fmt.Sprintf("listener not ready after %s", e.Timeout)
}

// FatalEventError reports that the listener logged an event classified
// as fatal for the whole process.
type FatalEventError struct {
	Event string
}

func (e *FatalEventError) Error() string {
	return "listener reported fatal event " + e.Event
}

// ExitError reports that the listener process ended when it was expected
// to keep running.
type ExitError struct {
	Code int   // Exit code, -1 when terminated by a signal
	Err  error // The underlying wait error, if any
}

func (e *ExitError) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("listener exited unexpectedly with code %d", e.Code)
	}
	return "listener was killed by a signal"
}

func (e *ExitError) Unwrap() error { return e.Err }
