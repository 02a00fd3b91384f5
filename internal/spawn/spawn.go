// Package spawn resolves and launches the external toolkit binaries.
package spawn

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Command describes a child process to launch.
type Command struct {
	Path string   // Absolute executable path
	Args []string // Arguments, excluding argv[0]
	Env  []string // Extra environment entries, appended to the parent's
	Dir  string   // Working directory, "" inherits the parent's
}

// Process is a handle to a launched child.
// ExitCode and ExitErr are valid once Done is closed.
type Process interface {
	PID() int
	Stdout() io.Reader // At EOF once the last holder of the write end exits
	Stderr() io.Reader // Empty for PTY processes (the terminal merges streams)
	Signal(sig os.Signal) error
	Kill() error           // Forced termination, child's process group included
	CloseOutputs() error   // Closes the parent ends; pending reads fail
	Done() <-chan struct{} // Closed once the child has been reaped
	ExitCode() int         // -1 when terminated by a signal
	ExitErr() error        // The wait error, nil on a clean zero exit
}

// Spawner launches child processes. The supervisor depends on this
// interface so tests can substitute a scripted fake.
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (Process, error)
}

// NotFoundError reports a failed binary resolution.
type NotFoundError struct {
	Tool     string
	Searched []string
}

func (e *NotFoundError) Error() string {
	if len(e.Searched) == 0 {
		return fmt.Sprintf("%s: executable not found", e.Tool)
	}
	return fmt.Sprintf("%s: executable not found (searched %s)", e.Tool, strings.Join(e.Searched, ", "))
}

// SpawnError reports an OS-level launch failure.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
