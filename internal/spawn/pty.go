package spawn

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// PTYSpawner launches children under a pseudo-terminal. Some toolkit
// binaries switch to block buffering or suppress progress output when
// their stdout is a pipe; a pty keeps them line-buffered. The terminal
// merges stdout and stderr into a single stream.
type PTYSpawner struct{}

// Spawn starts the command on a fresh pty. When the caller's stdin is a
// terminal the child inherits its window size.
func (PTYSpawner) Spawn(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Path: c.Path, Err: err}
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, &SpawnError{Path: c.Path, Err: err}
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		// Best effort; a wrong size only affects progress formatting.
		pty.InheritSize(os.Stdin, ptmx)
	}

	p := &ptyProcess{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}

	exitCode int
	exitErr  error
}

func (p *ptyProcess) reap() {
	err := p.cmd.Wait()
	p.exitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	} else {
		p.exitCode = -1
	}
	// Unblocks any reader still waiting on the pty.
	p.ptmx.Close()
	close(p.done)
}

func (p *ptyProcess) PID() int {
	return p.cmd.Process.Pid
}

// Stdout returns the pty master. Reads fail once the child exits and the
// pty closes; consumers treat read errors as EOF.
func (p *ptyProcess) Stdout() io.Reader { return p.ptmx }

func (p *ptyProcess) Stderr() io.Reader { return bytes.NewReader(nil) }

func (p *ptyProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Kill takes down the child's whole process group. The pty child leads
// its own session, so the negative pid reaches everything it forked.
func (p *ptyProcess) Kill() error {
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// CloseOutputs closes the pty master, failing any pending read.
func (p *ptyProcess) CloseOutputs() error {
	return p.ptmx.Close()
}

func (p *ptyProcess) Done() <-chan struct{} { return p.done }

func (p *ptyProcess) ExitCode() int { return p.exitCode }

func (p *ptyProcess) ExitErr() error { return p.exitErr }
