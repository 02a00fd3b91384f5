package spawn

import (
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// ExecSpawner launches children with plain stdout/stderr pipes.
type ExecSpawner struct{}

// Spawn starts the command. The parent ends of the output pipes reach
// EOF once the last holder of the write ends exits, independent of when
// the child is reaped, so consumers never race the wait call.
func (ExecSpawner) Spawn(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Path: c.Path, Err: err}
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	// Own process group, so Kill can reach helpers the child forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: c.Path, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Path: c.Path, Err: err}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &SpawnError{Path: c.Path, Err: err}
	}

	// The child holds its own copies of the write ends; closing ours makes
	// the read ends deliver EOF at child exit.
	stdoutW.Close()
	stderrW.Close()

	p := &execProcess{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	done   chan struct{}

	// Written by reap before done closes; read only after Done.
	exitCode int
	exitErr  error
}

func (p *execProcess) reap() {
	err := p.cmd.Wait()
	p.exitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	} else {
		p.exitCode = -1
	}
	close(p.done)
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Kill takes down the child's whole process group, catching handler
// processes it forked. storescp with --fork leaves one per association.
func (p *execProcess) Kill() error {
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// CloseOutputs closes the parent ends of the output pipes, failing any
// pending read. It frees consumers blocked on a descendant that still
// holds the child's write ends.
func (p *execProcess) CloseOutputs() error {
	err := p.stdout.Close()
	if err2 := p.stderr.Close(); err == nil {
		err = err2
	}
	return err
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int { return p.exitCode }

func (p *execProcess) ExitErr() error { return p.exitErr }
