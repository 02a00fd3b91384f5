// Package daemon provides background-mode lifecycle management: the
// re-exec fork, the singleton lock, leveled file logging, and log
// retention.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"dcmwrap/internal/spawn"
)

// DaemonEnvVar marks the re-executed child process.
const DaemonEnvVar = "DCMWRAP_DAEMON"

// Daemon manages the daemon lifecycle.
type Daemon struct {
	dir  string
	lock *Lock
}

// NewDaemon creates a daemon manager rooted at dir (normally ~/.dcmwrap).
func NewDaemon(dir string) *Daemon {
	return &Daemon{
		dir:  dir,
		lock: NewLock(dir),
	}
}

// Start re-executes the current binary in the background with the given
// arguments, detached from the terminal.
func (d *Daemon) Start(args []string) error {
	if running, pid := d.lock.IsRunning(); running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	logDir := filepath.Join(d.dir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	// Raw child output goes to the dated log; the structured logger in
	// the child appends to the same file.
	logPath := filepath.Join(logDir, fmt.Sprintf("dcmwrap-%s.log", time.Now().Format("2006-01-02")))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), DaemonEnvVar+"=1")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	logFile.Close()

	// Give the child a moment to fail fast on startup errors
	time.Sleep(100 * time.Millisecond)
	if !spawn.Alive(cmd.Process.Pid) {
		return fmt.Errorf("daemon failed to start (check logs at %s)", logPath)
	}

	fmt.Printf("Daemon started (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("Log file: %s\n", logPath)
	return nil
}

// Stop terminates the running daemon: SIGTERM, up to five seconds of
// polling, then SIGKILL.
func (d *Daemon) Stop() error {
	running, pid := d.lock.IsRunning()
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if !spawn.Alive(pid) {
			fmt.Printf("Daemon stopped (was PID %d)\n", pid)
			return nil
		}
	}

	if err := process.Signal(syscall.SIGKILL); err == nil {
		fmt.Printf("Daemon killed (was PID %d)\n", pid)
		return nil
	}
	return fmt.Errorf("daemon did not stop (PID %d)", pid)
}

// Restart stops the daemon if running, then starts it again.
func (d *Daemon) Restart(args []string) error {
	if running, _ := d.lock.IsRunning(); running {
		if err := d.Stop(); err != nil {
			return fmt.Errorf("failed to stop daemon: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
	return d.Start(args)
}

// Status reports whether the daemon runs, its PID, and its uptime.
func (d *Daemon) Status() (running bool, pid int, uptime time.Duration) {
	running, pid = d.lock.IsRunning()
	if !running {
		return false, 0, 0
	}
	if stats, err := spawn.Stats(pid); err == nil && !stats.StartedAt.IsZero() {
		uptime = time.Since(stats.StartedAt).Truncate(time.Second)
	}
	return running, pid, uptime
}

// IsDaemon reports whether this process is the re-executed child.
func IsDaemon() bool {
	return os.Getenv(DaemonEnvVar) == "1"
}

// Dir returns the daemon directory.
func (d *Daemon) Dir() string {
	return d.dir
}
