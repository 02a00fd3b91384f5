package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Lock is a flock-based singleton guard. The file holds the owner's PID
// for diagnostics; the flock itself is authoritative.
type Lock struct {
	path string
	file *os.File
}

// NewLock creates a lock under dir.
func NewLock(dir string) *Lock {
	return &Lock{
		path: filepath.Join(dir, "dcmwrap.lock"),
	}
}

// TryLock acquires the exclusive lock without blocking and records this
// process's PID in the lock file.
func (l *Lock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		pid := readPID(f)
		f.Close()
		if err == syscall.EWOULDBLOCK {
			if pid > 0 {
				return fmt.Errorf("another dcmwrap daemon is running (PID %d)", pid)
			}
			return fmt.Errorf("another dcmwrap daemon is already running")
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		l.release(f)
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		l.release(f)
		return fmt.Errorf("failed to write PID: %w", err)
	}
	f.Sync()

	l.file = f
	return nil
}

// Unlock releases the lock and removes the lock file.
func (l *Lock) Unlock() error {
	if l.file == nil {
		return nil
	}
	return l.release(l.file)
}

func (l *Lock) release(f *os.File) error {
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
	l.file = nil
	os.Remove(l.path)
	return nil
}

// IsRunning checks whether another process holds the lock.
func (l *Lock) IsRunning() (bool, int) {
	f, err := os.Open(l.path)
	if err != nil {
		return false, 0
	}
	defer f.Close()

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == syscall.EWOULDBLOCK {
		return true, readPID(f)
	}
	if err == nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}
	return false, 0
}

// GetPID returns the PID of the lock holder, or 0.
func (l *Lock) GetPID() int {
	if running, pid := l.IsRunning(); running {
		return pid
	}
	return 0
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

func readPID(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
