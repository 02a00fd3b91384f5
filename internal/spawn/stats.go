package spawn

import (
	"fmt"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcStats is a snapshot of a child process's resource usage.
type ProcStats struct {
	CPUPercent float64
	RSSBytes   int64
	VSZBytes   int64
	State      string // R/S/D/Z/T on Unix-like platforms
	StartedAt  time.Time
}

// Stats samples resource usage for a pid.
func Stats(pid int) (*ProcStats, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("opening process %d: %w", pid, err)
	}

	stats := &ProcStats{}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil {
		stats.RSSBytes = int64(mem.RSS)
		stats.VSZBytes = int64(mem.VMS)
	}
	if status, err := p.Status(); err == nil && len(status) > 0 {
		stats.State = status[0]
	}
	if created, err := p.CreateTime(); err == nil {
		stats.StartedAt = time.UnixMilli(created)
	}
	return stats, nil
}

// Alive reports whether a pid refers to a running process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if running, _ := p.IsRunning(); running {
			return true
		}
	}
	// gopsutil can miss short-lived state transitions; signal 0 settles it.
	return syscall.Kill(pid, 0) == nil
}

// HumanBytes formats a byte count for status output.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for n >= unit*div && exp < 5 {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
