package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CleanupLogs removes dated log files older than the retention period.
// retentionDays of 0 means keep forever.
func CleanupLogs(logDir string, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0

	logs, err := GetLogFiles(logDir)
	if err != nil {
		return 0, err
	}

	for _, lf := range logs {
		if lf.Date.IsZero() || !lf.Date.Before(cutoff) {
			continue
		}
		if err := os.Remove(lf.Path); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to remove old log %s: %v\n", lf.Name, err)
			continue
		}
		deleted++
	}

	return deleted, nil
}

// CleanupOnStart runs log cleanup when the daemon starts.
func CleanupOnStart(dir string, retentionDays int) {
	logDir := filepath.Join(dir, "logs")
	deleted, err := CleanupLogs(logDir, retentionDays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: log cleanup failed: %v\n", err)
		return
	}
	if deleted > 0 {
		fmt.Printf("Cleaned up %d old log file(s)\n", deleted)
	}
}

// LogFileInfo describes one dated log file.
type LogFileInfo struct {
	Name    string
	Path    string
	Date    time.Time
	Size    int64
	ModTime time.Time
}

// GetLogFiles lists the dated log files, newest first. The dcmwrap.log
// symlink is skipped.
func GetLogFiles(logDir string) ([]LogFileInfo, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	var logs []LogFileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if name == "dcmwrap.log" || !strings.HasPrefix(name, "dcmwrap-") || !strings.HasSuffix(name, ".log") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, "dcmwrap-"), ".log")
		logDate, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}

		logs = append(logs, LogFileInfo{
			Name:    name,
			Path:    filepath.Join(logDir, name),
			Date:    logDate,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].Date.After(logs[j].Date) })
	return logs, nil
}

// TotalLogSize returns the combined size of all dated log files.
func TotalLogSize(logDir string) (int64, error) {
	logs, err := GetLogFiles(logDir)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, lf := range logs {
		total += lf.Size
	}
	return total, nil
}
