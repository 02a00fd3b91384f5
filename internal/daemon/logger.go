package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel represents log severity.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config level name to a LogLevel. Unknown names fall
// back to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// LogEntry is one structured log record.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Tool      string    `json:"tool,omitempty"`
	Event     string    `json:"event,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Logger writes leveled entries to date-stamped files with a stable
// symlink to the current one.
type Logger struct {
	mu          sync.Mutex
	dir         string
	file        *os.File
	currentDate string
	minLevel    LogLevel
}

// NewLogger creates a logger writing under dir/logs.
func NewLogger(dir string) (*Logger, error) {
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l := &Logger{
		dir:      logDir,
		minLevel: LevelInfo,
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

// openLogFile opens or rotates the log file based on date.
func (l *Logger) openLogFile() error {
	today := time.Now().Format("2006-01-02")
	if l.file != nil && l.currentDate == today {
		return nil
	}

	if l.file != nil {
		l.file.Close()
	}

	logPath := filepath.Join(l.dir, fmt.Sprintf("dcmwrap-%s.log", today))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.file = f
	l.currentDate = today

	symlink := filepath.Join(l.dir, "dcmwrap.log")
	os.Remove(symlink)
	os.Symlink(filepath.Base(logPath), symlink)

	return nil
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes a log entry.
func (l *Logger) Log(level LogLevel, msg string, args ...interface{}) {
	if level < l.minLevel {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.openLogFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		return
	}

	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	l.writeEntry(LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
	})
}

// LogEvent writes an entry carrying tool and event context.
func (l *Logger) LogEvent(level LogLevel, tool, event, msg, details string) {
	if level < l.minLevel {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.openLogFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		return
	}

	l.writeEntry(LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
		Tool:      tool,
		Event:     event,
		Details:   details,
	})
}

// writeEntry writes a human-readable line followed by the JSON form.
func (l *Logger) writeEntry(entry LogEntry) {
	if l.file == nil {
		return
	}

	ts := entry.Timestamp.Format("2006-01-02 15:04:05")
	var line string
	if entry.Tool != "" {
		line = fmt.Sprintf("%s [%s] [%s] %s", ts, entry.Level, entry.Tool, entry.Message)
	} else {
		line = fmt.Sprintf("%s [%s] %s", ts, entry.Level, entry.Message)
	}
	fmt.Fprintln(l.file, line)

	if jsonData, err := json.Marshal(entry); err == nil {
		fmt.Fprintf(l.file, "  JSON: %s\n", jsonData)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.Log(LevelDebug, msg, args...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.Log(LevelInfo, msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.Log(LevelWarn, msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.Log(LevelError, msg, args...)
}

// Close closes the logger.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Writer returns an io.Writer that logs each write at INFO level.
func (l *Logger) Writer() io.Writer {
	return &logWriter{logger: l, level: LevelInfo}
}

type logWriter struct {
	logger *Logger
	level  LogLevel
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.Log(w.level, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// LogPath returns the current log file path.
func (l *Logger) LogPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Name()
	}
	return filepath.Join(l.dir, "dcmwrap.log")
}

// Dir returns the log directory.
func (l *Logger) Dir() string {
	return l.dir
}
