// Package config provides configuration management for dcmwrap.
// Settings load from a YAML file with a closed schema: unknown keys are
// rejected at decode time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Toolkit  ToolkitConfig  `yaml:"toolkit"`
	Listener ListenerConfig `yaml:"listener"`
	Remote   RemoteConfig   `yaml:"remote"`
	Events   EventsConfig   `yaml:"events"`
	Assoc    AssocConfig    `yaml:"assoc"`
	Daemon   DaemonConfig   `yaml:"daemon"`
}

// ToolkitConfig locates the DCMTK installation.
type ToolkitConfig struct {
	BinDir string `yaml:"bin_dir"` // Explicit bin directory; "" = search PATH
}

// ListenerConfig is the validated option set for the storescp listener.
type ListenerConfig struct {
	AETitle           string `yaml:"ae_title"`           // Our application entity title, at most 16 characters
	Port              int    `yaml:"port"`               // TCP listen port, 1-65535
	MaxPDU            int    `yaml:"max_pdu"`            // Max PDU receive size in bytes, 4096-131072
	TransferSyntax    string `yaml:"transfer_syntax"`    // Preferred transfer syntax (auto, little-endian, ...)
	OutputDir         string `yaml:"output_dir"`         // Where received objects are written
	FilenameExtension string `yaml:"filename_extension"` // Appended to stored filenames, e.g. ".dcm"
	Fork              bool   `yaml:"fork"`               // One subprocess per association
	PTY               bool   `yaml:"pty"`                // Run the listener under a pseudo-terminal
	StartTimeoutMS    int    `yaml:"start_timeout_ms"`   // Bound on waiting for the ready event
	DrainTimeoutMS    int    `yaml:"drain_timeout_ms"`   // Bound on graceful shutdown before a forced kill
}

// RemoteConfig holds default peer settings for the SCU commands.
type RemoteConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	AETitle string `yaml:"ae_title"` // The peer's (called) application entity title
}

// EventsConfig selects where event records are delivered.
type EventsConfig struct {
	Journal   JournalConfig   `yaml:"journal"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty"`
	Socket    bool            `yaml:"socket"` // Enable the Unix socket feed
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// JournalConfig controls the JSONL event journal.
type JournalConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`        // Path to journal (default: ~/.dcmwrap/events.jsonl)
	MaxSizeMB int    `yaml:"max_size_mb"` // Max size before rotation
}

// WebhookConfig defines a webhook endpoint for event delivery.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events,omitempty"`  // Event names to send (empty = all)
	Headers map[string]string `yaml:"headers,omitempty"` // Custom HTTP headers
	Timeout int               `yaml:"timeout,omitempty"` // Timeout in seconds (default: 10)
}

// WebSocketConfig controls the live websocket feed.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // host:port to serve on
}

// AssocConfig controls the association tracker.
type AssocConfig struct {
	TTLMinutes int `yaml:"ttl_minutes"` // Open associations older than this are marked stale
}

// DaemonConfig defines daemon mode settings.
type DaemonConfig struct {
	LogLevel         string `yaml:"log_level"`          // debug|info|warn|error
	LogRetentionDays int    `yaml:"log_retention_days"` // Days to keep logs (0 = forever)
}

// transferSyntaxes maps the configurable preference names to the listener
// options that request them. "auto" leaves the tool's default in place.
var transferSyntaxes = map[string]string{
	"auto":          "",
	"little-endian": "--prefer-little",
	"big-endian":    "--prefer-big",
	"implicit":      "--prefer-implicit",
	"lossless":      "--prefer-lossless",
	"jpeg8":         "--prefer-jpeg8",
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			AETitle:        "DCMWRAP",
			Port:           10004,
			MaxPDU:         16384,
			TransferSyntax: "auto",
			OutputDir:      "~/.dcmwrap/incoming",
			Fork:           true, // Serve concurrent associations
			StartTimeoutMS: 10000,
			DrainTimeoutMS: 5000,
		},
		Remote: RemoteConfig{
			Port:    104,
			AETitle: "ANY-SCP",
		},
		Events: EventsConfig{
			Journal: JournalConfig{
				Enabled:   true, // Enable by default
				MaxSizeMB: 10,
			},
			Socket: true,
			WebSocket: WebSocketConfig{
				Addr: "127.0.0.1:8089", // Disabled by default, addr preset for convenience
			},
		},
		Assoc: AssocConfig{
			TTLMinutes: 5,
		},
		Daemon: DaemonConfig{
			LogLevel:         "info",
			LogRetentionDays: 7,
		},
	}
}

// StartTimeout returns the ready-event bound as a time.Duration.
func (l *ListenerConfig) StartTimeout() time.Duration {
	return time.Duration(l.StartTimeoutMS) * time.Millisecond
}

// DrainTimeout returns the graceful-shutdown bound as a time.Duration.
func (l *ListenerConfig) DrainTimeout() time.Duration {
	return time.Duration(l.DrainTimeoutMS) * time.Millisecond
}

// TTL returns the association time-to-live as a time.Duration.
func (a *AssocConfig) TTL() time.Duration {
	return time.Duration(a.TTLMinutes) * time.Minute
}

// Args builds the listener command line from the validated options.
// Verbose and debug output stay on unconditionally: the event patterns
// depend on it.
func (l *ListenerConfig) Args() []string {
	args := []string{"-v", "-d", "-aet", l.AETitle, "--max-pdu", strconv.Itoa(l.MaxPDU)}
	if flag := transferSyntaxes[l.TransferSyntax]; flag != "" {
		args = append(args, flag)
	}
	if l.Fork {
		args = append(args, "--fork")
	}
	if dir := ExpandPath(l.OutputDir); dir != "" {
		args = append(args, "--output-directory", dir)
	}
	if l.FilenameExtension != "" {
		args = append(args, "--filename-extension", l.FilenameExtension)
	}
	return append(args, strconv.Itoa(l.Port))
}

// Validate checks the listener options on their own, so callers holding
// just a ListenerConfig can verify it before spawning anything.
func (l *ListenerConfig) Validate() error {
	if l.Port < 1 || l.Port > 65535 {
		return &ValidationError{Field: "listener.port", Message: "must be between 1 and 65535"}
	}
	if err := validateAETitle("listener.ae_title", l.AETitle); err != nil {
		return err
	}
	if l.MaxPDU < 4096 || l.MaxPDU > 131072 {
		return &ValidationError{Field: "listener.max_pdu", Message: "must be between 4096 and 131072"}
	}
	if _, ok := transferSyntaxes[l.TransferSyntax]; !ok {
		return &ValidationError{Field: "listener.transfer_syntax", Message: "must be one of " + transferSyntaxNames()}
	}
	if l.OutputDir == "" {
		return &ValidationError{Field: "listener.output_dir", Message: "is required"}
	}
	if l.StartTimeoutMS < 1 {
		return &ValidationError{Field: "listener.start_timeout_ms", Message: "must be positive"}
	}
	if l.DrainTimeoutMS < 1 {
		return &ValidationError{Field: "listener.drain_timeout_ms", Message: "must be positive"}
	}
	return nil
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if err := c.Listener.Validate(); err != nil {
		return err
	}

	// Remote peer validation only applies once a host is set.
	if c.Remote.Host != "" {
		if c.Remote.Port < 1 || c.Remote.Port > 65535 {
			return &ValidationError{Field: "remote.port", Message: "must be between 1 and 65535"}
		}
		if err := validateAETitle("remote.ae_title", c.Remote.AETitle); err != nil {
			return err
		}
	}

	if c.Events.Journal.Enabled && c.Events.Journal.MaxSizeMB < 1 {
		return &ValidationError{Field: "events.journal.max_size_mb", Message: "must be at least 1"}
	}
	for i, hook := range c.Events.Webhooks {
		field := fmt.Sprintf("events.webhooks[%d]", i)
		if hook.URL == "" {
			return &ValidationError{Field: field + ".url", Message: "is required"}
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return &ValidationError{Field: field + ".url", Message: "must be an http or https URL"}
		}
		if hook.Timeout < 0 {
			return &ValidationError{Field: field + ".timeout", Message: "cannot be negative"}
		}
	}
	if c.Events.WebSocket.Enabled && c.Events.WebSocket.Addr == "" {
		return &ValidationError{Field: "events.websocket.addr", Message: "is required when enabled"}
	}

	if c.Assoc.TTLMinutes < 1 {
		return &ValidationError{Field: "assoc.ttl_minutes", Message: "must be at least 1"}
	}

	validLevel := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevel[c.Daemon.LogLevel] {
		return &ValidationError{Field: "daemon.log_level", Message: "must be 'debug', 'info', 'warn', or 'error'"}
	}
	if c.Daemon.LogRetentionDays < 0 {
		return &ValidationError{Field: "daemon.log_retention_days", Message: "cannot be negative"}
	}

	return nil
}

// validateAETitle enforces application-entity title rules: 1 to 16
// characters from the default repertoire, no backslash or control codes,
// no surrounding whitespace.
func validateAETitle(field, title string) error {
	if title == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if len(title) > 16 {
		return &ValidationError{Field: field, Message: "must be at most 16 characters"}
	}
	for _, r := range title {
		if r < 0x20 || r > 0x7e || r == '\\' {
			return &ValidationError{Field: field, Message: "contains invalid characters"}
		}
	}
	if strings.TrimSpace(title) != title {
		return &ValidationError{Field: field, Message: "must not have leading or trailing spaces"}
	}
	return nil
}

func transferSyntaxNames() string {
	names := make([]string, 0, len(transferSyntaxes))
	for name := range transferSyntaxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "config validation error: " + e.Field + ": " + e.Message
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}
