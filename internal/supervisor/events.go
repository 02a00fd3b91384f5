package supervisor

import "time"

// EventKind distinguishes supervisor notifications.
type EventKind int

const (
	KindLine         EventKind = iota // A raw output line; Source and Text are set
	KindMatch                         // A catalog pattern matched; Event and Data are set
	KindBlockTimeout                  // A multi-line block was abandoned; Lines holds its buffer
	KindState                         // A lifecycle transition; Text holds the new state name
	KindError                         // Something went wrong; Err is set, Fatal when it ends the listener
)

func (k EventKind) String() string {
	switch k {
	case KindLine:
		return "line"
	case KindMatch:
		return "match"
	case KindBlockTimeout:
		return "block_timeout"
	case KindState:
		return "state"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one observation from the supervised listener.
type Event struct {
	Kind   EventKind
	Source string                 // "stdout" or "stderr" for line events
	Text   string                 // Raw line text, or the state name for state events
	Event  string                 // Catalog event name for match and block events
	Data   map[string]interface{} // Extracted fields for match events
	Lines  []string               // Buffered lines for abandoned blocks
	Err    error                  // Set for error events
	Fatal  bool                   // The error ends the listener
	Time   time.Time
}
