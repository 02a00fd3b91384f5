package catalog

import (
	"regexp"
	"strconv"
	"time"
)

// ProcessFunc builds an event payload from a regex match.
// m is the submatch slice (m[0] is the full matched text).
// A nil ProcessFunc means the event carries no payload.
type ProcessFunc func(m []string) map[string]interface{}

// Pattern maps one regex in a tool's output to a named event.
// For single-line patterns Re is tested against each line; when Block is set,
// Re is tested against the full buffered block text instead.
// Patterns are immutable once registered.
type Pattern struct {
	Event   string         // Event name fired on match (e.g. "LISTENING")
	Re      *regexp.Regexp // Line regex, or full-block regex when Block is set
	Process ProcessFunc    // Payload builder, nil for no payload
	Block   *BlockSpec     // Multi-line block definition, nil for single-line
}

// BlockSpec delimits a multi-line span of output treated as one logical unit.
type BlockSpec struct {
	Header   *regexp.Regexp // Opens the block
	Footer   *regexp.Regexp // Closes the block
	MaxLines int            // Buffer cap, header line included
	Timeout  time.Duration  // Abandonment deadline once opened
}

// Set is the ordered pattern list for one tool.
// Registration order is the only priority mechanism: the first matching
// pattern wins. Sets are built once at init and never mutated.
type Set struct {
	Tool     Tool
	Ready    string              // Event marking the listener ready; "" for client tools
	Patterns []*Pattern
	Fatal    map[string]struct{} // Event names terminal for the owning process
}

// FatalEvent reports whether the named event is terminal for this tool.
func (s *Set) FatalEvent(name string) bool {
	_, ok := s.Fatal[name]
	return ok
}

// mustPattern builds a single-line pattern, panicking on a bad regex.
// Catalog tables are built at init from known-good patterns.
func mustPattern(event, re string, proc ProcessFunc) *Pattern {
	return &Pattern{
		Event:   event,
		Re:      regexp.MustCompile(re),
		Process: proc,
	}
}

// mustBlock builds a multi-line block pattern. re is matched against the
// full buffered text, header through footer.
func mustBlock(event, re string, proc ProcessFunc, header, footer string, maxLines int, timeout time.Duration) *Pattern {
	return &Pattern{
		Event:   event,
		Re:      regexp.MustCompile(re),
		Process: proc,
		Block: &BlockSpec{
			Header:   regexp.MustCompile(header),
			Footer:   regexp.MustCompile(footer),
			MaxLines: maxLines,
			Timeout:  timeout,
		},
	}
}

// fatalSet builds the fatal-event lookup for a tool.
func fatalSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// toInt converts a digits-only submatch to an int. Bad input yields 0;
// all callers capture with \d+ so conversion cannot fail in practice.
func toInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
