// Package stream converts chunked process output into typed domain events.
package stream

// Splitter incrementally splits a byte stream into complete lines.
// Terminators are "\r\n", "\n", or "\r"; incomplete trailing text is
// carried to the next Push. A "\r\n" pair split across two chunks still
// yields a single line. Use one Splitter per stream.
type Splitter struct {
	pending []byte
	sawCR   bool // last byte seen was '\r'; a following '\n' is swallowed
}

// Push consumes a chunk and returns the complete lines it terminated.
func (s *Splitter) Push(chunk string) []string {
	var lines []string
	for i := 0; i < len(chunk); i++ {
		switch c := chunk[i]; c {
		case '\r':
			lines = append(lines, string(s.pending))
			s.pending = s.pending[:0]
			s.sawCR = true
		case '\n':
			if s.sawCR {
				s.sawCR = false
				continue
			}
			lines = append(lines, string(s.pending))
			s.pending = s.pending[:0]
		default:
			s.sawCR = false
			s.pending = append(s.pending, c)
		}
	}
	return lines
}

// Pending returns the carried partial line, if any.
func (s *Splitter) Pending() (string, bool) {
	if len(s.pending) == 0 {
		return "", false
	}
	return string(s.pending), true
}

// Flush returns and clears the carried partial line. Callers use it at
// stream EOF to surface a final unterminated line.
func (s *Splitter) Flush() (string, bool) {
	line, ok := s.Pending()
	s.Reset()
	return line, ok
}

// Reset discards the carried partial line.
func (s *Splitter) Reset() {
	s.pending = s.pending[:0]
	s.sawCR = false
}
