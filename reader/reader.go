// Package reader consumes card-scan events from a line-oriented stream. The
// hardware emits one event per line, prefixed UID_RAW:, and everything else
// on the wire is noise to be skipped.
package reader

import (
	"bufio"
	"io"
	"strings"
)

// EventPrefix marks a card-scan line on the serial stream.
const EventPrefix = "UID_RAW:"

// Scanner yields UID events from a stream, skipping non-event lines.
type Scanner struct {
	s *bufio.Scanner
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{s: bufio.NewScanner(r)}
}

// Next returns the next UID on the stream. io.EOF when the stream ends.
func (s *Scanner) Next() (string, error) {
	for s.s.Scan() {
		line := strings.TrimSpace(s.s.Text())
		if !strings.HasPrefix(line, EventPrefix) {
			continue
		}
		uid := strings.TrimSpace(strings.TrimPrefix(line, EventPrefix))
		if uid == "" {
			continue
		}
		return uid, nil
	}
	if err := s.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
