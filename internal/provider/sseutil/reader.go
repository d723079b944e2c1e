// Package sseutil reads upstream server-sent event streams and converts
// OpenAI-format chunks into the gateway's canonical stream events.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

// Upstream chat deltas are small; 64KB leaves headroom for a tool-call
// chunk carrying a large embedded argument payload.
const maxFrameSize = 64 * 1024

// Frame is one meaningful SSE field: an event name or a data payload.
// Exactly one of the two is set.
type Frame struct {
	Event string
	Data  string
}

// Reader walks an upstream SSE body frame by frame, skipping blank lines,
// comments, and fields the adapters have no use for (id, retry).
type Reader struct {
	s *bufio.Scanner
}

// NewReader wraps an upstream response body.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxFrameSize)
	return &Reader{s: s}
}

// Next returns the next frame; ok is false at end of stream. Check Err
// afterwards to distinguish EOF from a read failure.
func (r *Reader) Next() (Frame, bool) {
	for r.s.Scan() {
		if f, ok := parseField(r.s.Text()); ok {
			return f, true
		}
	}
	return Frame{}, false
}

// Err reports the read failure that ended the stream, if any.
func (r *Reader) Err() error { return r.s.Err() }

// parseField splits one "field: value" line. A leading colon marks a
// comment, and the single optional space after the colon is not part of
// the value.
func parseField(line string) (Frame, bool) {
	if line == "" || line[0] == ':' {
		return Frame{}, false
	}
	field, value, found := strings.Cut(line, ":")
	if !found {
		return Frame{}, false
	}
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "event":
		return Frame{Event: value}, true
	case "data":
		return Frame{Data: value}, true
	}
	return Frame{}, false
}
