// Package sse reads Server-Sent Events streams. It implements the subset the
// model providers emit: event and data fields, multi-line data, comments, and
// a BOM-tolerant first line.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one dispatched SSE event.
type Event struct {
	Type string // value of the "event:" field (may be empty)
	Data string // "data:" line(s), joined with "\n"
}

// Reader incrementally parses SSE from an io.Reader. Not safe for
// concurrent use.
type Reader struct {
	scanner *bufio.Scanner
	first   bool
}

// NewReader wraps r. Lines up to 1 MiB are supported, which comfortably
// covers provider deltas (large base64 images arrive chunked).
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	return &Reader{scanner: sc, first: true}
}

// Next returns the next dispatched event, or io.EOF at end of stream. An
// event dispatches on a blank line once it has a type or data.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var data []string

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if r.first {
			line = strings.TrimPrefix(line, "\uFEFF")
			r.first = false
		}

		if line == "" {
			if len(data) > 0 || ev.Type != "" {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}
		if line[0] == ':' {
			// Comment / keepalive.
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Type = value
		case "data":
			data = append(data, value)
		}
		// id and retry are not used by any provider we speak to.
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if len(data) > 0 || ev.Type != "" {
		// Stream ended without a trailing blank line; dispatch what we have.
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}
