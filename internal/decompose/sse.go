package decompose

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

// Event is one server-sent event. Index counts dispatched events from zero.
type Event struct {
	Index int
	Name  string
	Data  string
}

const maxEventLine = 16 * 1024 * 1024

// ParseSSE splits a reassembled event-stream body into events. A trailing
// event without its terminating blank line (a truncated stream) is still
// returned.
func ParseSSE(body []byte) []Event {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	var (
		events []Event
		name   string
		data   []string
		seen   bool
	)
	dispatch := func() {
		if seen {
			events = append(events, Event{Index: len(events), Name: name, Data: strings.Join(data, "\n")})
		}
		name, data, seen = "", nil, false
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			dispatch()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}
	dispatch()
	return events
}

// IsSSE reports whether body looks like an event stream: its first
// non-blank line is an SSE field or comment.
func IsSSE(body []byte) bool {
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		for _, prefix := range []string{"data:", "event:", "id:", "retry:", ":"} {
			if bytes.HasPrefix(line, []byte(prefix)) {
				return true
			}
		}
		return false
	}
	return false
}

// isNDJSON reports whether every non-blank line is a JSON value and there
// is more than one of them.
func isNDJSON(body []byte) bool {
	n := 0
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return false
		}
		n++
	}
	return n > 1
}

// ndjsonLines returns the JSON lines of an NDJSON body.
func ndjsonLines(body []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}
