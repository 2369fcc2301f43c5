package streaming

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Event is one parsed SSE frame.
type Event struct {
	Event string
	Data  string
}

// Encode renders the event in text/event-stream framing.
func (e Event) Encode() []byte {
	var b strings.Builder
	if e.Event != "" {
		b.WriteString("event: ")
		b.WriteString(e.Event)
		b.WriteString("\n")
	}
	b.WriteString("data: ")
	b.WriteString(e.Data)
	b.WriteString("\n\n")
	return []byte(b.String())
}

// WriteEvent marshals payload and writes one SSE frame.
func WriteEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("streaming: marshal %s event: %w", event, err)
	}
	_, err = w.Write(Event{Event: event, Data: string(data)}.Encode())
	return err
}

// ParseEvents splits buffered SSE text into events. Events are terminated
// by a blank line; multiple data lines concatenate with newlines. Fields
// other than event and data are ignored.
func ParseEvents(input string) []Event {
	var events []Event
	var current Event
	flush := func() {
		if current.Data != "" {
			events = append(events, current)
		}
		current = Event{}
	}
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data: "):
			if current.Data != "" {
				current.Data += "\n"
			}
			current.Data += strings.TrimPrefix(line, "data: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		}
	}
	flush()
	return events
}

// scanLines iterates SSE lines from upstream, calling fn for each line
// without its trailing newline. Data lines can be large, so the scanner
// buffer is raised well past the default.
func scanLines(r io.Reader, fn func(line string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := fn(strings.TrimSuffix(scanner.Text(), "\r")); err != nil {
			return err
		}
	}
	return scanner.Err()
}
