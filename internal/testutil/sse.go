package testutil

import (
	"strings"
	"testing"
)

// SSEEvent is one parsed Server-Sent Event for assertions.
type SSEEvent struct {
	Event string
	Data  string
}

// ParseSSEEvents parses a raw SSE response body of the form
// "event: <type>\ndata: <payload>\n\n" into a slice of events.
func ParseSSEEvents(t *testing.T, body string) []SSEEvent {
	t.Helper()

	var events []SSEEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}

		var ev SSEEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if ev.Data != "" {
					ev.Data += "\n"
				}
				ev.Data += strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.Event == "" && ev.Data == "" {
			t.Fatalf("malformed SSE block: %q", block)
		}
		events = append(events, ev)
	}
	return events
}

// FindEvent returns the first event of the given type, or nil.
func FindEvent(events []SSEEvent, eventType string) *SSEEvent {
	for i := range events {
		if events[i].Event == eventType {
			return &events[i]
		}
	}
	return nil
}

// CountEvents returns the number of events of the given type.
func CountEvents(events []SSEEvent, eventType string) int {
	n := 0
	for _, ev := range events {
		if ev.Event == eventType {
			n++
		}
	}
	return n
}
