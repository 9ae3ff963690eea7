package monitor

import (
	"sync"

	"github.com/banshee-data/fleet.align/internal/control"
)

// DefaultEventLogSize bounds the in-memory event log.
const DefaultEventLogSize = 256

// EventLog retains the most recent events for /api/events.
type EventLog struct {
	mu     sync.Mutex
	events []control.Event
	size   int
}

// NewEventLog returns a log keeping at most size events.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{size: size}
}

// RecordEvent implements control.EventRecorder.
func (l *EventLog) RecordEvent(ev control.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if over := len(l.events) - l.size; over > 0 {
		l.events = append(l.events[:0], l.events[over:]...)
	}
}

// Since returns events with Time > t, oldest first, capped at the newest
// limit entries when limit > 0.
func (l *EventLog) Since(t float64, limit int) []control.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]control.Event, 0, len(l.events))
	for _, ev := range l.events {
		if ev.Time > t {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
