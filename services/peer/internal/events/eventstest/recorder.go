// Package eventstest provides an in-memory events.Emitter for tests.
package eventstest

import (
	"sync"
	"time"

	"github.com/p2p-filesharing/peersend/services/peer/internal/events"
)

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *Recorder) Emit(eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events.Event{Type: eventType, Data: data, Timestamp: time.Now()})
}

// Events returns a copy of what was recorded
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Has reports whether an event of eventType was recorded
func (r *Recorder) Has(eventType string) bool {
	for _, t := range r.Types() {
		if t == eventType {
			return true
		}
	}
	return false
}
