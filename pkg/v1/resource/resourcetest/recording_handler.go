package resourcetest

import (
	"sync"
	"testing"
	"time"

	resource "github.com/omniviewdev/resclient/pkg/v1/resource"
)

// RecordingHandler records resource events delivered to its Handle method.
type RecordingHandler struct {
	mu      sync.Mutex
	changed chan struct{}
	events  []resource.Event
}

// NewRecordingHandler creates a RecordingHandler.
func NewRecordingHandler() *RecordingHandler {
	return &RecordingHandler{changed: make(chan struct{})}
}

// Handle is a resource.EventHandler.
func (h *RecordingHandler) Handle(ev resource.Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (h *RecordingHandler) Events() []resource.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]resource.Event(nil), h.events...)
}

// Count returns the number of recorded events.
func (h *RecordingHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// Named returns the recorded events with the given name.
func (h *RecordingHandler) Named(name string) []resource.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []resource.Event
	for _, ev := range h.events {
		if ev.Name() == name {
			out = append(out, ev)
		}
	}
	return out
}

// Reset clears the recorded events.
func (h *RecordingHandler) Reset() {
	h.mu.Lock()
	h.events = nil
	h.mu.Unlock()
}

// WaitForEvents blocks until at least count events have been recorded, or the timeout expires.
func (h *RecordingHandler) WaitForEvents(t *testing.T, count int, timeout time.Duration) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		h.mu.Lock()
		n := len(h.events)
		ch := h.changed
		h.mu.Unlock()
		if n >= count {
			return
		}
		select {
		case <-ch:
		case <-timer.C:
			t.Fatalf("timed out waiting for %d events, got %d", count, h.Count())
		}
	}
}
