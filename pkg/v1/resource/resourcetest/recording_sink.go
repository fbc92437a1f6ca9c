package resourcetest

import (
	"sync"
	"testing"
	"time"

	resource "github.com/omniviewdev/resclient/pkg/v1/resource"
)

var _ resource.ClientEventSink = (*RecordingSink)(nil)

// RecordingSink is a thread-safe ClientEventSink that records all events for assertions.
// Use NewRecordingSink() to create instances.
type RecordingSink struct {
	mu          sync.Mutex
	changed     chan struct{} // closed-and-recreated on each event to wake waiters
	Connects    int
	Disconnects []error
	Errors      []error
}

// NewRecordingSink creates a RecordingSink with its broadcast channel initialized.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{changed: make(chan struct{})}
}

// broadcast wakes all waiters. Must be called with mu held.
func (s *RecordingSink) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *RecordingSink) OnConnect() {
	s.mu.Lock()
	s.Connects++
	s.broadcast()
	s.mu.Unlock()
}

func (s *RecordingSink) OnDisconnect(err error) {
	s.mu.Lock()
	s.Disconnects = append(s.Disconnects, err)
	s.broadcast()
	s.mu.Unlock()
}

func (s *RecordingSink) OnError(err error) {
	s.mu.Lock()
	s.Errors = append(s.Errors, err)
	s.broadcast()
	s.mu.Unlock()
}

// ConnectCount returns the number of connect events recorded.
func (s *RecordingSink) ConnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Connects
}

// DisconnectCount returns the number of disconnect events recorded.
func (s *RecordingSink) DisconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Disconnects)
}

// ErrorCount returns the number of error events recorded.
func (s *RecordingSink) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Errors)
}

// LastDisconnect returns the error of the most recent disconnect event, or nil.
func (s *RecordingSink) LastDisconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Disconnects) == 0 {
		return nil
	}
	return s.Disconnects[len(s.Disconnects)-1]
}

// LastError returns the most recent error event, or nil.
func (s *RecordingSink) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Errors) == 0 {
		return nil
	}
	return s.Errors[len(s.Errors)-1]
}

// Reset clears all recorded events and wakes any waiters.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	s.Connects = 0
	s.Disconnects = nil
	s.Errors = nil
	s.broadcast()
	s.mu.Unlock()
}

func (s *RecordingSink) waitFor(t *testing.T, what string, count int, timeout time.Duration, n func() int) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		got := n()
		ch := s.changed
		s.mu.Unlock()
		if got >= count {
			return
		}
		select {
		case <-ch:
		case <-timer.C:
			s.mu.Lock()
			got = n()
			s.mu.Unlock()
			t.Fatalf("timed out waiting for %d %s, got %d", count, what, got)
		}
	}
}

// WaitForConnects blocks until at least count connect events have been recorded, or the timeout expires.
func (s *RecordingSink) WaitForConnects(t *testing.T, count int, timeout time.Duration) {
	t.Helper()
	s.waitFor(t, "connects", count, timeout, func() int { return s.Connects })
}

// WaitForDisconnects blocks until at least count disconnect events have been recorded, or the timeout expires.
func (s *RecordingSink) WaitForDisconnects(t *testing.T, count int, timeout time.Duration) {
	t.Helper()
	s.waitFor(t, "disconnects", count, timeout, func() int { return len(s.Disconnects) })
}

// WaitForErrors blocks until at least count error events have been recorded, or the timeout expires.
func (s *RecordingSink) WaitForErrors(t *testing.T, count int, timeout time.Duration) {
	t.Helper()
	s.waitFor(t, "errors", count, timeout, func() int { return len(s.Errors) })
}
