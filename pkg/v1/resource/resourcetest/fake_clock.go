package resourcetest

import (
	"context"
	"sync"
	"time"

	resource "github.com/omniviewdev/resclient/pkg/v1/resource"
)

var _ resource.Clock = (*FakeClock)(nil)

// fakeTimer tracks a pending AfterFunc() call.
type fakeTimer struct {
	clock *FakeClock
	at    time.Duration // fire time, relative to the clock's start
	seq   int
	f     func()
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.timers {
		if p == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			c.broadcast()
			return true
		}
	}
	return false
}

// FakeClock implements resource.Clock for deterministic testing.
// Use Advance() to manually progress time. Timer callbacks run synchronously
// on the goroutine calling Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Duration
	seq     int
	timers  []*fakeTimer
	changed chan struct{} // broadcast channel, replaced on each change
}

// NewFakeClock creates a new FakeClock.
func NewFakeClock() *FakeClock {
	return &FakeClock{
		changed: make(chan struct{}),
	}
}

// broadcast wakes all waiters. Must be called with mu held.
func (c *FakeClock) broadcast() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// AfterFunc schedules f to run once Advance() progresses past d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) resource.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now + d, seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	c.broadcast()
	return t
}

// Advance progresses time by d, firing due timers in deadline order.
// Timers scheduled by a callback fire too if they fall within d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	for {
		next := -1
		for i, t := range c.timers {
			if t.at > target {
				continue
			}
			if next < 0 || t.at < c.timers[next].at || (t.at == c.timers[next].at && t.seq < c.timers[next].seq) {
				next = i
			}
		}
		if next < 0 {
			break
		}
		t := c.timers[next]
		c.timers = append(c.timers[:next], c.timers[next+1:]...)
		c.now = t.at
		c.broadcast()
		c.mu.Unlock()
		t.f()
		c.mu.Lock()
	}
	c.now = target
	c.broadcast()
	c.mu.Unlock()
}

// Elapsed returns how far the clock has been advanced.
func (c *FakeClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// PendingTimers returns the number of timers waiting to fire.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// WaitForTimers blocks until at least n timers are pending, or ctx is cancelled.
func (c *FakeClock) WaitForTimers(ctx context.Context, n int) error {
	for {
		c.mu.Lock()
		count := len(c.timers)
		ch := c.changed
		c.mu.Unlock()
		if count >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
