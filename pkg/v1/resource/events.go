package resource

import (
	"encoding/json"
	"slices"

	"github.com/google/uuid"
)

// Event names as used for listener filters.
const (
	EventChange      = "change"
	EventAdd         = "add"
	EventRemove      = "remove"
	EventUnsubscribe = "unsubscribe"
)

// Event is a resource event delivered to listeners. The concrete type is
// one of ChangeEvent, AddEvent, RemoveEvent, UnsubscribeEvent or
// CustomEvent.
type Event interface {
	// Name returns the event name listeners filter on.
	Name() string
	// Target returns the resource the event belongs to.
	Target() Resource
}

// ChangeEvent is emitted after model properties changed. Changed holds the
// previous value of every changed property; properties that did not exist
// before map to Undefined{}.
type ChangeEvent struct {
	Model   *Model
	Changed map[string]any
}

func (ChangeEvent) Name() string       { return EventChange }
func (e ChangeEvent) Target() Resource { return e.Model }

// AddEvent is emitted after a value was inserted into a collection.
type AddEvent struct {
	Collection *Collection
	Item       any
	Index      int
}

func (AddEvent) Name() string       { return EventAdd }
func (e AddEvent) Target() Resource { return e.Collection }

// RemoveEvent is emitted after a value was removed from a collection.
type RemoveEvent struct {
	Collection *Collection
	Item       any
	Index      int
}

func (RemoveEvent) Name() string       { return EventRemove }
func (e RemoveEvent) Target() Resource { return e.Collection }

// UnsubscribeEvent is emitted when the gateway ended the subscription, or
// the client failed to restore it.
type UnsubscribeEvent struct {
	Resource Resource
	Reason   *Error
}

func (UnsubscribeEvent) Name() string       { return EventUnsubscribe }
func (e UnsubscribeEvent) Target() Resource { return e.Resource }

// CustomEvent is any event the client does not interpret itself.
type CustomEvent struct {
	Resource Resource
	Event    string
	Data     json.RawMessage
}

func (e CustomEvent) Name() string     { return e.Event }
func (e CustomEvent) Target() Resource { return e.Resource }

// EventHandler handles resource events. It runs outside the client lock and
// may call back into the client.
type EventHandler func(Event)

// Listener is an attached event handler. While attached, it keeps its
// resource in the cache and subscribed.
type Listener struct {
	ID      uuid.UUID
	rid     string
	events  []string
	handler EventHandler
}

func newListener(rid string, handler EventHandler, events []string) *Listener {
	return &Listener{
		ID:      uuid.New(),
		rid:     rid,
		events:  slices.Clone(events),
		handler: handler,
	}
}

// ResourceID returns the ID of the resource the listener is attached to.
func (l *Listener) ResourceID() string { return l.rid }

// Events returns the event filter. An empty filter matches all events.
func (l *Listener) Events() []string { return slices.Clone(l.events) }

func (l *Listener) matches(event string) bool {
	return len(l.events) == 0 || slices.Contains(l.events, event)
}

// emit queues ev for the listeners of ci that match it. Must be called with
// c.mu held; handlers run once the lock is released.
func (c *Client) emit(ci *cacheItem, ev Event) {
	var targets []*Listener
	for _, l := range ci.listeners {
		if l.handler != nil && l.matches(ev.Name()) {
			targets = append(targets, l)
		}
	}
	if len(targets) == 0 {
		return
	}
	c.enqueue(func() {
		for _, l := range targets {
			l.handler(ev)
		}
	})
}

// enqueue queues f to run after the client lock is released.
func (c *Client) enqueue(f func()) {
	c.queued = append(c.queued, f)
}

// unlock releases the client lock and runs the callbacks queued while it
// was held, in order.
func (c *Client) unlock() {
	q := c.queued
	c.queued = nil
	c.mu.Unlock()
	for _, f := range q {
		f()
	}
}

func (c *Client) emitConnect() {
	sinks := slices.Clone(c.sinks)
	c.enqueue(func() {
		for _, s := range sinks {
			s.OnConnect()
		}
	})
}

func (c *Client) emitDisconnect(err error) {
	sinks := slices.Clone(c.sinks)
	c.enqueue(func() {
		for _, s := range sinks {
			s.OnDisconnect(err)
		}
	})
}

func (c *Client) emitError(err error) {
	sinks := slices.Clone(c.sinks)
	c.enqueue(func() {
		for _, s := range sinks {
			s.OnError(err)
		}
	})
}
