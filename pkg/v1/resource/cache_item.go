package resource

import (
	"context"
	"time"
)

// cacheItem is the cache entry for one resource ID. All fields are guarded
// by the client lock.
type cacheItem struct {
	rid  string
	item Resource

	// direct counts attached listeners, indirect counts hard references from
	// other cached resources, and subscribed counts server subscriptions
	// held by this client.
	direct     int
	indirect   int
	subscribed int

	// unsubscribing counts unsubscribe requests awaiting a response.
	unsubscribing int

	pending   *pendingGet
	unsub     *unsubscribeTimer
	listeners []*Listener
}

// pendingGet is shared by all Get calls waiting for the first response for
// an entry.
type pendingGet struct {
	done chan struct{}
	item Resource
	err  error
}

type unsubscribeTimer struct {
	timer Timer
}

func newCacheItem(rid string) *cacheItem {
	return &cacheItem{rid: rid}
}

func (ci *cacheItem) kind() Kind {
	if ci.item == nil {
		return 0
	}
	return ci.item.Kind()
}

func (ci *cacheItem) setPending() *pendingGet {
	ci.pending = &pendingGet{done: make(chan struct{})}
	return ci.pending
}

// resolvePending completes the pending get, if any.
func (ci *cacheItem) resolvePending(err error) {
	p := ci.pending
	if p == nil {
		return
	}
	ci.pending = nil
	if err == nil && ci.item == nil {
		err = missingResourceError(ci.rid)
	}
	p.item, p.err = ci.item, err
	close(p.done)
}

func missingResourceError(rid string) error {
	return protocolError("response for %q did not contain the resource", rid)
}

func (p *pendingGet) wait(ctx context.Context) (Resource, error) {
	select {
	case <-p.done:
		return p.item, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ci *cacheItem) addDirect() {
	ci.cancelUnsubscribe()
	ci.direct++
}

// removeDirect decrements the listener count and reports whether it
// reached zero.
func (ci *cacheItem) removeDirect() bool {
	ci.direct--
	if ci.direct < 0 {
		panic(&InvariantError{RID: ci.rid, Counter: "direct", Value: ci.direct})
	}
	return ci.direct == 0
}

func (ci *cacheItem) addIndirect(n int) {
	ci.indirect += n
	if ci.indirect < 0 {
		panic(&InvariantError{RID: ci.rid, Counter: "indirect", Value: ci.indirect})
	}
	if n > 0 {
		ci.cancelUnsubscribe()
	}
}

// addSubscribed adds n to the subscription count. n == 0 resets the count.
func (ci *cacheItem) addSubscribed(n int) {
	if n == 0 {
		ci.subscribed = 0
	} else {
		ci.subscribed += n
	}
	if ci.subscribed < 0 {
		panic(&InvariantError{RID: ci.rid, Counter: "subscribed", Value: ci.subscribed})
	}
	if ci.subscribed == 0 {
		ci.cancelUnsubscribe()
	}
}

// unreferenced reports whether nothing in the process needs the resource.
func (ci *cacheItem) unreferenced() bool {
	return ci.direct == 0 && ci.indirect == 0
}

// armUnsubscribe schedules fire after d unless a timer is already armed.
func (ci *cacheItem) armUnsubscribe(clock Clock, d time.Duration, fire func(*cacheItem, *unsubscribeTimer)) {
	if ci.unsub != nil {
		return
	}
	t := &unsubscribeTimer{}
	ci.unsub = t
	t.timer = clock.AfterFunc(d, func() { fire(ci, t) })
}

// cancelUnsubscribe stops the armed timer and reports whether there was one.
func (ci *cacheItem) cancelUnsubscribe() bool {
	t := ci.unsub
	if t == nil {
		return false
	}
	ci.unsub = nil
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

func (ci *cacheItem) removeListener(l *Listener) bool {
	for i, x := range ci.listeners {
		if x == l {
			ci.listeners = append(ci.listeners[:i], ci.listeners[i+1:]...)
			return true
		}
	}
	return false
}
