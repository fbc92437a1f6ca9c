package resource

import (
	"context"

	"go.uber.org/zap"
)

type refStatus int

const (
	refNone refStatus = iota
	refDelete
	refKeep
	refStale
)

func (s refStatus) String() string {
	switch s {
	case refDelete:
		return "delete"
	case refKeep:
		return "keep"
	case refStale:
		return "stale"
	default:
		return "none"
	}
}

type refState struct {
	ci *cacheItem
	// rc is the number of references to ci from outside the traversed graph.
	rc int
	st refStatus
}

// mark is the traversal state of the marking pass: either deleting, or
// keeping everything reachable because keeper is retained.
type mark struct {
	deleting bool
	keeper   string
}

type visitFunc func(refs map[string]*refState, ci *cacheItem, m mark) (mark, bool)

// refStates works out what should happen to ci, and every unsubscribed
// resource reachable from it, if ci stopped being needed.
//
// The first pass counts, for each reachable resource, the references coming
// from outside the reachable graph. The second pass walks again from ci:
// resources with outside references are kept along with everything below
// them, resources that only have listeners become stale (one per cycle), and
// the rest are deleted. Subscribed resources are never descended into.
//
// Must be called with c.mu held.
func (c *Client) refStates(ci *cacheItem) map[string]*refState {
	refs := make(map[string]*refState)
	if ci.subscribed > 0 {
		return refs
	}
	refs[ci.rid] = &refState{ci: ci, rc: ci.indirect}
	c.traverse(refs, ci, seekRefs, mark{}, true)
	c.traverse(refs, ci, markDelete, mark{deleting: true}, false)
	return refs
}

func (c *Client) traverse(refs map[string]*refState, ci *cacheItem, visit visitFunc, m mark, skipFirst bool) {
	if !skipFirst {
		var descend bool
		m, descend = visit(refs, ci, m)
		if !descend {
			return
		}
	}
	c.forEachRef(ci, func(ref *cacheItem) {
		c.traverse(refs, ref, visit, m, false)
	})
}

// forEachRef calls f for every hard reference held by ci, once per
// occurrence, in a stable order.
func (c *Client) forEachRef(ci *cacheItem, f func(*cacheItem)) {
	switch item := ci.item.(type) {
	case *Model:
		for _, k := range sortedKeys(item.props) {
			if ref := c.refItem(item.props[k]); ref != nil {
				f(ref)
			}
		}
	case *Collection:
		for _, v := range item.list {
			if ref := c.refItem(v); ref != nil {
				f(ref)
			}
		}
	case *ErrorResource, nil:
	}
}

func (c *Client) refItem(v any) *cacheItem {
	r, ok := v.(Resource)
	if !ok {
		return nil
	}
	return c.cache[r.ResourceID()]
}

// seekRefs records each reachable resource once. Revisits are references
// from inside the graph and are subtracted from the outside count.
func seekRefs(refs map[string]*refState, ci *cacheItem, m mark) (mark, bool) {
	if ci.subscribed > 0 {
		return m, false
	}
	if r, ok := refs[ci.rid]; ok {
		r.rc--
		return m, false
	}
	refs[ci.rid] = &refState{ci: ci, rc: ci.indirect - 1}
	return m, true
}

func markDelete(refs map[string]*refState, ci *cacheItem, m mark) (mark, bool) {
	if ci.subscribed > 0 {
		return m, false
	}
	r := refs[ci.rid]
	if r == nil || r.st == refKeep {
		return m, false
	}

	if m.deleting {
		if r.rc > 0 {
			r.st = refKeep
			return mark{keeper: ci.rid}, true
		}
		if r.st != refNone {
			return m, false
		}
		if ci.direct > 0 {
			r.st = refStale
			return mark{keeper: ci.rid}, true
		}
		r.st = refDelete
		return m, true
	}

	// Reached from a retained resource.
	if ci.rid == m.keeper {
		return m, false
	}
	r.st = refKeep
	if r.rc > 0 {
		return mark{keeper: ci.rid}, true
	}
	return m, true
}

// tryDelete evicts ci and whatever it alone kept alive, and marks resources
// that only listeners still need as stale. Must be called with c.mu held.
func (c *Client) tryDelete(ci *cacheItem) {
	if c.cache[ci.rid] != ci {
		return
	}
	refs := c.refStates(ci)
	for _, rid := range sortedKeys(refs) {
		r := refs[rid]
		switch r.st {
		case refStale:
			c.setStale(r.ci)
		case refDelete:
			c.deleteRef(r.ci)
		}
	}
}

func (c *Client) deleteRef(ci *cacheItem) {
	c.forEachRef(ci, func(ref *cacheItem) {
		ref.addIndirect(-1)
		if ref.subscribed > 0 {
			c.checkUnsubscribe(ref)
		}
	})
	ci.cancelUnsubscribe()
	delete(c.cache, ci.rid)
	delete(c.stale, ci.rid)
	c.logger.Debug("evicted resource", zapRID(ci.rid))
}

// releaseRef re-evaluates ci after a listener or a reference to it went away.
func (c *Client) releaseRef(ci *cacheItem) {
	if ci.subscribed > 0 {
		c.checkUnsubscribe(ci)
		return
	}
	c.tryDelete(ci)
}

// checkUnsubscribe arms the unsubscribe timer of an unreferenced subscribed
// entry, and evicts an unreferenced unsubscribed one.
func (c *Client) checkUnsubscribe(ci *cacheItem) {
	if !ci.unreferenced() || ci.unsub != nil || ci.unsubscribing > 0 {
		return
	}
	if ci.subscribed > 0 {
		ci.armUnsubscribe(c.clock, c.cfg.UnsubscribeDelay, c.onUnsubscribeTimer)
		return
	}
	c.tryDelete(ci)
}

func (c *Client) onUnsubscribeTimer(ci *cacheItem, t *unsubscribeTimer) {
	c.mu.Lock()
	defer c.unlock()
	if ci.unsub != t {
		return
	}
	ci.unsub = nil
	if c.cache[ci.rid] != ci || !ci.unreferenced() {
		return
	}
	c.unsubscribe(ci)
}

// unsubscribe releases every subscription held on ci. Stale resources that
// would lose their only path to the server are subscribed first.
func (c *Client) unsubscribe(ci *cacheItem) {
	if ci.subscribed == 0 {
		if _, ok := c.stale[ci.rid]; ok {
			c.tryDelete(ci)
		}
		return
	}
	c.subscribeReferred(ci)

	n := ci.subscribed
	if c.protocol.SupportsUnsubscribeCount() {
		c.sendUnsubscribe(ci, n)
		return
	}
	for i := 0; i < n; i++ {
		c.sendUnsubscribe(ci, 1)
	}
}

func (c *Client) sendUnsubscribe(ci *cacheItem, count int) {
	var params any
	if count > 1 {
		params = map[string]int{"count": count}
	}
	ci.unsubscribing++
	err := c.send(context.Background(), actionUnsubscribe, ci.rid, "", params, func(_ []byte, err error) {
		ci.unsubscribing--
		if err != nil {
			c.logger.Debug("unsubscribe failed", zapRID(ci.rid), zap.Error(err))
		}
		// The subscription is gone either way. The count may already have
		// been reset by an unsubscribe event or a disconnect.
		ci.addSubscribed(-min(count, ci.subscribed))
		switch {
		case ci.subscribed == 0:
			c.tryDelete(ci)
		case ci.unsubscribing == 0:
			c.checkUnsubscribe(ci)
		}
	})
	if err != nil {
		ci.unsubscribing--
		c.logger.Warn("failed to send unsubscribe", zapRID(ci.rid), zap.Error(err))
	}
}

// subscribeReferred subscribes the resources that would turn stale once ci
// is unsubscribed.
func (c *Client) subscribeReferred(ci *cacheItem) {
	n := ci.subscribed
	ci.subscribed = 0
	refs := c.refStates(ci)
	ci.subscribed = n

	for _, rid := range sortedKeys(refs) {
		if r := refs[rid]; r.st == refStale {
			c.subscribe(context.Background(), r.ci, false)
		}
	}
}

// setStale records that ci lost its subscription while listeners still
// need it, and schedules a resubscribe if connected.
func (c *Client) setStale(ci *cacheItem) {
	c.stale[ci.rid] = struct{}{}
	if c.state != stateConnected {
		return
	}
	rid := ci.rid
	c.clock.AfterFunc(c.cfg.SubscribeStaleDelay, func() {
		c.mu.Lock()
		defer c.unlock()
		c.subscribeToStale(rid)
	})
}

func (c *Client) subscribeToStale(rid string) {
	if c.state != stateConnected {
		return
	}
	if _, ok := c.stale[rid]; !ok {
		return
	}
	ci := c.cache[rid]
	if ci == nil {
		delete(c.stale, rid)
		return
	}
	c.subscribe(context.Background(), ci, false)
}

func (c *Client) subscribeToAllStale() {
	for _, rid := range sortedKeys(c.stale) {
		c.subscribeToStale(rid)
	}
}
