package resource

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// resourceSet is the resource envelope carried by subscribe, get, call and
// new responses, and by change and add events.
type resourceSet struct {
	Models      map[string]map[string]any `json:"models"`
	Collections map[string][]any          `json:"collections"`
	Errors      map[string]*wireError     `json:"errors"`
}

func (rs *resourceSet) empty() bool {
	return len(rs.Models) == 0 && len(rs.Collections) == 0 && len(rs.Errors) == 0
}

// cacheResources decodes a resource envelope and applies it to the cache.
// Unknown resources are created and initialized; resources that are already
// cached have gone stale and are synchronized instead.
func (c *Client) cacheResources(raw []byte) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var rs resourceSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return protocolError("invalid resource set: %v", err)
	}
	return c.applyResources(&rs)
}

func (c *Client) applyResources(rs *resourceSet) error {
	if rs.empty() {
		return nil
	}

	var syncModels, syncCollections []*cacheItem
	var initModels, initCollections []*cacheItem

	for _, rid := range sortedKeys(rs.Models) {
		ci, fresh := c.cacheItemFor(rid, KindModel)
		switch {
		case ci == nil:
		case fresh:
			ci.item = c.models.Lookup(rid)(c, rid)
			initModels = append(initModels, ci)
		default:
			syncModels = append(syncModels, ci)
		}
	}
	for _, rid := range sortedKeys(rs.Collections) {
		ci, fresh := c.cacheItemFor(rid, KindCollection)
		switch {
		case ci == nil:
		case fresh:
			ci.item = c.collections.Lookup(rid)(c, rid)
			initCollections = append(initCollections, ci)
		default:
			syncCollections = append(syncCollections, ci)
		}
	}
	for _, rid := range sortedKeys(rs.Errors) {
		ci, fresh := c.cacheItemFor(rid, KindError)
		if ci != nil && fresh {
			ci.item = newErrorResource(rid, rs.Errors[rid])
		}
	}

	for _, ci := range initModels {
		props, err := c.prepareProps(rs.Models[ci.rid], true)
		if err != nil {
			return err
		}
		ci.item.(*Model).update(props, false)
	}
	for _, ci := range initCollections {
		list, err := c.prepareList(rs.Collections[ci.rid], true)
		if err != nil {
			return err
		}
		if err := ci.item.(*Collection).init(list); err != nil {
			return err
		}
	}

	for _, ci := range syncModels {
		if err := c.applyChange(ci, rs.Models[ci.rid], true); err != nil {
			return err
		}
	}
	for _, ci := range syncCollections {
		if err := c.syncCollection(ci, rs.Collections[ci.rid]); err != nil {
			return err
		}
	}
	return nil
}

// cacheItemFor returns the entry for rid, creating it if needed. fresh is
// true when the entry has no resource yet. A nil entry means the cached
// resource is of a different kind and the data must be ignored.
func (c *Client) cacheItemFor(rid string, kind Kind) (ci *cacheItem, fresh bool) {
	ci = c.cache[rid]
	if ci == nil {
		ci = newCacheItem(rid)
		c.cache[rid] = ci
		return ci, true
	}
	delete(c.stale, rid)
	if ci.item == nil {
		return ci, true
	}
	if ci.kind() != kind {
		c.logger.Error("resource type inconsistency",
			zapRID(rid), zap.Stringer("cached", ci.kind()), zap.Stringer("received", kind))
		return nil, false
	}
	return ci, false
}

func (c *Client) prepareProps(data map[string]any, addIndirect bool) (map[string]any, error) {
	props := make(map[string]any, len(data))
	for _, k := range sortedKeys(data) {
		v, err := c.prepareValue(data[k], addIndirect)
		if err != nil {
			return nil, err
		}
		props[k] = v
	}
	return props, nil
}

func (c *Client) prepareList(data []any, addIndirect bool) ([]any, error) {
	list := make([]any, len(data))
	for i, v := range data {
		pv, err := c.prepareValue(v, addIndirect)
		if err != nil {
			return nil, err
		}
		list[i] = pv
	}
	return list, nil
}

// applyChange updates the model of ci with raw wire values and adjusts the
// indirect counts of resources that were referenced or dereferenced.
func (c *Client) applyChange(ci *cacheItem, values map[string]any, reset bool) error {
	m, ok := ci.item.(*Model)
	if !ok {
		return protocolError("change for %q which is not a model", ci.rid)
	}
	props, err := c.prepareProps(values, false)
	if err != nil {
		return err
	}
	changed := m.update(props, reset)
	if changed == nil {
		return nil
	}

	deltas := make(map[string]int)
	for k, old := range changed {
		if r, ok := old.(Resource); ok {
			deltas[r.ResourceID()]--
		}
		if r, ok := m.props[k].(Resource); ok {
			deltas[r.ResourceID()]++
		}
	}
	for _, rid := range sortedKeys(deltas) {
		d := deltas[rid]
		if d == 0 {
			continue
		}
		ref := c.cache[rid]
		if ref == nil {
			return protocolError("referenced resource %q is not cached", rid)
		}
		ref.addIndirect(d)
		if d < 0 {
			c.releaseRef(ref)
		}
	}

	c.emit(ci, ChangeEvent{Model: m, Changed: changed})
	return nil
}

// syncCollection brings a stale collection in line with data, emitting the
// add and remove events that lead there.
func (c *Client) syncCollection(ci *cacheItem, data []any) error {
	col, ok := ci.item.(*Collection)
	if !ok {
		return protocolError("sync for %q which is not a collection", ci.rid)
	}
	target, err := c.prepareList(data, false)
	if err != nil {
		return err
	}
	current := append([]any(nil), col.list...)

	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	// Removed resources are released once the diff is applied, as a moved
	// resource is removed before it is added back.
	var removed []*cacheItem
	patchDiff(current, target,
		func(bi, idx int) { keep(c.applyAdd(ci, data[bi], idx)) },
		func(idx int) {
			ref, err := c.removeAt(ci, idx)
			keep(err)
			if ref != nil {
				removed = append(removed, ref)
			}
		},
	)
	for _, ref := range removed {
		c.releaseRef(ref)
	}
	return firstErr
}

func (c *Client) applyAdd(ci *cacheItem, raw any, idx int) error {
	col, ok := ci.item.(*Collection)
	if !ok {
		return protocolError("add for %q which is not a collection", ci.rid)
	}
	v, err := c.prepareValue(raw, true)
	if err != nil {
		return err
	}
	if err := col.add(v, idx); err != nil {
		if r, ok := v.(Resource); ok {
			ref := c.cache[r.ResourceID()]
			ref.addIndirect(-1)
			c.releaseRef(ref)
		}
		return err
	}
	c.emit(ci, AddEvent{Collection: col, Item: v, Index: idx})
	return nil
}

func (c *Client) applyRemove(ci *cacheItem, idx int) error {
	ref, err := c.removeAt(ci, idx)
	if ref != nil {
		c.releaseRef(ref)
	}
	return err
}

// removeAt removes the value at idx and drops the reference it held, if
// any. The caller releases the returned entry.
func (c *Client) removeAt(ci *cacheItem, idx int) (*cacheItem, error) {
	col, ok := ci.item.(*Collection)
	if !ok {
		return nil, protocolError("remove for %q which is not a collection", ci.rid)
	}
	v, err := col.remove(idx)
	if err != nil {
		return nil, err
	}
	c.emit(ci, RemoveEvent{Collection: col, Item: v, Index: idx})

	r, ok := v.(Resource)
	if !ok {
		return nil, nil
	}
	ref := c.cache[r.ResourceID()]
	if ref == nil {
		return nil, protocolError("removed resource %q is not cached", r.ResourceID())
	}
	ref.addIndirect(-1)
	return ref, nil
}

type changeEventData struct {
	resourceSet
	Values map[string]any `json:"values"`
}

type addEventData struct {
	resourceSet
	Value any  `json:"value"`
	Idx   *int `json:"idx"`
}

type removeEventData struct {
	Idx *int `json:"idx"`
}

type unsubscribeEventData struct {
	Reason *wireError `json:"reason"`
}

// handleEvent applies an event message to the cache.
func (c *Client) handleEvent(name string, data json.RawMessage) error {
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 || dot == len(name)-1 {
		return protocolError("malformed event name %q", name)
	}
	rid, event := name[:dot], name[dot+1:]

	ci := c.cache[rid]
	if ci == nil {
		return protocolError("event %q for resource not in cache", name)
	}

	switch event {
	case EventChange:
		if ci.kind() == KindModel {
			return c.handleChangeEvent(ci, data)
		}
	case EventAdd:
		if ci.kind() == KindCollection {
			return c.handleAddEvent(ci, data)
		}
	case EventRemove:
		if ci.kind() == KindCollection {
			return c.handleRemoveEvent(ci, data)
		}
	case EventUnsubscribe:
		return c.handleUnsubscribeEvent(ci, data)
	}

	c.emit(ci, CustomEvent{Resource: ci.item, Event: event, Data: data})
	return nil
}

func (c *Client) handleChangeEvent(ci *cacheItem, data json.RawMessage) error {
	var ev changeEventData
	if err := json.Unmarshal(data, &ev); err != nil {
		return protocolError("invalid change event for %q: %v", ci.rid, err)
	}
	if err := c.applyResources(&ev.resourceSet); err != nil {
		return err
	}
	return c.applyChange(ci, ev.Values, false)
}

func (c *Client) handleAddEvent(ci *cacheItem, data json.RawMessage) error {
	var ev addEventData
	if err := json.Unmarshal(data, &ev); err != nil {
		return protocolError("invalid add event for %q: %v", ci.rid, err)
	}
	if ev.Idx == nil {
		return protocolError("add event for %q without index", ci.rid)
	}
	if err := c.applyResources(&ev.resourceSet); err != nil {
		return err
	}
	return c.applyAdd(ci, ev.Value, *ev.Idx)
}

func (c *Client) handleRemoveEvent(ci *cacheItem, data json.RawMessage) error {
	var ev removeEventData
	if err := json.Unmarshal(data, &ev); err != nil {
		return protocolError("invalid remove event for %q: %v", ci.rid, err)
	}
	if ev.Idx == nil {
		return protocolError("remove event for %q without index", ci.rid)
	}
	return c.applyRemove(ci, *ev.Idx)
}

func (c *Client) handleUnsubscribeEvent(ci *cacheItem, data json.RawMessage) error {
	var ev unsubscribeEventData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev); err != nil {
			return protocolError("invalid unsubscribe event for %q: %v", ci.rid, err)
		}
	}
	var reason *Error
	if ev.Reason != nil {
		reason = newError(ci.rid, "", nil, ev.Reason)
	}
	c.dropSubscription(ci, reason)
	return nil
}

// dropSubscription handles the loss of every subscription on ci.
func (c *Client) dropSubscription(ci *cacheItem, reason *Error) {
	ci.addSubscribed(0)
	item := ci.item
	c.tryDelete(ci)
	c.emit(ci, UnsubscribeEvent{Resource: item, Reason: reason})
}
