package resource

import (
	"context"
	"encoding/json"
	"fmt"
)

// CollectionFactory creates the collection instance stored in the cache for
// rid. The same restrictions as for ModelFactory apply.
type CollectionFactory func(c *Client, rid string) *Collection

// IDFunc extracts the identity of a collection value. Values for which it
// returns false are not indexed.
type IDFunc func(v any) (string, bool)

// CollectionOption configures a collection created by NewCollection.
type CollectionOption func(*Collection)

// WithIDFunc indexes the collection values so they can be looked up with
// Collection.Get. Two values with the same ID in one collection is a
// protocol error.
func WithIDFunc(f IDFunc) CollectionOption {
	return func(c *Collection) { c.idFunc = f }
}

// IDByProperty returns an IDFunc that identifies model values by one of their
// properties.
func IDByProperty(key string) IDFunc {
	return func(v any) (string, bool) {
		m, ok := v.(*Model)
		if !ok {
			return "", false
		}
		id, ok := m.props[key]
		if !ok {
			return "", false
		}
		return fmt.Sprint(id), true
	}
}

// Collection is a cached RES collection: an ordered list of values.
type Collection struct {
	rid    string
	client *Client
	list   []any
	idFunc IDFunc
	ids    map[string]any
}

// NewCollection creates a collection. Wrapped in a closure it serves as a
// CollectionFactory; without options it is the default one.
func NewCollection(c *Client, rid string, opts ...CollectionOption) *Collection {
	col := &Collection{rid: rid, client: c}
	for _, opt := range opts {
		opt(col)
	}
	if col.idFunc != nil {
		col.ids = make(map[string]any)
	}
	return col
}

func (c *Collection) ResourceID() string { return c.rid }
func (c *Collection) Kind() Kind         { return KindCollection }
func (*Collection) isResource()          {}

// Client returns the client that owns the collection.
func (c *Collection) Client() *Client { return c.client }

func (c *Collection) rlock() func() {
	if c.client == nil {
		return func() {}
	}
	c.client.mu.RLock()
	return c.client.mu.RUnlock
}

// Len returns the number of values.
func (c *Collection) Len() int {
	defer c.rlock()()
	return len(c.list)
}

// At returns the value at idx.
func (c *Collection) At(idx int) (any, bool) {
	defer c.rlock()()
	if idx < 0 || idx >= len(c.list) {
		return nil, false
	}
	return c.list[idx], true
}

// Get returns the value with the given ID. It always fails for collections
// created without WithIDFunc.
func (c *Collection) Get(id string) (any, bool) {
	defer c.rlock()()
	v, ok := c.ids[id]
	return v, ok
}

// IndexOf returns the index of the first value equal to v, or -1.
func (c *Collection) IndexOf(v any) int {
	defer c.rlock()()
	for i, w := range c.list {
		if Equal(w, v) {
			return i
		}
	}
	return -1
}

// Items returns a copy of the values.
func (c *Collection) Items() []any {
	defer c.rlock()()
	return append([]any(nil), c.list...)
}

// On attaches a listener for the collection's events. See Client.ResourceOn.
func (c *Collection) On(handler EventHandler, events ...string) (*Listener, error) {
	return c.client.ResourceOn(c.rid, handler, events...)
}

// Off removes a listener attached with On.
func (c *Collection) Off(l *Listener) error {
	return c.client.ResourceOff(l)
}

// Call invokes a call method on the collection.
func (c *Collection) Call(ctx context.Context, method string, params any) (*Result, error) {
	return c.client.Call(ctx, c.rid, method, params)
}

// Auth invokes an auth method on the collection.
func (c *Collection) Auth(ctx context.Context, method string, params any) (*Result, error) {
	return c.client.Auth(ctx, c.rid, method, params)
}

// MarshalJSON encodes the values. Nested resources are encoded as references.
func (c *Collection) MarshalJSON() ([]byte, error) {
	defer c.rlock()()
	out := make([]any, len(c.list))
	for i, v := range c.list {
		out[i] = encodeValue(v)
	}
	return json.Marshal(out)
}

func (c *Collection) init(list []any) error {
	c.list = nil
	if c.ids != nil {
		c.ids = make(map[string]any)
	}
	for i, v := range list {
		if err := c.add(v, i); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) add(v any, idx int) error {
	if idx < 0 || idx > len(c.list) {
		return protocolError("add index %d out of range for %q with %d items", idx, c.rid, len(c.list))
	}
	if c.idFunc != nil {
		if id, ok := c.idFunc(v); ok {
			if _, dup := c.ids[id]; dup {
				return protocolError("duplicate id %q in collection %q", id, c.rid)
			}
			c.ids[id] = v
		}
	}
	c.list = append(c.list, nil)
	copy(c.list[idx+1:], c.list[idx:])
	c.list[idx] = v
	return nil
}

func (c *Collection) remove(idx int) (any, error) {
	if idx < 0 || idx >= len(c.list) {
		return nil, protocolError("remove index %d out of range for %q with %d items", idx, c.rid, len(c.list))
	}
	v := c.list[idx]
	c.list = append(c.list[:idx], c.list[idx+1:]...)
	if c.idFunc != nil {
		if id, ok := c.idFunc(v); ok {
			delete(c.ids, id)
		}
	}
	return v, nil
}
