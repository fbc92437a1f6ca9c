package resource

import (
	"context"
	"encoding/json"
	"sort"
)

// ModelFactory creates the model instance stored in the cache for rid.
// It is called while the client holds its lock and must not call back into
// the client or read from other resources.
type ModelFactory func(c *Client, rid string) *Model

// Model is a cached RES model: a set of named properties. Its properties
// are only modified by the client as events arrive; the accessors are safe
// for concurrent use.
type Model struct {
	rid    string
	client *Client
	props  map[string]any
}

// NewModel is the default ModelFactory.
func NewModel(c *Client, rid string) *Model {
	return &Model{rid: rid, client: c, props: make(map[string]any)}
}

func (m *Model) ResourceID() string { return m.rid }
func (m *Model) Kind() Kind         { return KindModel }
func (*Model) isResource()          {}

// Client returns the client that owns the model.
func (m *Model) Client() *Client { return m.client }

func (m *Model) rlock() func() {
	if m.client == nil {
		return func() {}
	}
	m.client.mu.RLock()
	return m.client.mu.RUnlock
}

// Get returns the value of a property. Hard references are returned as the
// referenced Resource and soft references as *Ref.
func (m *Model) Get(key string) (any, bool) {
	defer m.rlock()()
	v, ok := m.props[key]
	return v, ok
}

// Props returns a copy of all properties.
func (m *Model) Props() map[string]any {
	defer m.rlock()()
	out := make(map[string]any, len(m.props))
	for k, v := range m.props {
		out[k] = v
	}
	return out
}

// Keys returns the property names in sorted order.
func (m *Model) Keys() []string {
	defer m.rlock()()
	return sortedKeys(m.props)
}

// Len returns the number of properties.
func (m *Model) Len() int {
	defer m.rlock()()
	return len(m.props)
}

// On attaches a listener for the model's events. See Client.ResourceOn.
func (m *Model) On(handler EventHandler, events ...string) (*Listener, error) {
	return m.client.ResourceOn(m.rid, handler, events...)
}

// Off removes a listener attached with On.
func (m *Model) Off(l *Listener) error {
	return m.client.ResourceOff(l)
}

// Set asks the service to update the model's properties.
// Pass Undefined{} as a value to delete a property.
func (m *Model) Set(ctx context.Context, props map[string]any) error {
	return m.client.SetModel(ctx, m.rid, props)
}

// Call invokes a call method on the model.
func (m *Model) Call(ctx context.Context, method string, params any) (*Result, error) {
	return m.client.Call(ctx, m.rid, method, params)
}

// Auth invokes an auth method on the model.
func (m *Model) Auth(ctx context.Context, method string, params any) (*Result, error) {
	return m.client.Auth(ctx, m.rid, method, params)
}

// MarshalJSON encodes the properties. Nested resources are encoded as
// references rather than inlined.
func (m *Model) MarshalJSON() ([]byte, error) {
	defer m.rlock()()
	return json.Marshal(encodeProps(m.props))
}

// DecodeModel decodes the properties of m into a value of type T.
func DecodeModel[T any](m *Model) (T, error) {
	var out T
	b, err := json.Marshal(m)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(b, &out)
	return out, err
}

// update applies props to the model and returns the previous values of the
// properties that changed, or nil if nothing changed. Undefined values delete
// properties. With reset, properties missing from props are deleted too.
func (m *Model) update(props map[string]any, reset bool) map[string]any {
	if reset {
		merged := make(map[string]any, len(props)+len(m.props))
		for k := range m.props {
			merged[k] = Undefined{}
		}
		for k, v := range props {
			merged[k] = v
		}
		props = merged
	}

	var changed map[string]any
	for k, v := range props {
		old, ok := m.props[k]
		if !ok {
			old = Undefined{}
		}
		if Equal(old, v) {
			continue
		}
		if changed == nil {
			changed = make(map[string]any)
		}
		changed[k] = old
		if isUndefined(v) {
			delete(m.props, k)
		} else {
			m.props[k] = v
		}
	}
	return changed
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
