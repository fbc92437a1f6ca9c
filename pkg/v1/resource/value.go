package resource

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind identifies the variant of a cached resource.
type Kind int

const (
	KindModel Kind = iota + 1
	KindCollection
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindModel:
		return "model"
	case KindCollection:
		return "collection"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Resource is a cached resource. The set of implementations is closed:
// *Model, *Collection and *ErrorResource.
type Resource interface {
	ResourceID() string
	Kind() Kind
	isResource()
}

// Undefined marks a model property that does not exist. It appears as the
// previous value in ChangeEvent.Changed for properties that were added, and
// can be passed to SetModel to delete a property.
type Undefined struct{}

func isUndefined(v any) bool {
	_, ok := v.(Undefined)
	return ok
}

// Ref is a soft reference to a resource. Unlike a hard reference, it does
// not keep the referenced resource in the cache.
type Ref struct {
	rid    string
	client *Client
}

// NewRef returns a soft reference to rid.
func NewRef(c *Client, rid string) *Ref {
	return &Ref{rid: rid, client: c}
}

// RID returns the referenced resource ID.
func (r *Ref) RID() string { return r.rid }

// Get fetches the referenced resource, subscribing to it if needed.
func (r *Ref) Get(ctx context.Context) (Resource, error) {
	if r.client == nil {
		return nil, fmt.Errorf("%w: reference to %q has no client", ErrResourceNotCached, r.rid)
	}
	return r.client.Get(ctx, r.rid)
}

// Equal reports whether other is a soft reference to the same resource.
func (r *Ref) Equal(other any) bool {
	o, ok := other.(*Ref)
	return ok && o != nil && o.rid == r.rid
}

func (r *Ref) String() string { return "ref:" + r.rid }

// MarshalJSON encodes the reference as a RES soft reference value.
func (r *Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRef{RID: r.rid, Soft: true})
}

type wireRef struct {
	RID  string `json:"rid"`
	Soft bool   `json:"soft,omitempty"`
}

type wireDelete struct {
	Action string `json:"action"`
}

// encodeValue converts a model property into its RES wire form.
func encodeValue(v any) any {
	switch val := v.(type) {
	case Resource:
		return wireRef{RID: val.ResourceID()}
	case Undefined:
		return wireDelete{Action: "delete"}
	default:
		return v
	}
}

func encodeProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = encodeValue(v)
	}
	return out
}

// prepareValue turns a decoded wire value into a property or collection
// value. Hard references resolve to the cached resource, whose indirect count
// is incremented when addIndirect is set. Must be called with c.mu held.
func (c *Client) prepareValue(v any, addIndirect bool) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if ridv, ok := val["rid"]; ok {
			rid, ok := ridv.(string)
			if !ok || rid == "" {
				return nil, protocolError("invalid reference value %v", val)
			}
			if soft, _ := val["soft"].(bool); soft {
				return NewRef(c, rid), nil
			}
			ci := c.cache[rid]
			if ci == nil || ci.item == nil {
				return nil, protocolError("reference to %q which is not cached", rid)
			}
			if addIndirect {
				ci.addIndirect(1)
			}
			return ci.item, nil
		}
		if data, ok := val["data"]; ok {
			return data, nil
		}
		if action, _ := val["action"].(string); action == "delete" {
			return Undefined{}, nil
		}
		return nil, protocolError("invalid value %v", val)
	case []any:
		return nil, protocolError("invalid value %v", val)
	default:
		return v, nil
	}
}
