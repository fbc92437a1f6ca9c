package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/omniviewdev/resclient/pkg/v1/resource"
)

var _ resource.ClientEventSink = (*printer)(nil)

// printer writes one line per resource, event and connection change.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) Resource(r resource.Resource) {
	b, err := json.Marshal(r)
	if err != nil {
		p.printf("%s !marshal: %v\n", r.ResourceID(), err)
		return
	}
	p.printf("%s %s\n", r.ResourceID(), b)
}

func (p *printer) Event(ev resource.Event) {
	rid := "?"
	if t := ev.Target(); t != nil {
		rid = t.ResourceID()
	}
	b, err := json.Marshal(describe(ev))
	if err != nil {
		p.printf("%s.%s !marshal: %v\n", rid, ev.Name(), err)
		return
	}
	p.printf("%s.%s %s\n", rid, ev.Name(), b)
}

func (p *printer) OnConnect() { p.printf("# connected\n") }

func (p *printer) OnDisconnect(err error) { p.printf("# disconnected: %v\n", err) }

func (p *printer) OnError(err error) { p.printf("# error: %v\n", err) }

// describe returns the event payload in its wire shape.
func describe(ev resource.Event) any {
	switch e := ev.(type) {
	case resource.ChangeEvent:
		values := make(map[string]any, len(e.Changed))
		for k := range e.Changed {
			v, ok := e.Model.Get(k)
			if !ok {
				v = resource.Undefined{}
			}
			values[k] = wireValue(v)
		}
		return map[string]any{"values": values}
	case resource.AddEvent:
		return map[string]any{"value": wireValue(e.Item), "idx": e.Index}
	case resource.RemoveEvent:
		return map[string]any{"idx": e.Index}
	case resource.UnsubscribeEvent:
		if e.Reason == nil {
			return map[string]any{}
		}
		return map[string]any{"reason": map[string]any{"code": e.Reason.Code, "message": e.Reason.Message}}
	case resource.CustomEvent:
		if len(e.Data) == 0 {
			return nil
		}
		return e.Data
	}
	return nil
}

func wireValue(v any) any {
	switch val := v.(type) {
	case resource.Resource:
		return map[string]any{"rid": val.ResourceID()}
	case resource.Undefined:
		return map[string]any{"action": "delete"}
	default:
		return v
	}
}
