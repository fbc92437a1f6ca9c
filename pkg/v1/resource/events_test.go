package resource_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	resource "github.com/omniviewdev/resclient/pkg/v1/resource"
	"github.com/omniviewdev/resclient/pkg/v1/resource/resourcetest"
)

// callAsync runs f on its own goroutine so the test can answer its request.
func callAsync[T any](t *testing.T, f func(ctx context.Context) (T, error)) <-chan getResultOf[T] {
	ctx := testCtx(t)
	ch := make(chan getResultOf[T], 1)
	go func() {
		v, err := f(ctx)
		ch <- getResultOf[T]{v, err}
	}()
	return ch
}

type getResultOf[T any] struct {
	v   T
	err error
}

func TestCall_Payload(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)

	ch := callAsync(t, func(ctx context.Context) (*resource.Result, error) {
		return c.Call(ctx, "service.model", "add", obj{"a": 1, "b": 2})
	})
	req := srv.ExpectRequest(t, "call.service.model.add", wait)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(req.Params))
	srv.Respond(t, req, obj{"payload": obj{"sum": 3}})

	res := recv(t, ch)
	require.NoError(t, res.err)
	assert.Nil(t, res.v.Resource)
	assert.JSONEq(t, `{"sum":3}`, string(res.v.Payload))
}

func TestCall_Error(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)

	ch := callAsync(t, func(ctx context.Context) (*resource.Result, error) {
		return c.Auth(ctx, "service.auth", "login", obj{"password": "nope"})
	})
	srv.RespondError(t, srv.ExpectRequest(t, "auth.service.auth.login", wait), "system.accessDenied", "Access denied")

	res := recv(t, ch)
	var rerr *resource.Error
	require.ErrorAs(t, res.err, &rerr)
	assert.Equal(t, "system.accessDenied", rerr.Code)
	assert.Equal(t, "Access denied", rerr.Message)
	assert.Equal(t, "service.auth", rerr.RID)
	assert.Equal(t, "login", rerr.Method)
	assert.Equal(t, obj{"password": "nope"}, rerr.Params)
}

func TestCall_InvalidArguments(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)
	ctx := testCtx(t)

	_, err := c.Call(ctx, "", "method", nil)
	assert.ErrorIs(t, err, resource.ErrInvalidRID)
	_, err = c.Call(ctx, "service.model", "", nil)
	assert.ErrorIs(t, err, resource.ErrInvalidMethod)
	_, err = c.Auth(ctx, "service.auth", "", nil)
	assert.ErrorIs(t, err, resource.ErrInvalidMethod)
	assert.Zero(t, srv.Dials(), "invalid requests do not connect")
}

func TestCall_ReturnsResource(t *testing.T) {
	c, srv, clock := newTestClient(t, nil)

	ch := callAsync(t, func(ctx context.Context) (*resource.Result, error) {
		return c.Call(ctx, "service.list", "newest", nil)
	})
	srv.Respond(t, srv.ExpectRequest(t, "call.service.list.newest", wait), obj{
		"rid":    "service.item.9",
		"models": obj{"service.item.9": obj{"id": 9}},
	})

	res := recv(t, ch)
	require.NoError(t, res.err)
	m, ok := res.v.Resource.(*resource.Model)
	require.True(t, ok)
	assert.Equal(t, "service.item.9", m.ResourceID())
	st := cacheState(t, c, "service.item.9")
	assert.Equal(t, 1, st.Subscribed)
	assert.True(t, st.TimerArmed)

	clock.Advance(resource.DefaultUnsubscribeDelay)
	srv.ExpectRequest(t, "unsubscribe.service.item.9", wait)
}

func TestCreate(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)

	ch := callAsync(t, func(ctx context.Context) (resource.Resource, error) {
		return c.Create(ctx, "service.list", obj{"name": "new"})
	})
	req := srv.ExpectRequest(t, "new.service.list", wait)
	assert.JSONEq(t, `{"name":"new"}`, string(req.Params))
	srv.Respond(t, req, obj{
		"rid":    "service.item.3",
		"models": obj{"service.item.3": obj{"name": "new"}},
	})

	res := recv(t, ch)
	require.NoError(t, res.err)
	m := res.v.(*resource.Model)
	v, _ := m.Get("name")
	assert.Equal(t, "new", v)
	assert.Equal(t, 1, cacheState(t, c, "service.item.3").Subscribed)
}

func TestCreate_InvalidResult(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)

	ch := callAsync(t, func(ctx context.Context) (resource.Resource, error) {
		return c.Create(ctx, "service.list", nil)
	})
	srv.Respond(t, srv.ExpectRequest(t, "new.service.list", wait), obj{"payload": 1})

	assert.ErrorIs(t, recv(t, ch).err, resource.ErrProtocol)
}

func TestModelSet(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)
	m := fetchModel(t, c, srv, "service.a", obj{"models": obj{
		"service.a": obj{"name": "a"},
		"service.b": obj{},
	}})

	b := resource.NewRef(c, "service.b")
	ch := callAsync(t, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.Set(ctx, map[string]any{
			"name":  "renamed",
			"old":   resource.Undefined{},
			"other": b,
			"self":  m,
		})
	})
	req := srv.ExpectRequest(t, "call.service.a.set", wait)
	assert.JSONEq(t, `{
		"name": "renamed",
		"old": {"action": "delete"},
		"other": {"rid": "service.b", "soft": true},
		"self": {"rid": "service.a"}
	}`, string(req.Params))
	srv.Respond(t, req, nil)
	require.NoError(t, recv(t, ch).err)
}

func TestChangeEvent_AddsReferences(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)
	m := fetchModel(t, c, srv, "service.a", obj{"models": obj{"service.a": obj{"n": 1}}})
	h := resourcetest.NewRecordingHandler()
	_, err := m.On(h.Handle)
	require.NoError(t, err)

	srv.Event(t, "service.a.change", obj{
		"values": obj{"n": 2, "c": obj{"rid": "service.c"}, "link": obj{"rid": "service.d", "soft": true}, "json": obj{"data": obj{"x": 1}}},
		"models": obj{"service.c": obj{"y": 2}},
	})

	require.Equal(t, 1, h.Count())
	ev := h.Events()[0].(resource.ChangeEvent)
	assert.Same(t, m, ev.Model)
	assert.Equal(t, map[string]any{
		"n":    float64(1),
		"c":    resource.Undefined{},
		"link": resource.Undefined{},
		"json": resource.Undefined{},
	}, ev.Changed)

	cm, _ := m.Get("c")
	require.IsType(t, &resource.Model{}, cm)
	assert.Equal(t, 1, cacheState(t, c, "service.c").Indirect)

	link, _ := m.Get("link")
	ref, ok := link.(*resource.Ref)
	require.True(t, ok)
	assert.Equal(t, "service.d", ref.RID())
	assert.False(t, c.Cached("service.d"), "soft references are not fetched")

	data, _ := m.Get("json")
	assert.Equal(t, map[string]any{"x": float64(1)}, data)

	// Unchanged values produce no event.
	srv.Event(t, "service.a.change", obj{"values": obj{"n": 2, "json": obj{"data": obj{"x": 1}}}})
	assert.Equal(t, 1, h.Count())

	srv.Event(t, "service.a.change", obj{"values": obj{"n": obj{"action": "delete"}}})
	require.Equal(t, 2, h.Count())
	_, ok = m.Get("n")
	assert.False(t, ok)
}

func TestAddEvent(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)
	col := fetch(t, c, srv, "service.list", obj{"collections": obj{"service.list": []any{"a"}}}).(*resource.Collection)
	h := resourcetest.NewRecordingHandler()
	_, err := col.On(h.Handle, resource.EventAdd)
	require.NoError(t, err)

	srv.Event(t, "service.list.add", obj{
		"value":  obj{"rid": "service.item.1"},
		"idx":    0,
		"models": obj{"service.item.1": obj{"id": 1}},
	})

	require.Equal(t, 1, h.Count())
	ev := h.Events()[0].(resource.AddEvent)
	assert.Equal(t, 0, ev.Index)
	item, _ := col.At(0)
	assert.Same(t, item, ev.Item)
	assert.Equal(t, 2, col.Len())
	assert.Equal(t, 1, cacheState(t, c, "service.item.1").Indirect)

	// Filtered out.
	srv.Event(t, "service.list.remove", obj{"idx": 1})
	assert.Equal(t, 1, h.Count())
	assert.Equal(t, 1, col.Len())
}

func TestAddEvent_InvalidIndex(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)
	sink := resourcetest.NewRecordingSink()
	c.AddListener(sink)
	col := fetch(t, c, srv, "service.list", obj{"collections": obj{"service.list": []any{}}}).(*resource.Collection)

	srv.Event(t, "service.list.add", obj{"value": "x", "idx": 5})
	assert.Equal(t, 1, sink.ErrorCount())
	assert.Zero(t, col.Len())
}

func TestAddEvent_InvalidIndexReleasesModel(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)
	col := fetch(t, c, srv, "service.list", obj{"collections": obj{"service.list": []any{}}}).(*resource.Collection)

	srv.Event(t, "service.list.add", obj{
		"value":  obj{"rid": "service.item"},
		"idx":    5,
		"models": obj{"service.item": obj{"n": 1}},
	})
	assert.Zero(t, col.Len())
	assert.False(t, c.Cached("service.item"))
}

func TestCustomEvent(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)
	m := fetchModel(t, c, srv, "service.model", obj{"models": obj{"service.model": obj{}}})
	h := resourcetest.NewRecordingHandler()
	_, err := m.On(h.Handle, "ping")
	require.NoError(t, err)

	srv.Event(t, "service.model.ping", obj{"n": 1})
	srv.Event(t, "service.model.other", nil)

	require.Equal(t, 1, h.Count())
	ev := h.Events()[0].(resource.CustomEvent)
	assert.Equal(t, "ping", ev.Name())
	assert.Same(t, m, ev.Target())
	assert.JSONEq(t, `{"n":1}`, string(ev.Data))
}

func TestListenerFilter(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)
	m := fetchModel(t, c, srv, "service.model", obj{"models": obj{"service.model": obj{"n": 1}}})

	all := resourcetest.NewRecordingHandler()
	changes := resourcetest.NewRecordingHandler()
	l, err := m.On(all.Handle)
	require.NoError(t, err)
	_, err = m.On(changes.Handle, resource.EventChange)
	require.NoError(t, err)
	assert.Empty(t, l.Events())
	assert.Equal(t, "service.model", l.ResourceID())
	assert.Equal(t, 2, cacheState(t, c, "service.model").Direct)

	srv.Event(t, "service.model.change", obj{"values": obj{"n": 2}})
	srv.Event(t, "service.model.custom", nil)

	assert.Equal(t, 2, all.Count())
	assert.Equal(t, 1, changes.Count())
	assert.Len(t, all.Named(resource.EventChange), 1)
}

// A handler may call back into the client.
func TestHandlerReentrancy(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)
	m := fetchModel(t, c, srv, "service.model", obj{"models": obj{"service.model": obj{"n": 1}}})

	var seen any
	var l *resource.Listener
	l, err := m.On(func(ev resource.Event) {
		seen, _ = ev.Target().(*resource.Model).Get("n")
		assert.NoError(t, c.ResourceOff(l))
	})
	require.NoError(t, err)

	srv.Event(t, "service.model.change", obj{"values": obj{"n": 2}})
	assert.Equal(t, float64(2), seen)
	assert.Zero(t, cacheState(t, c, "service.model").Direct)
}
