package resource_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	resource "github.com/omniviewdev/resclient/pkg/v1/resource"
	"github.com/omniviewdev/resclient/pkg/v1/resource/resourcetest"
)

const wait = 2 * time.Second

type obj = map[string]any

func newTestClient(t *testing.T, srvOpts []resourcetest.FakeServerOption, opts ...resource.Option) (*resource.Client, *resourcetest.FakeServer, *resourcetest.FakeClock) {
	t.Helper()
	srv := resourcetest.NewFakeServer(srvOpts...)
	clock := resourcetest.NewFakeClock()
	c := resource.NewClient(srv, append([]resource.Option{resource.WithClock(clock)}, opts...)...)
	t.Cleanup(c.Disconnect)
	return c, srv, clock
}

// testCtx returns a context with a generous timeout for tests, preventing hangs.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type getResult struct {
	r   resource.Resource
	err error
}

func getAsync(t *testing.T, c *resource.Client, rid string) <-chan getResult {
	ctx := testCtx(t)
	ch := make(chan getResult, 1)
	go func() {
		r, err := c.Get(ctx, rid)
		ch <- getResult{r, err}
	}()
	return ch
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		t.Fatal("timed out waiting for result")
		var zero T
		return zero
	}
}

// fetch gets rid and answers the subscribe request with result.
func fetch(t *testing.T, c *resource.Client, srv *resourcetest.FakeServer, rid string, result any) resource.Resource {
	t.Helper()
	ch := getAsync(t, c, rid)
	req := srv.ExpectRequest(t, "subscribe."+rid, wait)
	srv.Respond(t, req, result)
	res := recv(t, ch)
	require.NoError(t, res.err)
	return res.r
}

func fetchModel(t *testing.T, c *resource.Client, srv *resourcetest.FakeServer, rid string, result any) *resource.Model {
	t.Helper()
	m, ok := fetch(t, c, srv, rid, result).(*resource.Model)
	require.True(t, ok, "expected a model")
	return m
}

func cacheState(t *testing.T, c *resource.Client, rid string) resource.CacheStateForTest {
	t.Helper()
	st, ok := resource.CacheStateOf(c, rid)
	require.True(t, ok, "%q should be cached", rid)
	return st
}

// --- CL-001: Get subscribes and caches the model ---
func TestClient_GetSubscribes(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)

	m := fetchModel(t, c, srv, "service.model", obj{"models": obj{"service.model": obj{"foo": "bar"}}})

	v, ok := m.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", v)
	assert.Equal(t, "service.model", m.ResourceID())
	assert.Same(t, c, m.Client())

	st := cacheState(t, c, "service.model")
	assert.Equal(t, 1, st.Subscribed)
	assert.True(t, st.TimerArmed, "unreferenced subscription should be scheduled for release")
}

// --- CL-002: unreferenced resources are released after the delay ---
func TestClient_UnsubscribeAfterDelay(t *testing.T) {
	c, srv, clock := newTestClient(t, nil)
	first := fetchModel(t, c, srv, "service.model", obj{"models": obj{"service.model": obj{"foo": "bar"}}})

	clock.Advance(resource.DefaultUnsubscribeDelay - time.Millisecond)
	srv.ExpectNoRequest(t)

	clock.Advance(time.Millisecond)
	req := srv.ExpectRequest(t, "unsubscribe.service.model", wait)
	assert.Empty(t, req.Params, "a single subscription is released without a count")
	srv.Respond(t, req, nil)
	assert.False(t, c.Cached("service.model"))

	second := fetchModel(t, c, srv, "service.model", obj{"models": obj{"service.model": obj{"foo": "bar"}}})
	assert.NotSame(t, first, second, "an evicted resource is fetched anew")
}

// --- CL-003: Get on a cached resource restarts the delay ---
func TestClient_GetResetsDelay(t *testing.T) {
	c, srv, clock := newTestClient(t, nil)
	first := fetchModel(t, c, srv, "service.model", obj{"models": obj{"service.model": obj{}}})

	clock.Advance(4 * time.Second)
	again, err := c.Get(testCtx(t), "service.model")
	require.NoError(t, err)
	assert.Same(t, first, again)

	clock.Advance(4 * time.Second)
	srv.ExpectNoRequest(t)
	clock.Advance(time.Second)
	srv.ExpectRequest(t, "unsubscribe.service.model", wait)
}

// --- CL-004: concurrent gets share one request ---
func TestClient_ConcurrentGetsShareRequest(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)

	ch1 := getAsync(t, c, "service.model")
	req := srv.ExpectRequest(t, "subscribe.service.model", wait)
	ch2 := getAsync(t, c, "service.model")
	srv.Respond(t, req, obj{"models": obj{"service.model": obj{"n": 1}}})

	r1, r2 := recv(t, ch1), recv(t, ch2)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Same(t, r1.r, r2.r)
	srv.ExpectNoRequest(t)
	assert.Equal(t, 1, cacheState(t, c, "service.model").Subscribed)
}

// --- CL-005: a failed get drops the entry ---
func TestClient_GetError(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)
	sink := resourcetest.NewRecordingSink()
	c.AddListener(sink)

	ch := getAsync(t, c, "service.missing")
	req := srv.ExpectRequest(t, "subscribe.service.missing", wait)
	srv.RespondError(t, req, resource.CodeNotFound, "Not found")

	res := recv(t, ch)
	require.Error(t, res.err)
	var rerr *resource.Error
	require.ErrorAs(t, res.err, &rerr)
	assert.Equal(t, resource.CodeNotFound, rerr.Code)
	assert.Equal(t, "service.missing", rerr.RID)
	assert.False(t, c.Cached("service.missing"))
	_, ok := resource.CacheStateOf(c, "service.missing")
	assert.False(t, ok)
	assert.Equal(t, 1, sink.ErrorCount(), "error responses are reported to sinks")
}

func TestClient_GetResponseWithoutResource(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)

	ch := getAsync(t, c, "service.model")
	srv.Respond(t, srv.ExpectRequest(t, "subscribe.service.model", wait), obj{})
	res := recv(t, ch)
	assert.Nil(t, res.r)
	assert.ErrorIs(t, res.err, resource.ErrProtocol)
	assert.False(t, c.Cached("service.model"))

	// A later Get asks again instead of returning the empty entry.
	ch = getAsync(t, c, "service.model")
	srv.Respond(t, srv.ExpectRequest(t, "subscribe.service.model", wait), obj{"models": obj{"service.model": obj{}}})
	res = recv(t, ch)
	require.NoError(t, res.err)
	assert.NotNil(t, res.r)
}

// --- CL-006: a resource delivered as an error is returned as its error ---
func TestClient_GetErrorResource(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)

	ch := getAsync(t, c, "service.secret")
	req := srv.ExpectRequest(t, "subscribe.service.secret", wait)
	srv.Respond(t, req, obj{"errors": obj{"service.secret": obj{"code": "system.accessDenied", "message": "Access denied"}}})

	res := recv(t, ch)
	assert.Nil(t, res.r)
	assert.Equal(t, "system.accessDenied", resource.ErrorCode(res.err))
}

func TestClient_GetInvalidRID(t *testing.T) {
	c, _, _ := newTestClient(t, nil)
	_, err := c.Get(testCtx(t), "")
	assert.ErrorIs(t, err, resource.ErrInvalidRID)
}

// --- CL-007: listeners keep resources subscribed ---
func TestClient_ListenerKeepsSubscription(t *testing.T) {
	c, srv, clock := newTestClient(t, nil)
	m := fetchModel(t, c, srv, "service.model", obj{"models": obj{"service.model": obj{}}})

	l, err := m.On(nil)
	require.NoError(t, err)
	st := cacheState(t, c, "service.model")
	assert.Equal(t, 1, st.Direct)
	assert.False(t, st.TimerArmed)

	clock.Advance(time.Minute)
	srv.ExpectNoRequest(t)

	require.NoError(t, m.Off(l))
	assert.ErrorIs(t, m.Off(l), resource.ErrListenerNotFound)
	assert.True(t, cacheState(t, c, "service.model").TimerArmed)

	clock.Advance(resource.DefaultUnsubscribeDelay)
	srv.ExpectRequest(t, "unsubscribe.service.model", wait)
}

func TestClient_ResourceOnNotCached(t *testing.T) {
	c, _, _ := newTestClient(t, nil)
	_, err := c.ResourceOn("service.model", nil)
	assert.ErrorIs(t, err, resource.ErrResourceNotCached)
}

// --- CL-008: removing a collection value evicts the unreferenced model ---
func TestClient_RemoveEvictsReferencedModel(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)
	col, ok := fetch(t, c, srv, "service.list", obj{
		"collections": obj{"service.list": []any{obj{"rid": "service.item.1"}, obj{"rid": "service.item.2"}}},
		"models": obj{
			"service.item.1": obj{"id": 1},
			"service.item.2": obj{"id": 2},
		},
	}).(*resource.Collection)
	require.True(t, ok)
	assert.Equal(t, 1, cacheState(t, c, "service.item.1").Indirect)

	h := resourcetest.NewRecordingHandler()
	_, err := col.On(h.Handle)
	require.NoError(t, err)

	item1, _ := col.At(0)
	srv.Event(t, "service.list.remove", obj{"idx": 0})

	require.Equal(t, 1, h.Count())
	ev, ok := h.Events()[0].(resource.RemoveEvent)
	require.True(t, ok)
	assert.Same(t, item1, ev.Item)
	assert.Equal(t, 0, ev.Index)
	assert.Equal(t, 1, col.Len())
	assert.False(t, c.Cached("service.item.1"))
	assert.True(t, c.Cached("service.item.2"))
}

// --- CL-009: dropping a reference evicts the referenced model ---
func TestClient_ChangeDropsReference(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)
	a := fetchModel(t, c, srv, "service.a", obj{"models": obj{
		"service.a": obj{"b": obj{"rid": "service.b"}},
		"service.b": obj{"x": 1},
	}})
	b, _ := a.Get("b")
	require.IsType(t, &resource.Model{}, b)

	h := resourcetest.NewRecordingHandler()
	_, err := a.On(h.Handle, resource.EventChange)
	require.NoError(t, err)

	srv.Event(t, "service.a.change", obj{"values": obj{"b": nil}})

	require.Equal(t, 1, h.Count())
	ev := h.Events()[0].(resource.ChangeEvent)
	assert.Same(t, b, ev.Changed["b"])
	v, _ := a.Get("b")
	assert.Nil(t, v)
	assert.False(t, c.Cached("service.b"))
}

// --- CL-010: unsubscribing a resource evicts what it alone referenced ---
func TestClient_UnsubscribeEvictsSubtree(t *testing.T) {
	c, srv, clock := newTestClient(t, nil)
	fetchModel(t, c, srv, "service.a", obj{"models": obj{
		"service.a": obj{"b": obj{"rid": "service.b"}, "soft": obj{"rid": "service.c", "soft": true}},
		"service.b": obj{"c": obj{"rid": "service.c"}},
		"service.c": obj{},
	}})
	assert.Equal(t, []string{"service.a", "service.b", "service.c"}, resource.CachedRIDsForTest(c))

	clock.Advance(resource.DefaultUnsubscribeDelay)
	srv.Respond(t, srv.ExpectRequest(t, "unsubscribe.service.a", wait), nil)

	assert.Empty(t, resource.CachedRIDsForTest(c))
}

// --- CL-011: a referenced resource with listeners is subscribed before its parent is released ---
func TestClient_SubscribeReferredBeforeUnsubscribe(t *testing.T) {
	c, srv, clock := newTestClient(t, nil)
	a := fetchModel(t, c, srv, "service.a", obj{"models": obj{
		"service.a": obj{"b": obj{"rid": "service.b"}},
		"service.b": obj{"x": 1},
	}})
	b, _ := a.Get("b")
	_, err := c.ResourceOn(b.(resource.Resource).ResourceID(), nil)
	require.NoError(t, err)

	clock.Advance(resource.DefaultUnsubscribeDelay)
	subB := srv.ExpectRequest(t, "subscribe.service.b", wait)
	unsubA := srv.ExpectRequest(t, "unsubscribe.service.a", wait)

	srv.Respond(t, subB, obj{})
	srv.Respond(t, unsubA, nil)

	assert.False(t, c.Cached("service.a"))
	st := cacheState(t, c, "service.b")
	assert.Equal(t, 1, st.Subscribed)
	assert.Equal(t, 0, st.Indirect)
	assert.False(t, st.Stale)
}

// --- CL-012: server unsubscribe marks listened resources stale and resubscribes ---
func TestClient_UnsubscribeEventResubscribes(t *testing.T) {
	c, srv, clock := newTestClient(t, nil)
	m := fetchModel(t, c, srv, "service.model", obj{"models": obj{"service.model": obj{"foo": "bar"}}})
	h := resourcetest.NewRecordingHandler()
	_, err := m.On(h.Handle)
	require.NoError(t, err)

	srv.Event(t, "service.model.unsubscribe", obj{"reason": obj{"code": "system.accessDenied", "message": "Access denied"}})

	require.Equal(t, 1, h.Count())
	ev := h.Events()[0].(resource.UnsubscribeEvent)
	assert.Same(t, m, ev.Resource)
	require.NotNil(t, ev.Reason)
	assert.Equal(t, "system.accessDenied", ev.Reason.Code)

	st := cacheState(t, c, "service.model")
	assert.True(t, st.Stale)
	assert.Equal(t, 0, st.Subscribed)

	clock.Advance(resource.DefaultSubscribeStaleDelay)
	req := srv.ExpectRequest(t, "subscribe.service.model", wait)
	srv.Respond(t, req, obj{"models": obj{"service.model": obj{"foo": "baz"}}})

	v, _ := m.Get("foo")
	assert.Equal(t, "baz", v)
	st = cacheState(t, c, "service.model")
	assert.False(t, st.Stale)
	assert.Equal(t, 1, st.Subscribed)
}

// --- CL-013: unsubscribe count depends on the protocol ---
func TestClient_UnsubscribeCount(t *testing.T) {
	for _, tt := range []struct {
		protocol string
		requests int
	}{
		{"1.2.1", 1},
		{"1.2.0", 2},
	} {
		t.Run(tt.protocol, func(t *testing.T) {
			c, srv, clock := newTestClient(t, []resourcetest.FakeServerOption{resourcetest.WithProtocol(tt.protocol)})
			m := fetchModel(t, c, srv, "service.model", obj{"models": obj{"service.model": obj{}}})

			ctx := testCtx(t)
			ch := make(chan error, 1)
			go func() {
				res, err := c.Call(ctx, "service.model", "clone", nil)
				if err == nil && res.Resource != m {
					t.Errorf("expected the cached model")
				}
				ch <- err
			}()
			srv.Respond(t, srv.ExpectRequest(t, "call.service.model.clone", wait), obj{"rid": "service.model"})
			require.NoError(t, recv(t, ch))
			assert.Equal(t, 2, cacheState(t, c, "service.model").Subscribed)

			clock.Advance(resource.DefaultUnsubscribeDelay)
			for i := 0; i < tt.requests; i++ {
				req := srv.ExpectRequest(t, "unsubscribe.service.model", wait)
				if tt.requests == 1 {
					var p obj
					require.NoError(t, req.DecodeParams(&p))
					assert.Equal(t, float64(2), p["count"])
				}
				srv.Respond(t, req, nil)
			}
			assert.False(t, c.Cached("service.model"))
		})
	}
}

func TestClient_UnsubscribeWaitsForInflight(t *testing.T) {
	c, srv, clock := newTestClient(t, []resourcetest.FakeServerOption{resourcetest.WithProtocol("1.2.0")})
	fetchModel(t, c, srv, "service.model", obj{"models": obj{"service.model": obj{}}})

	ctx := testCtx(t)
	ch := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "service.model", "clone", nil)
		ch <- err
	}()
	srv.Respond(t, srv.ExpectRequest(t, "call.service.model.clone", wait), obj{"rid": "service.model"})
	require.NoError(t, recv(t, ch))

	clock.Advance(resource.DefaultUnsubscribeDelay)
	first := srv.ExpectRequest(t, "unsubscribe.service.model", wait)
	second := srv.ExpectRequest(t, "unsubscribe.service.model", wait)

	srv.Respond(t, first, nil)
	st := cacheState(t, c, "service.model")
	assert.Equal(t, 1, st.Subscribed)
	assert.False(t, st.TimerArmed)

	clock.Advance(resource.DefaultUnsubscribeDelay)
	srv.ExpectNoRequest(t)

	srv.Respond(t, second, nil)
	assert.False(t, c.Cached("service.model"))
}

func TestIsError(t *testing.T) {
	err := &resource.Error{Code: resource.CodeTimeout, Message: "Request timeout", RID: "service.model"}
	wrapped := fmt.Errorf("fetching: %w", err)

	assert.True(t, resource.IsError(wrapped))
	assert.Equal(t, resource.CodeTimeout, resource.ErrorCode(wrapped))
	assert.Equal(t, "system.timeout: Request timeout (service.model)", err.Error())
	assert.False(t, resource.IsError(errors.New("plain")))
	assert.Empty(t, resource.ErrorCode(nil))
}

// --- CL-014: removing every value releases every referenced model ---
func TestClient_RemoveAllValues(t *testing.T) {
	c, srv, _ := newTestClient(t, nil)
	col := fetch(t, c, srv, "service.list", obj{
		"collections": obj{"service.list": []any{obj{"rid": "service.a"}, obj{"rid": "service.b"}, obj{"rid": "service.c"}}},
		"models": obj{
			"service.a": obj{"n": "a"},
			"service.b": obj{"n": "b"},
			"service.c": obj{"n": "c"},
		},
	}).(*resource.Collection)
	items := col.Items()

	h := resourcetest.NewRecordingHandler()
	_, err := col.On(h.Handle)
	require.NoError(t, err)

	srv.Event(t, "service.list.remove", obj{"idx": 1})
	srv.Event(t, "service.list.remove", obj{"idx": 1})
	srv.Event(t, "service.list.remove", obj{"idx": 0})

	require.Equal(t, 3, h.Count())
	want := []struct {
		item  any
		index int
	}{{items[1], 1}, {items[2], 1}, {items[0], 0}}
	for i, w := range want {
		ev := h.Events()[i].(resource.RemoveEvent)
		assert.Same(t, w.item, ev.Item)
		assert.Equal(t, w.index, ev.Index)
	}
	assert.Zero(t, col.Len())
	assert.Equal(t, []string{"service.list"}, resource.CachedRIDsForTest(c))
}

// --- CL-015: a resource referenced by two models survives losing one ---
func TestClient_SharedReference(t *testing.T) {
	c, srv, clock := newTestClient(t, nil)
	fetchModel(t, c, srv, "service.a", obj{"models": obj{
		"service.a": obj{"ref": obj{"rid": "service.x"}},
		"service.x": obj{},
	}})
	clock.Advance(time.Second)
	fetchModel(t, c, srv, "service.b", obj{"models": obj{
		"service.b": obj{"ref": obj{"rid": "service.x"}},
	}})
	assert.Equal(t, 2, cacheState(t, c, "service.x").Indirect)

	// Only service.a's delay has passed.
	clock.Advance(resource.DefaultUnsubscribeDelay - time.Second)
	srv.Respond(t, srv.ExpectRequest(t, "unsubscribe.service.a", wait), nil)

	assert.False(t, c.Cached("service.a"))
	st := cacheState(t, c, "service.x")
	assert.Equal(t, 1, st.Indirect)
	assert.Zero(t, st.Subscribed)

	clock.Advance(time.Second)
	srv.Respond(t, srv.ExpectRequest(t, "unsubscribe.service.b", wait), nil)
	assert.Empty(t, resource.CachedRIDsForTest(c))
}
