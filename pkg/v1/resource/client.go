package resource

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/omniviewdev/resclient/pkg/interceptors"
	"github.com/omniviewdev/resclient/pkg/types"
)

const tracerName = "github.com/omniviewdev/resclient"

// Client is a RES client. It keeps a cache of the resources it has
// fetched, keeps them up to date from server events, and releases them once
// nothing references them.
//
// All methods are safe for concurrent use. Event handlers and lifecycle
// sinks are called outside the client lock, in the order the events
// occurred.
type Client struct {
	mu sync.RWMutex

	transport      Transport
	cfg            Config
	logger         *zap.Logger
	clock          Clock
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	interceptors   []interceptors.Interceptor
	interceptor    interceptors.Interceptor
	onConnect      OnConnectFunc

	models      *typeRegistry[ModelFactory]
	collections *typeRegistry[CollectionFactory]

	cache map[string]*cacheItem
	stale map[string]struct{}

	state          types.ConnectionState
	tryConnect     bool
	attempt        *connectAttempt
	sess           *session
	protocol       types.ProtocolVersion
	reconnectTimer Timer
	reqID          uint64
	requests       map[uint64]*request
	queue          []*request

	sinks  []ClientEventSink
	queued []func()
}

// NewClient creates a client that connects through transport. It does not
// connect until Connect is called or a request is made.
func NewClient(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport:   transport,
		logger:      zap.NewNop(),
		clock:       realClock{},
		models:      newTypeRegistry[ModelFactory](NewModel),
		collections: newTypeRegistry[CollectionFactory](defaultCollectionFactory),
		cache:       make(map[string]*cacheItem),
		stale:       make(map[string]struct{}),
		requests:    make(map[uint64]*request),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.applyDefaults()
	c.logger = c.logger.Named("resclient")
	if c.tracerProvider == nil {
		c.tracerProvider = otel.GetTracerProvider()
	}
	c.tracer = c.tracerProvider.Tracer(tracerName)
	if c.cfg.Debug {
		c.interceptors = append(c.interceptors, interceptors.DefaultInterceptors(c.logger)...)
	}
	c.interceptor = interceptors.Chain(c.interceptors...)
	return c
}

func defaultCollectionFactory(c *Client, rid string) *Collection {
	return NewCollection(c, rid)
}

// Result is the outcome of a call or auth request: a resource when the
// method returned a resource reference, and a raw payload otherwise.
type Result struct {
	Resource Resource
	Payload  json.RawMessage
}

type callResult struct {
	resourceSet
	RID     string          `json:"rid"`
	Payload json.RawMessage `json:"payload"`
}

// Get returns the resource, fetching and subscribing to it if it is not
// cached. Concurrent calls for the same resource share one request.
// A resource the gateway answers with an error is returned as that *Error.
func (c *Client) Get(ctx context.Context, rid string) (Resource, error) {
	if rid == "" {
		return nil, ErrInvalidRID
	}
	c.mu.Lock()
	ci := c.cache[rid]
	if ci != nil {
		if p := ci.pending; p != nil {
			c.unlock()
			return resourceOrError(p.wait(ctx))
		}
		if ci.cancelUnsubscribe() {
			c.checkUnsubscribe(ci)
		}
		item := ci.item
		c.unlock()
		if item == nil {
			return nil, missingResourceError(rid)
		}
		return resourceOrError(item, nil)
	}

	ci = newCacheItem(rid)
	c.cache[rid] = ci
	p := ci.setPending()
	c.subscribe(ctx, ci, true)
	c.unlock()
	return resourceOrError(p.wait(ctx))
}

func resourceOrError(r Resource, err error) (Resource, error) {
	if err != nil {
		return nil, err
	}
	if e, ok := r.(*ErrorResource); ok {
		return nil, e.Err()
	}
	return r, nil
}

// subscribe sends a subscribe request for ci. With getErr set, a failure is
// reported to the pending Get and the entry is dropped; otherwise the
// failure is treated as the server ending the subscription.
func (c *Client) subscribe(ctx context.Context, ci *cacheItem, getErr bool) {
	ci.addSubscribed(1)
	delete(c.stale, ci.rid)

	onResult := func(result []byte, err error) {
		if err == nil {
			err = c.cacheResources(result)
		}
		if err == nil && ci.item == nil {
			err = missingResourceError(ci.rid)
		}
		if err != nil {
			if getErr {
				ci.addSubscribed(-min(1, ci.subscribed))
				c.tryDelete(ci)
			} else if code := ErrorCode(err); code == CodeDisconnect || code == CodeConnectionError {
				// Stays stale and is retried on the next connection.
				ci.addSubscribed(-min(1, ci.subscribed))
				c.tryDelete(ci)
			} else {
				c.logger.Debug("resubscribe failed", zapRID(ci.rid), zap.Error(err))
				reason, _ := err.(*Error)
				c.dropSubscription(ci, reason)
			}
		} else {
			c.checkUnsubscribe(ci)
		}
		ci.resolvePending(err)
	}
	if err := c.send(ctx, actionSubscribe, ci.rid, "", nil, onResult); err != nil {
		onResult(nil, err)
	}
}

// Call invokes a call method on a resource.
func (c *Client) Call(ctx context.Context, rid, method string, params any) (*Result, error) {
	return c.call(ctx, actionCall, rid, method, params)
}

// Auth invokes an auth method on a resource.
func (c *Client) Auth(ctx context.Context, rid, method string, params any) (*Result, error) {
	return c.call(ctx, actionAuth, rid, method, params)
}

type callOutcome struct {
	res *Result
	err error
}

func (c *Client) call(ctx context.Context, action, rid, method string, params any) (*Result, error) {
	ch := make(chan callOutcome, 1)
	c.mu.Lock()
	err := c.send(ctx, action, rid, method, params, func(result []byte, err error) {
		if err != nil {
			ch <- callOutcome{err: err}
			return
		}
		res, err := c.handleCallResult(result)
		ch <- callOutcome{res: res, err: err}
	})
	c.unlock()
	if err != nil {
		return nil, err
	}
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) handleCallResult(result []byte) (*Result, error) {
	if c.protocol.IsLegacy() {
		return &Result{Payload: json.RawMessage(result)}, nil
	}
	var cr callResult
	if len(result) > 0 {
		if err := json.Unmarshal(result, &cr); err != nil {
			return nil, protocolError("invalid call result: %v", err)
		}
	}
	if cr.RID == "" {
		return &Result{Payload: cr.Payload}, nil
	}
	item, err := c.adoptResource(cr.RID, &cr.resourceSet)
	if err != nil {
		return nil, err
	}
	return &Result{Resource: item}, nil
}

// adoptResource caches the resources of a response whose subscription for
// rid was made by the server on our behalf.
func (c *Client) adoptResource(rid string, rs *resourceSet) (Resource, error) {
	if err := c.applyResources(rs); err != nil {
		return nil, err
	}
	ci := c.cache[rid]
	if ci == nil || ci.item == nil {
		return nil, protocolError("response referenced %q without providing it", rid)
	}
	ci.addSubscribed(1)
	c.checkUnsubscribe(ci)
	return ci.item, nil
}

// Create asks a collection to create a new resource, and returns it.
func (c *Client) Create(ctx context.Context, rid string, params any) (Resource, error) {
	ch := make(chan callOutcome, 1)
	c.mu.Lock()
	err := c.send(ctx, actionNew, rid, "", params, func(result []byte, err error) {
		if err != nil {
			ch <- callOutcome{err: err}
			return
		}
		var cr callResult
		if err := json.Unmarshal(result, &cr); err != nil || cr.RID == "" {
			ch <- callOutcome{err: protocolError("invalid new result for %q", rid)}
			return
		}
		item, err := c.adoptResource(cr.RID, &cr.resourceSet)
		ch <- callOutcome{res: &Result{Resource: item}, err: err}
	})
	c.unlock()
	if err != nil {
		return nil, err
	}
	select {
	case o := <-ch:
		if o.err != nil {
			return nil, o.err
		}
		return o.res.Resource, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetModel calls the set method of a model. Undefined{} values delete
// properties and resource values are sent as references.
func (c *Client) SetModel(ctx context.Context, rid string, props map[string]any) error {
	_, err := c.Call(ctx, rid, "set", encodeProps(props))
	return err
}

// ResourceOn attaches handler to a cached resource. Only the named events
// are delivered; with no names, all are. handler may be nil, in which case
// the listener only keeps the resource alive.
func (c *Client) ResourceOn(rid string, handler EventHandler, events ...string) (*Listener, error) {
	c.mu.Lock()
	defer c.unlock()
	ci := c.cache[rid]
	if ci == nil || ci.item == nil {
		return nil, ErrResourceNotCached
	}
	l := newListener(rid, handler, events)
	ci.addDirect()
	ci.listeners = append(ci.listeners, l)
	c.logger.Debug("listener attached", zapRID(rid), zap.Stringer("listener", l.ID))
	return l, nil
}

// ResourceOff detaches a listener. Once a resource has no listeners and is
// not referenced by another cached resource, it is released.
func (c *Client) ResourceOff(l *Listener) error {
	c.mu.Lock()
	defer c.unlock()
	ci := c.cache[l.rid]
	if ci == nil {
		return ErrResourceNotCached
	}
	if !ci.removeListener(l) {
		return ErrListenerNotFound
	}
	c.logger.Debug("listener detached", zapRID(l.rid), zap.Stringer("listener", l.ID))
	if ci.removeDirect() {
		c.releaseRef(ci)
	}
	return nil
}

// RegisterModelType makes resources matching pattern use f.
func (c *Client) RegisterModelType(pattern string, f ModelFactory) error {
	return c.models.Register(pattern, f)
}

// UnregisterModelType removes the factory registered for pattern.
func (c *Client) UnregisterModelType(pattern string) (ModelFactory, bool) {
	return c.models.Unregister(pattern)
}

// RegisterCollectionType makes resources matching pattern use f.
func (c *Client) RegisterCollectionType(pattern string, f CollectionFactory) error {
	return c.collections.Register(pattern, f)
}

// UnregisterCollectionType removes the factory registered for pattern.
func (c *Client) UnregisterCollectionType(pattern string) (CollectionFactory, bool) {
	return c.collections.Unregister(pattern)
}

// AddListener registers a lifecycle sink.
func (c *Client) AddListener(sink ClientEventSink) {
	c.mu.Lock()
	defer c.unlock()
	c.sinks = append(c.sinks, sink)
}

// RemoveListener unregisters a lifecycle sink.
func (c *Client) RemoveListener(sink ClientEventSink) {
	c.mu.Lock()
	defer c.unlock()
	c.sinks = slices.DeleteFunc(c.sinks, func(s ClientEventSink) bool { return s == sink })
}

// State returns the connection state.
func (c *Client) State() types.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ProtocolVersion returns the protocol negotiated on the current or last
// connection, or the zero version if none was.
func (c *Client) ProtocolVersion() types.ProtocolVersion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protocol
}

// SupportedProtocol returns the protocol version the client implements.
func (c *Client) SupportedProtocol() types.ProtocolVersion {
	return types.SupportedProtocol
}

// Cached reports whether rid is in the cache with its data loaded.
func (c *Client) Cached(rid string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ci := c.cache[rid]
	return ci != nil && ci.item != nil
}

func zapRID(rid string) zap.Field { return zap.String("rid", rid) }
