package resource

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/omniviewdev/resclient/pkg/interceptors"
)

// Request actions.
const (
	actionVersion     = "version"
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionCall        = "call"
	actionAuth        = "auth"
	actionNew         = "new"
)

type wireRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// wireMessage is any message received from the gateway: a response when
// ID is set, an event otherwise.
type wireMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// resultFunc receives the outcome of a request. It runs with the client
// lock held, on the goroutine that delivered the response.
type resultFunc func(result []byte, err error)

type request struct {
	ctx      context.Context
	action   string
	rid      string
	method   string
	params   any
	onResult resultFunc
	span     trace.Span
}

// wireMethod returns the RES method string, e.g. "call.svc.model.set".
func (r *request) wireMethod() string {
	if r.rid == "" {
		return r.action
	}
	m := r.action + "." + r.rid
	if r.method != "" {
		m += "." + r.method
	}
	return m
}

func (r *request) finish(result []byte, err error) {
	if r.span != nil {
		if err != nil {
			r.span.RecordError(err)
			r.span.SetStatus(codes.Error, ErrorCode(err))
		}
		r.span.End()
	}
	r.onResult(result, err)
}

// send issues a request. While the client is not connected the request is
// queued and a connection attempt is started. Must be called with c.mu held.
func (c *Client) send(ctx context.Context, action, rid, method string, params any, onResult resultFunc) error {
	if rid == "" && action != actionVersion {
		return ErrInvalidRID
	}
	if (action == actionCall || action == actionAuth) && method == "" {
		return ErrInvalidMethod
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req := &request{ctx: ctx, action: action, rid: rid, method: method, params: params, onResult: onResult}

	if c.state == stateConnected || (c.sess != nil && sessionFromContext(ctx) == c.sess) {
		c.sendNow(req)
		return nil
	}
	c.queue = append(c.queue, req)
	c.connectLocked()
	return nil
}

// sendNow writes req to the current session. Delivery failures are
// reported through req.onResult.
func (c *Client) sendNow(req *request) {
	c.reqID++
	id := c.reqID
	wm := req.wireMethod()

	ctx, span := c.tracer.Start(req.ctx, wm,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("res.rid", req.rid),
			attribute.String("res.method", req.method),
			attribute.Int64("res.request_id", int64(id)),
		),
	)
	req.span = span

	frame, err := json.Marshal(wireRequest{ID: id, Method: wm, Params: req.params})
	if err != nil {
		req.finish(nil, &Error{
			RID: req.rid, Method: req.method, Params: req.params,
			Code: CodeInvalidRequest, Message: "Invalid request parameters", cause: err,
		})
		return
	}

	conn := c.sess.conn
	c.requests[id] = req
	ctx = interceptors.WithFrameInfo(ctx, interceptors.FrameInfo{RequestID: id, Method: wm})
	err = c.interceptor(ctx, interceptors.Outbound, frame, func(_ context.Context, _ interceptors.Direction, frame []byte) error {
		return conn.Send(frame)
	})
	if err != nil {
		delete(c.requests, id)
		c.logger.Warn("failed to send request", zap.String("method", wm), zap.Error(err))
		req.finish(nil, connectionError(req.rid, req.method, req.params, err))
	}
}

// handleFrame runs an inbound frame through the interceptors and applies it.
func (c *Client) handleFrame(s *session, frame []byte) {
	err := c.interceptor(context.Background(), interceptors.Inbound, frame, func(_ context.Context, _ interceptors.Direction, frame []byte) error {
		return c.receive(s, frame)
	})
	if err != nil {
		c.logger.Error("failed to handle message", zap.ByteString("frame", frame), zap.Error(err))
		c.mu.Lock()
		c.emitError(err)
		c.unlock()
	}
}

func (c *Client) receive(s *session, frame []byte) error {
	c.mu.Lock()
	defer c.unlock()
	if c.sess != s {
		return nil
	}

	var msg wireMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return protocolError("invalid message: %v", err)
	}

	if msg.ID != nil {
		req := c.requests[*msg.ID]
		if req == nil {
			return protocolError("response for unknown request %d", *msg.ID)
		}
		delete(c.requests, *msg.ID)
		if msg.Error != nil {
			err := newError(req.rid, req.method, req.params, msg.Error)
			c.emitError(err)
			req.finish(nil, err)
			return nil
		}
		req.finish(msg.Result, nil)
		return nil
	}

	if msg.Event != "" {
		return c.handleEvent(msg.Event, msg.Data)
	}
	return protocolError("message is neither a response nor an event")
}
