package resourcetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	resource "github.com/omniviewdev/resclient/pkg/v1/resource"
)

var _ resource.Transport = (*FakeServer)(nil)

// ErrConnectionReset is passed to OnClose by FakeServer.Drop.
var ErrConnectionReset = errors.New("connection reset by fake server")

// Request is a request frame received by a FakeServer.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`

	conn *fakeConn
}

// DecodeParams unmarshals the request parameters into v.
func (r *Request) DecodeParams(v any) error {
	return json.Unmarshal(r.Params, v)
}

type versionMode int

const (
	versionAuto versionMode = iota
	versionLegacy
	versionManual
)

// FakeServerOption configures a FakeServer.
type FakeServerOption func(*FakeServer)

// WithProtocol makes the server answer version requests with protocol.
// The default is "1.2.1".
func WithProtocol(protocol string) FakeServerOption {
	return func(s *FakeServer) { s.mode, s.protocol = versionAuto, protocol }
}

// WithLegacyGateway makes the server reject version requests the way
// gateways predating the version request do.
func WithLegacyGateway() FakeServerOption {
	return func(s *FakeServer) { s.mode = versionLegacy }
}

// WithManualVersion records version requests like any other request so the
// test can answer them.
func WithManualVersion() FakeServerOption {
	return func(s *FakeServer) { s.mode = versionManual }
}

// FakeServer is an in-memory resource.Transport standing in for a gateway.
// Requests are recorded for the test to answer. Responses and events are
// delivered synchronously on the calling goroutine, except automatic
// version responses, which are delivered from their own goroutine.
type FakeServer struct {
	mu       sync.Mutex
	changed  chan struct{} // closed-and-recreated on each change to wake waiters
	mode     versionMode
	protocol string
	dialErr  error
	dials    int
	conn     *fakeConn
	requests []*Request
}

// NewFakeServer creates a FakeServer.
func NewFakeServer(opts ...FakeServerOption) *FakeServer {
	s := &FakeServer{changed: make(chan struct{}), protocol: "1.2.1"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// broadcast wakes all waiters. Must be called with mu held.
func (s *FakeServer) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Dial implements resource.Transport.
func (s *FakeServer) Dial(_ context.Context, handler resource.ConnHandler) (resource.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	defer s.broadcast()
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	c := &fakeConn{server: s, handler: handler}
	s.conn = c
	return c, nil
}

// SetDialError makes subsequent dials fail with err, or succeed if err is nil.
func (s *FakeServer) SetDialError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// Dials returns the number of dial attempts.
func (s *FakeServer) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Connected reports whether a connection is open.
func (s *FakeServer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// PendingRequests returns the number of unanswered requests.
func (s *FakeServer) PendingRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// NextRequest waits for the oldest unanswered request and removes it from
// the queue.
func (s *FakeServer) NextRequest(t *testing.T, timeout time.Duration) *Request {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if len(s.requests) > 0 {
			r := s.requests[0]
			s.requests = s.requests[1:]
			s.mu.Unlock()
			return r
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-timer.C:
			t.Fatalf("timed out waiting for a request")
			return nil
		}
	}
}

// ExpectRequest waits for the next request and fails the test if its method
// differs.
func (s *FakeServer) ExpectRequest(t *testing.T, method string, timeout time.Duration) *Request {
	t.Helper()
	r := s.NextRequest(t, timeout)
	if r.Method != method {
		t.Fatalf("expected request %q, got %q", method, r.Method)
	}
	return r
}

// ExpectNoRequest fails the test if an unanswered request is queued.
func (s *FakeServer) ExpectNoRequest(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) > 0 {
		t.Fatalf("expected no request, got %q", s.requests[0].Method)
	}
}

// WaitForDials blocks until at least n dial attempts were made.
func (s *FakeServer) WaitForDials(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		got := s.dials
		ch := s.changed
		s.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-ch:
		case <-timer.C:
			t.Fatalf("timed out waiting for %d dials, got %d", n, s.Dials())
		}
	}
}

// Respond answers req with a result.
func (s *FakeServer) Respond(t *testing.T, req *Request, result any) {
	t.Helper()
	s.deliver(t, req.conn, map[string]any{"id": req.ID, "result": result})
}

// RespondError answers req with an error.
func (s *FakeServer) RespondError(t *testing.T, req *Request, code, message string) {
	t.Helper()
	s.deliver(t, req.conn, map[string]any{
		"id":    req.ID,
		"error": map[string]string{"code": code, "message": message},
	})
}

// Event sends an event on the open connection.
func (s *FakeServer) Event(t *testing.T, name string, data any) {
	t.Helper()
	s.deliver(t, s.current(t), map[string]any{"event": name, "data": data})
}

// SendRaw sends a raw frame on the open connection.
func (s *FakeServer) SendRaw(t *testing.T, frame string) {
	t.Helper()
	s.current(t).handler.OnMessage([]byte(frame))
}

// Drop closes the open connection from the server side.
func (s *FakeServer) Drop(t *testing.T) {
	t.Helper()
	c := s.current(t)
	s.mu.Lock()
	c.closed = true
	s.conn = nil
	s.requests = nil
	s.broadcast()
	s.mu.Unlock()
	c.handler.OnClose(ErrConnectionReset)
}

func (s *FakeServer) current(t *testing.T) *fakeConn {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		t.Fatalf("no open connection")
	}
	return s.conn
}

func (s *FakeServer) deliver(t *testing.T, c *fakeConn, msg any) {
	t.Helper()
	frame, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.handler.OnMessage(frame)
}

// fakeConn is one connection accepted by a FakeServer.
type fakeConn struct {
	server  *FakeServer
	handler resource.ConnHandler
	closed  bool
}

var errClosed = errors.New("fake connection closed")

func (c *fakeConn) Send(frame []byte) error {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return err
	}
	req.conn = c

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if req.Method == "version" && s.mode != versionManual {
		var msg any
		if s.mode == versionLegacy {
			msg = map[string]any{"id": req.ID, "error": map[string]string{
				"code": resource.CodeInvalidRequest, "message": "Invalid request",
			}}
		} else {
			msg = map[string]any{"id": req.ID, "result": map[string]string{"protocol": s.protocol}}
		}
		out, _ := json.Marshal(msg)
		go c.handler.OnMessage(out)
		return nil
	}
	s.requests = append(s.requests, &req)
	s.broadcast()
	return nil
}

func (c *fakeConn) Close() error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	c.closed = true
	if s.conn == c {
		s.conn = nil
		s.requests = nil
	}
	s.broadcast()
	return nil
}
