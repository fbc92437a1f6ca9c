// Package wsconn implements the resource.Transport for WebSocket gateways.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	resource "github.com/omniviewdev/resclient/pkg/v1/resource"
)

var _ resource.Transport = (*Transport)(nil)

// ErrClosed is returned by Send after the connection was closed.
var ErrClosed = errors.New("wsconn: connection closed")

const defaultWriteTimeout = 10 * time.Second

// Transport dials a RES gateway over WebSocket. Each Dial opens a new
// connection.
type Transport struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	logger       *zap.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithHeader sets HTTP headers sent with the upgrade request, such as
// cookies or an Origin.
func WithHeader(h http.Header) Option {
	return func(t *Transport) { t.header = h }
}

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// WithWriteTimeout bounds writing a single frame.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) { t.writeTimeout = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New returns a Transport for a ws:// or wss:// URL.
func New(rawURL string, opts ...Option) (*Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wsconn: invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wsconn: unsupported scheme %q in %q", u.Scheme, rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("wsconn: missing host in %q", rawURL)
	}

	t := &Transport{
		url:          u.String(),
		dialer:       websocket.DefaultDialer,
		writeTimeout: defaultWriteTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("wsconn")
	return t, nil
}

// URL returns the gateway URL.
func (t *Transport) URL() string { return t.url }

// Dial connects and starts delivering received frames to h.
func (t *Transport) Dial(ctx context.Context, h resource.ConnHandler) (resource.Conn, error) {
	ws, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsconn: dial %s: %w (status %d)", t.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("wsconn: dial %s: %w", t.url, err)
	}
	t.logger.Debug("connected", zap.String("url", t.url))

	c := &conn{
		ws:           ws,
		handler:      h,
		writeTimeout: t.writeTimeout,
		logger:       t.logger,
		closed:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type conn struct {
	ws           *websocket.Conn
	handler      resource.ConnHandler
	writeTimeout time.Duration
	logger       *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *conn) readLoop() {
	for {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// Closed locally.
				c.handler.OnClose(nil)
				return
			default:
			}
			c.shutdown()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("closed by gateway", zap.Error(err))
				c.handler.OnClose(nil)
				return
			}
			c.logger.Debug("read failed", zap.Error(err))
			c.handler.OnClose(err)
			return
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			c.handler.OnMessage(msg)
		}
	}
}

// Send writes one text frame.
func (c *conn) Send(frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame and closes the connection.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// shutdown releases the connection after a read failure.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}
