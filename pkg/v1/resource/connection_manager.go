package resource

import (
	"context"
	"encoding/json"
	"slices"

	"go.uber.org/zap"

	"github.com/omniviewdev/resclient/pkg/types"
)

const (
	stateDisconnected = types.ConnectionStateDisconnected
	stateConnecting   = types.ConnectionStateConnecting
	stateNegotiating  = types.ConnectionStateNegotiating
	stateConnected    = types.ConnectionStateConnected
)

// connectAttempt is shared by every caller waiting for the same connection
// attempt. It stays resolved for as long as that connection is up.
type connectAttempt struct {
	done chan struct{}
	err  error
}

func newConnectAttempt() *connectAttempt {
	return &connectAttempt{done: make(chan struct{})}
}

func (a *connectAttempt) resolve(err error) {
	select {
	case <-a.done:
	default:
		a.err = err
		close(a.done)
	}
}

func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type versionParams struct {
	Protocol string `json:"protocol"`
}

type versionResult struct {
	Protocol string `json:"protocol"`
}

// Connect connects to the gateway unless already connected, and waits until
// the handshake completes or ctx is done. Concurrent calls share a single
// attempt. A client that was connected at least once reconnects on its own
// until Disconnect is called, as long as it holds cached resources.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	a := c.connectLocked()
	c.unlock()
	return a.wait(ctx)
}

// Disconnect closes the connection and stops reconnecting. Pending requests
// and connection attempts fail with a CodeDisconnect error. Cached resources
// with listeners are kept and resubscribed on the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.unlock()

	c.tryConnect = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.sess == nil && c.attempt == nil {
		return
	}
	s := c.sess
	c.handleClose(&Error{Code: CodeDisconnect, Message: "Disconnect called"})
	if s != nil && s.conn != nil {
		if err := s.conn.Close(); err != nil {
			c.logger.Debug("error closing connection", zap.Error(err))
		}
	}
}

func (c *Client) connectLocked() *connectAttempt {
	c.tryConnect = true
	if c.attempt != nil {
		return c.attempt
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}

	a := newConnectAttempt()
	s := &session{client: c}
	c.attempt, c.sess = a, s
	c.state = stateConnecting
	c.logger.Debug("connecting", zap.String("url", c.cfg.URL))
	go c.dial(s)
	return a
}

func (c *Client) dial(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	conn, err := c.transport.Dial(ctx, s)

	c.mu.Lock()
	defer c.unlock()

	if c.sess != s {
		// Disconnected while dialing.
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Info("failed to connect", zap.String("url", c.cfg.URL), zap.Error(err))
		c.handleClose(err)
		return
	}

	s.conn = conn
	c.state = stateNegotiating
	c.sendNow(&request{
		ctx:    context.Background(),
		action: actionVersion,
		params: versionParams{Protocol: types.SupportedProtocol.String()},
		onResult: func(result []byte, err error) {
			c.handleVersion(s, result, err)
		},
	})
}

func (c *Client) handleVersion(s *session, result []byte, err error) {
	if c.sess != s {
		return
	}
	if err != nil {
		if ErrorCode(err) != CodeInvalidRequest {
			c.logger.Warn("version handshake failed", zap.Error(err))
			c.closeSession(s, err)
			return
		}
		// Gateways predating the version request reject it.
		c.protocol = types.LegacyProtocol
	} else {
		var v versionResult
		_ = json.Unmarshal(result, &v)
		p, perr := types.ParseProtocolVersion(v.Protocol)
		if perr != nil {
			p = types.LegacyProtocol
		}
		c.protocol = p
	}
	c.logger.Debug("negotiated protocol", zap.Stringer("protocol", c.protocol))

	if c.onConnect == nil {
		c.completeConnect(s)
		return
	}
	hook := c.onConnect
	go func() {
		herr := hook(withSession(context.Background(), s), c)
		c.mu.Lock()
		defer c.unlock()
		if c.sess != s {
			return
		}
		if herr != nil {
			c.logger.Warn("on-connect hook failed", zap.Error(herr))
			c.closeSession(s, herr)
			return
		}
		c.completeConnect(s)
	}()
}

func (c *Client) completeConnect(s *session) {
	c.state = stateConnected
	c.logger.Info("connected", zap.String("url", c.cfg.URL), zap.Stringer("protocol", c.protocol))

	q := c.queue
	c.queue = nil
	for _, req := range q {
		c.sendNow(req)
	}
	c.subscribeToAllStale()
	c.emitConnect()
	if c.sess == s {
		c.attempt.resolve(nil)
	}
}

// closeSession closes the transport of s and handles the loss right away;
// the late OnClose from the transport is then ignored.
func (c *Client) closeSession(s *session, cause error) {
	c.handleClose(cause)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (c *Client) handleTransportClose(s *session, err error) {
	c.mu.Lock()
	defer c.unlock()
	if c.sess != s {
		return
	}
	if err == nil {
		err = &Error{Code: CodeDisconnect, Message: "Connection closed"}
	}
	c.logger.Info("connection closed", zap.String("url", c.cfg.URL), zap.Error(err))
	c.handleClose(err)
}

// handleClose tears down the current session: the connect attempt and all
// pending requests fail, subscriptions are demoted to stale, and a
// reconnect is scheduled if the client should stay connected.
func (c *Client) handleClose(cause error) {
	wasConnected := c.state == stateConnected
	c.sess = nil
	c.state = stateDisconnected

	if a := c.attempt; a != nil {
		c.attempt = nil
		a.resolve(connectionError("", "", nil, cause))
	}

	for _, id := range sortedIDs(c.requests) {
		req := c.requests[id]
		delete(c.requests, id)
		req.finish(nil, connectionError(req.rid, req.method, req.params, cause))
	}
	q := c.queue
	c.queue = nil
	for _, req := range q {
		req.finish(nil, connectionError(req.rid, req.method, req.params, cause))
	}

	if wasConnected {
		for _, rid := range sortedKeys(c.cache) {
			ci := c.cache[rid]
			if ci == nil || ci.subscribed == 0 {
				continue
			}
			ci.addSubscribed(0)
			c.stale[rid] = struct{}{}
			c.tryDelete(ci)
		}
		c.emitDisconnect(cause)
	}

	c.tryConnect = c.tryConnect && len(c.cache) > 0
	if c.tryConnect {
		c.reconnect(wasConnected)
	}
}

func (c *Client) reconnect(immediate bool) {
	if immediate {
		c.logger.Info("reconnecting", zap.String("url", c.cfg.URL))
		c.connectLocked()
		return
	}
	if c.reconnectTimer != nil {
		return
	}
	c.logger.Info("reconnecting after delay", zap.Duration("delay", c.cfg.ReconnectDelay))
	var t Timer
	t = c.clock.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		defer c.unlock()
		if c.reconnectTimer != t {
			return
		}
		c.reconnectTimer = nil
		if c.tryConnect && c.attempt == nil {
			c.connectLocked()
		}
	})
	c.reconnectTimer = t
}

func sortedIDs(m map[uint64]*request) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
