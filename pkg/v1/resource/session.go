package resource

import "context"

// session is one transport connection. It is the ConnHandler passed to
// Transport.Dial; messages and close notifications from a session that is
// no longer current are ignored.
type session struct {
	client *Client
	conn   Conn
}

func (s *session) OnMessage(frame []byte) { s.client.handleFrame(s, frame) }
func (s *session) OnClose(err error)       { s.client.handleTransportClose(s, err) }

type sessionKey struct{}

// withSession marks ctx as belonging to the handshake of s. Requests made
// with such a context skip the queue that holds requests until the client
// is connected.
func withSession(ctx context.Context, s *session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// sessionFromContext returns the session stored in ctx, or nil.
func sessionFromContext(ctx context.Context) *session {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(sessionKey{}).(*session)
	return s
}
