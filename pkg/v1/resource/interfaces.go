package resource

import "context"

// Transport opens connections to a RES gateway.
// The wsconn package provides a WebSocket implementation.
type Transport interface {
	// Dial opens a connection. Frames read from it are delivered to handler
	// until handler.OnClose is called. ctx bounds the dial only.
	Dial(ctx context.Context, handler ConnHandler) (Conn, error)
}

// Conn is an open connection to a gateway.
type Conn interface {
	// Send writes one text frame. It is called with the client lock held and
	// must not call back into the handler.
	Send(frame []byte) error

	// Close closes the connection. It must not call OnClose synchronously.
	Close() error
}

// ConnHandler receives what a Conn reads. Calls must not overlap.
type ConnHandler interface {
	OnMessage(frame []byte)

	// OnClose is called once when the connection is lost. err is nil when
	// the connection was closed through Conn.Close.
	OnClose(err error)
}

// ClientEventSink receives client lifecycle events. Register with
// Client.AddListener. Callbacks run outside the client lock.
type ClientEventSink interface {
	// OnConnect is called once the version handshake and the on-connect hook
	// have completed.
	OnConnect()

	// OnDisconnect is called when an established connection is lost.
	OnDisconnect(err error)

	// OnError is called for error responses and for protocol errors in
	// messages received from the gateway.
	OnError(err error)
}
