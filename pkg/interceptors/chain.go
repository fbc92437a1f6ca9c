package interceptors

import (
	"context"

	"go.uber.org/zap"
)

// Direction tells an interceptor which way a frame is travelling.
type Direction int

const (
	// Outbound frames are written by the client to the gateway.
	Outbound Direction = iota
	// Inbound frames are read by the client from the gateway.
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Handler consumes a single frame.
type Handler func(ctx context.Context, dir Direction, frame []byte) error

// Interceptor wraps frame handling. Implementations must call next to pass
// the frame on, and may return early to drop it.
type Interceptor func(ctx context.Context, dir Direction, frame []byte, next Handler) error

// Chain composes interceptors so that the first one is outermost.
// Chain with no arguments returns a pass-through interceptor.
func Chain(interceptors ...Interceptor) Interceptor {
	return func(ctx context.Context, dir Direction, frame []byte, final Handler) error {
		h := final
		for i := len(interceptors) - 1; i >= 0; i-- {
			ic, next := interceptors[i], h
			h = func(ctx context.Context, dir Direction, frame []byte) error {
				return ic(ctx, dir, frame, next)
			}
		}
		return h(ctx, dir, frame)
	}
}

// DefaultInterceptors returns the interceptor set a client installs in debug
// mode, innermost of any others.
func DefaultInterceptors(logger *zap.Logger) []Interceptor {
	return []Interceptor{
		PanicRecovery(),
		Logging(logger),
	}
}
