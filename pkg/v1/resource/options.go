package resource

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/omniviewdev/resclient/pkg/interceptors"
)

// Option configures a Client.
type Option func(*Client)

// WithConfig sets the client configuration. Zero fields take their defaults.
func WithConfig(cfg Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock replaces the clock used for the unsubscribe, stale and
// reconnect timers.
func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithTracerProvider sets the provider used to create one span per request.
// The default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracerProvider = tp }
}

// OnConnectFunc runs after the version handshake of every connection, before
// queued requests are sent. Requests issued with ctx are sent right away,
// which makes it the place to authenticate. A returned error closes the
// connection.
type OnConnectFunc func(ctx context.Context, c *Client) error

// WithOnConnect sets the on-connect hook.
func WithOnConnect(f OnConnectFunc) Option {
	return func(c *Client) { c.onConnect = f }
}

// WithInterceptors wraps every frame sent and received. The first
// interceptor is the outermost.
func WithInterceptors(ics ...interceptors.Interceptor) Option {
	return func(c *Client) { c.interceptors = append(c.interceptors, ics...) }
}

// WithModelType registers a model factory for a pattern at construction.
// It panics if the pattern is invalid.
func WithModelType(pattern string, f ModelFactory) Option {
	return func(c *Client) {
		if err := c.models.Register(pattern, f); err != nil {
			panic(err)
		}
	}
}

// WithCollectionType registers a collection factory for a pattern at
// construction. It panics if the pattern is invalid.
func WithCollectionType(pattern string, f CollectionFactory) Option {
	return func(c *Client) {
		if err := c.collections.Register(pattern, f); err != nil {
			panic(err)
		}
	}
}
