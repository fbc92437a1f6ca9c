package interceptors

import "context"

// FrameInfo describes an outbound request frame. The client attaches it to
// the context handed to interceptors so they can annotate logs without
// decoding the frame.
type FrameInfo struct {
	RequestID uint64
	Method    string
}

type frameInfoKey struct{}

// WithFrameInfo returns a copy of ctx carrying info.
func WithFrameInfo(ctx context.Context, info FrameInfo) context.Context {
	return context.WithValue(ctx, frameInfoKey{}, info)
}

// FrameInfoFromContext returns the FrameInfo attached to ctx, if any.
func FrameInfoFromContext(ctx context.Context) (FrameInfo, bool) {
	info, ok := ctx.Value(frameInfoKey{}).(FrameInfo)
	return info, ok
}
