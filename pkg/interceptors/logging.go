package interceptors

import (
	"context"

	"go.uber.org/zap"
)

// Logging returns an interceptor that logs every frame at debug level, and
// frames whose handling failed at warn level.
func Logging(logger *zap.Logger) Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("frames")
	return func(ctx context.Context, dir Direction, frame []byte, next Handler) error {
		fields := []zap.Field{
			zap.Stringer("direction", dir),
			zap.ByteString("frame", frame),
		}
		if info, ok := FrameInfoFromContext(ctx); ok {
			fields = append(fields,
				zap.Uint64("request_id", info.RequestID),
				zap.String("method", info.Method),
			)
		}
		err := next(ctx, dir, frame)
		if err != nil {
			logger.Warn("frame handling failed", append(fields, zap.Error(err))...)
			return err
		}
		logger.Debug("frame", fields...)
		return nil
	}
}
