package interceptors

import (
	"context"
	"fmt"
	"runtime/debug"
)

// PanicError is returned by PanicRecovery when the wrapped handler panicked.
type PanicError struct {
	Direction Direction
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic handling %s frame: %v", e.Direction, e.Value)
}

// PanicRecovery returns an interceptor that turns a panic further down the
// chain into a *PanicError.
func PanicRecovery() Interceptor {
	return func(ctx context.Context, dir Direction, frame []byte, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Direction: dir, Value: r, Stack: debug.Stack()}
			}
		}()
		return next(ctx, dir, frame)
	}
}
