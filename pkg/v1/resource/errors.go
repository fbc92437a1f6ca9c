package resource

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Predefined RES error codes. Services may send any other code; those are
// passed through unchanged.
const (
	CodeAccessDenied        = "system.accessDenied"
	CodeInternalError       = "system.internalError"
	CodeInvalidParams       = "system.invalidParams"
	CodeInvalidQuery        = "system.invalidQuery"
	CodeInvalidRequest      = "system.invalidRequest"
	CodeMethodNotFound      = "system.methodNotFound"
	CodeNotFound            = "system.notFound"
	CodeTimeout             = "system.timeout"
	CodeUnsupportedProtocol = "system.unsupportedProtocol"
	CodeUnknownError        = "system.unknownError"

	// Produced by the client.
	CodeConnectionError = "system.connectionError"
	CodeDisconnect      = "system.disconnect"
)

var (
	// ErrResourceNotCached is returned when listeners are attached to or removed
	// from a resource that is not in the cache.
	ErrResourceNotCached = errors.New("resource not cached")

	// ErrListenerNotFound is returned by ResourceOff for a listener that was
	// already removed.
	ErrListenerNotFound = errors.New("listener not found")

	// ErrProtocol wraps every malformed or inconsistent message received from
	// the gateway.
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidRID is returned for empty resource IDs.
	ErrInvalidRID = errors.New("invalid resource ID")

	// ErrInvalidMethod is returned for call or auth requests without a method.
	ErrInvalidMethod = errors.New("invalid method")

	// ErrInvalidPattern is returned when registering a malformed type pattern.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrPatternRegistered is returned when a type pattern is registered twice.
	ErrPatternRegistered = errors.New("pattern already registered")
)

// Error is a RES error, either returned by the gateway in response to a
// request or produced locally for failed connections. It also backs
// ErrorResource, the cached form of a resource that could not be loaded.
type Error struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	// RID is the resource the failed request targeted, if any.
	RID string `json:"-"`
	// Method is the method name of a failed call or auth request.
	Method string `json:"-"`
	// Params holds the parameters of the failed request.
	Params any `json:"-"`

	cause error
}

func (e *Error) Error() string {
	if e.RID != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.RID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the transport error behind a connection error.
func (e *Error) Unwrap() error { return e.cause }

// IsError reports whether err is or wraps an *Error.
func IsError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// ErrorCode returns the RES code of err if it is or wraps an *Error,
// and the empty string otherwise.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// wireError is an error object as it appears on the wire.
type wireError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func newError(rid, method string, params any, w *wireError) *Error {
	e := &Error{RID: rid, Method: method, Params: params, Code: CodeUnknownError}
	if w != nil {
		e.Code, e.Message, e.Data = w.Code, w.Message, w.Data
		if e.Code == "" {
			e.Code = CodeUnknownError
		}
	}
	if e.Message == "" {
		e.Message = "Unknown error"
	}
	return e
}

func connectionError(rid, method string, params any, cause error) *Error {
	var e *Error
	if errors.As(cause, &e) && e.Code == CodeDisconnect {
		return &Error{RID: rid, Method: method, Params: params, Code: e.Code, Message: e.Message, cause: cause}
	}
	return &Error{
		RID:     rid,
		Method:  method,
		Params:  params,
		Code:    CodeConnectionError,
		Message: "Connection error",
		cause:   cause,
	}
}

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// InvariantError is the panic value used when a reference count of a cache
// entry would become negative. It signals a bug in the client, not a
// condition callers can recover from.
type InvariantError struct {
	RID     string
	Counter string
	Value   int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("resclient: %s count of %q dropped to %d", e.Counter, e.RID, e.Value)
}
