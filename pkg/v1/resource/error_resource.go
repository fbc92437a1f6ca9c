package resource

// ErrorResource stands in for a resource the gateway could not deliver, such
// as a referenced model the client has no access to.
type ErrorResource struct {
	rid string
	err *Error
}

func newErrorResource(rid string, w *wireError) *ErrorResource {
	return &ErrorResource{rid: rid, err: newError(rid, "", nil, w)}
}

func (e *ErrorResource) ResourceID() string { return e.rid }
func (e *ErrorResource) Kind() Kind         { return KindError }
func (*ErrorResource) isResource()          {}

// Err returns the error the gateway reported for the resource.
func (e *ErrorResource) Err() *Error { return e.err }
