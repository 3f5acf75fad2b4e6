package errors

import "errors"

// WrapOpComponent wraps err with Op and Component, keeping the code of an
// already structured error. If err is nil, returns nil.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	var inner *Error
	if errors.As(err, &inner) {
		wrapped := *inner
		wrapped.Op = op
		wrapped.Component = component
		wrapped.Err = inner.Err
		return &wrapped
	}
	return &Error{Op: op, Component: component, Err: err}
}
