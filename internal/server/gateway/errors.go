package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUnsupported    = errors.New("operation not supported by object store")
	ErrTooManySources = errors.New("too many compose sources")
	ErrInvalidPart    = errors.New("invalid multipart part")
)

// Error carries the failed operation and the object it targeted.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("gateway.%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("gateway.%s %s: %v", e.Op, e.Bucket, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, bucket, key string, err error) *Error {
	return &Error{Op: op, Bucket: bucket, Key: key, Err: err}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// IsRetriable reports whether repeating the same call may succeed.
func IsRetriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrObjectNotFound),
		errors.Is(err, ErrUnsupported),
		errors.Is(err, ErrTooManySources),
		errors.Is(err, ErrInvalidPart):
		return false
	}
	return true
}
