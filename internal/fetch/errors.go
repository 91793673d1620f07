package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrMalformed marks a response that arrived but could not be understood. Retrying it
// would return the same payload, so it is permanent.
var ErrMalformed = errors.New("malformed response")

// Classifier is implemented by errors that know whether a retry can succeed, such as
// HTTP status errors.
type Classifier interface {
	Transient() bool
}

type classified struct {
	err       error
	transient bool
}

func (c *classified) Error() string   { return c.err.Error() }
func (c *classified) Unwrap() error   { return c.err }
func (c *classified) Transient() bool { return c.transient }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, transient: true}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, transient: false}
}

// Malformed wraps a decode failure so that it matches ErrMalformed.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// IsTransient decides whether a failed call should be retried. Cancellation is never
// retried; per-call timeouts and network errors are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrMalformed) {
		return false
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
