package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrTimeout indicates the upstream call exceeded a connect, write, or
// read-inactivity deadline.
var ErrTimeout = errors.New("upstream timed out")

// StatusError is returned when the upstream replies with a non-2xx status
// before any stream data has been delivered.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Code)
}

// TransportError wraps connection-level failures: resets, DNS lookup
// failures, TLS handshake failures.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "upstream transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// classifyErr maps a raw transport or context error onto the error taxonomy.
// Context cancellation is passed through untouched so callers can tell a
// departed client apart from an upstream failure.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	var se *StatusError
	if errors.As(err, &se) {
		return err
	}
	return &TransportError{Err: err}
}
