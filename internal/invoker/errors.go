package invoker

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/circuitbreaker"
)

// ConnectionError is the terminal failure of an agent call: a timeout, an
// unreachable endpoint, an error status or a reply that could not be decoded.
type ConnectionError struct {
	AgentID    string
	Attempts   int
	Timeout    bool
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("agent %s timed out after %d attempt(s): %v", e.AgentID, e.Attempts, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("agent %s returned HTTP %d after %d attempt(s): %v", e.AgentID, e.StatusCode, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("agent %s unreachable after %d attempt(s): %v", e.AgentID, e.Attempts, e.Err)
	}
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrMalformedReply marks a 2xx answer without a usable reply.
var ErrMalformedReply = errors.New("malformed agent reply")

// attemptError classifies the failure of a single HTTP attempt.
type attemptError struct {
	err        error
	retryable  bool
	timeout    bool
	statusCode int
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func classifyTransport(err error) *attemptError {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return &attemptError{err: err}
	case isTimeout(err):
		return &attemptError{err: err, timeout: true}
	case errors.Is(err, context.Canceled):
		return &attemptError{err: err}
	default:
		return &attemptError{err: err, retryable: true}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func classifyStatus(code int, msg string) *attemptError {
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", code)
	}
	err := errors.New(msg)
	return &attemptError{
		err:        err,
		statusCode: code,
		retryable:  code >= 500 || code == 429,
	}
}
