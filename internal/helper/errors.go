package helper

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned for requests issued while no helper
// connection is up.
var ErrNotConnected = errors.New("helper not connected")

// TransportError reports a broken connection. All in-flight requests on a
// dying connection fail with it; callers may treat it as retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("helper transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports a request that exceeded its deadline, including a
// streaming response that never produced a terminal frame.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("helper %s timed out after %s", e.Command, e.Timeout)
}

// CommandError reports a helper-side failure: the request round-tripped but
// the helper answered with an error payload.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("helper %s failed: %s", e.Command, e.Message)
}

// IsTransport reports whether err is a connection-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te) || errors.Is(err, ErrNotConnected)
}

// IsTimeout reports whether err is a request deadline failure.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// CommandMessage extracts the helper-reported error message, or "".
func CommandMessage(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return ""
}
