package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/Paintersrp/kernelsup/internal/connection"
)

var (
	// ErrNotStarted is returned by channel operations before StartChannels.
	ErrNotStarted = errors.New("channels not started")
	// ErrClosed is returned once a channel's connection has gone away.
	ErrClosed = errors.New("channel closed")
	// ErrTimeout matches every TimeoutError.
	ErrTimeout = errors.New("timed out waiting for message")
	// ErrNotReady matches every ReadinessTimeoutError.
	ErrNotReady = errors.New("kernel did not become ready")
	// ErrKernelDied is reported when the supervised process exits while the
	// client is waiting for it.
	ErrKernelDied = errors.New("kernel died before replying")
)

// TimeoutError reports that no matching message arrived on a channel in time.
// The channel stays open.
type TimeoutError struct {
	Channel connection.Role
	MsgID   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.MsgID != "" {
		return fmt.Sprintf("no reply to %s on %s channel within %s", e.MsgID, e.Channel, e.Timeout)
	}
	return fmt.Sprintf("no message on %s channel within %s", e.Channel, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ReadinessTimeoutError is returned by WaitForReady. Callers should tear down
// both the client and the supervisor.
type ReadinessTimeoutError struct {
	Timeout time.Duration
	Elapsed time.Duration
	Err     error
}

func (e *ReadinessTimeoutError) Error() string {
	msg := fmt.Sprintf("kernel not ready after %s (timeout %s)", e.Elapsed.Round(time.Millisecond), e.Timeout)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReadinessTimeoutError) Unwrap() error { return e.Err }

func (e *ReadinessTimeoutError) Is(target error) bool { return target == ErrNotReady }
