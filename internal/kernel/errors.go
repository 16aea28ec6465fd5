package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrLaunch matches every LaunchError.
	ErrLaunch = errors.New("kernel launch failed")
	// ErrInvalidState matches every InvalidStateError.
	ErrInvalidState = errors.New("invalid supervisor state")
	// ErrRestart matches every RestartError.
	ErrRestart = errors.New("kernel restart failed")
)

// LaunchError reports that a kernel could not be resolved, allocated or
// spawned. The supervisor is left in the state it started from.
type LaunchError struct {
	Kernel string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Kernel == "" {
		return fmt.Sprintf("launch kernel: %v", e.Err)
	}
	return fmt.Sprintf("launch kernel %s: %v", e.Kernel, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }

// InvalidStateError reports an operation called from a state that does not
// allow it. It is a caller bug and never worth retrying.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s kernel while %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// RestartError reports that the kernel could not be relaunched. The
// supervisor is Stopped afterwards.
type RestartError struct {
	Kernel   string
	Attempts int
	Err      error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("restart kernel %s: gave up after %d attempt(s): %v", e.Kernel, e.Attempts, e.Err)
}

func (e *RestartError) Unwrap() error { return e.Err }

func (e *RestartError) Is(target error) bool { return target == ErrRestart }
