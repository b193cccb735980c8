package browser

import (
	"errors"
	"fmt"
)

// ErrManagerClosed is returned by Acquire after Shutdown.
var ErrManagerClosed = errors.New("browser: manager is closed")

// ErrNoCapacity is returned when every slot is taken by a process that is
// not ready and the process cap forbids starting another.
var ErrNoCapacity = errors.New("browser: no process capacity available")

// StartupError wraps a failure to launch Chromium within the startup
// timeout.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("browser startup failed: %v", e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// EnvironmentError signals a missing precondition from the packaging layer,
// such as an absent browser binary. It is never retried.
type EnvironmentError struct {
	Reason string
	Err    error
}

func (e *EnvironmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("environment precondition failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("environment precondition failed: %s", e.Reason)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }
