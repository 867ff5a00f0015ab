package runner

import (
	"fmt"
	"time"
)

// LaunchError reports that the external program could not be started, for
// example because it does not exist. The attempt counts as failed.
type LaunchError struct {
	Program string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Program, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ProcessFailure reports that the external program ran but did not succeed:
// it exited non-zero, was killed by a signal, or exceeded its timeout.
type ProcessFailure struct {
	ExitCode int
	// Signal is set when the process was terminated by a signal.
	Signal   string
	TimedOut bool
	Timeout  time.Duration
}

func (e *ProcessFailure) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("process timed out after %s", e.Timeout)
	case e.Signal != "":
		return fmt.Sprintf("process killed by signal %s", e.Signal)
	}
	return fmt.Sprintf("process exited with code %d", e.ExitCode)
}
