package domain

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Task store errors
	ErrTaskNotFound           = errors.New("task not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrPersistence            = errors.New("persistence failure")

	// Process execution errors
	ErrProcessSpawn       = errors.New("agent process could not be started")
	ErrProcessTimeout     = errors.New("agent process timed out")
	ErrProcessNonZeroExit = errors.New("agent process exited with non-zero status")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid execution config")

	// Scheduling errors
	ErrAlreadyQueued = errors.New("task already queued or running")
)

// TransitionError describes a rejected lifecycle edge.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move from %s to %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// ProcessError carries the details of a failed agent run.
type ProcessError struct {
	Kind     error // one of ErrProcessSpawn, ErrProcessTimeout, ErrProcessNonZeroExit
	ExitCode int
	Timeout  time.Duration
	Err      error
}

func (e *ProcessError) Error() string {
	switch e.Kind {
	case ErrProcessTimeout:
		return "timed out after " + FormatSeconds(e.Timeout) + " seconds"
	case ErrProcessNonZeroExit:
		return fmt.Sprintf("exit status %d", e.ExitCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%v: %v", e.Kind, e.Err)
		}
		return e.Kind.Error()
	}
}

func (e *ProcessError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// FormatSeconds renders d as a plain number of seconds ("5", "0.5").
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
