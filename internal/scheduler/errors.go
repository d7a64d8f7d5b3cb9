package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a task changed since the caller read it.
	ErrConflict = errors.New("task was modified concurrently")

	ErrIllegalTransition = errors.New("illegal status transition")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidInput      = errors.New("invalid input")

	ErrWouldCycle       = errors.New("dependency would create a cycle")
	ErrSelfReference    = errors.New("task cannot depend on itself")
	ErrCrossProject     = errors.New("tasks belong to different projects")
	ErrParentCycle      = errors.New("parent assignment would create a cycle")
	ErrNotEditable      = errors.New("task is not editable in its current status")
	ErrTaskActive       = errors.New("task has an active delegation")
	ErrActiveDependents = errors.New("task has non-terminal dependents")

	ErrNotDelegable  = errors.New("task is not ready or queued")
	ErrBlocked       = errors.New("task is blocked by unfinished dependencies")
	ErrWorkspaceBusy = errors.New("workspace already runs another task")

	// ErrStaleCallback is returned when an execution signal arrives for a
	// delegation that already finished or was superseded. Nothing is applied.
	ErrStaleCallback = errors.New("stale execution callback")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: %s -> %s: %v", e.TaskID, e.From, e.To, ErrIllegalTransition)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// IsValidation reports whether err belongs to the validation family: the
// caller asked for something the rules forbid and nothing was applied.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrIllegalTransition, ErrInvalidStatus, ErrInvalidInput,
		ErrWouldCycle, ErrSelfReference, ErrCrossProject, ErrParentCycle,
		ErrNotEditable, ErrTaskActive, ErrActiveDependents,
		ErrNotDelegable, ErrBlocked, ErrWorkspaceBusy,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
