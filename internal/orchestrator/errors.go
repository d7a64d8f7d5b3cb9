package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrNoAgentClient = errors.New("no agent session client configured")
	ErrNoProvisioner = errors.New("no workspace provisioner configured")
)

// ProvisionError is returned when a workspace could not be launched or never
// became ready. The task keeps its status.
type ProvisionError struct {
	TaskID      string
	WorkspaceID string // Empty when Launch itself failed
	Err         error
}

func (e *ProvisionError) Error() string {
	if e.WorkspaceID == "" {
		return fmt.Sprintf("provisioning workspace for task %s: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("provisioning workspace %s for task %s: %v", e.WorkspaceID, e.TaskID, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// SubmitError is returned when the agent session refused or never
// acknowledged the task. The task keeps its status.
type SubmitError struct {
	TaskID      string
	WorkspaceID string
	Err         error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submitting task %s to workspace %s: %v", e.TaskID, e.WorkspaceID, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// DelegationError is returned when a session was started but binding it to
// the task failed. The session has been stopped and the task keeps its status.
type DelegationError struct {
	TaskID      string
	WorkspaceID string
	SessionID   string
	Err         error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("binding task %s to workspace %s (session %s): %v", e.TaskID, e.WorkspaceID, e.SessionID, e.Err)
}

func (e *DelegationError) Unwrap() error { return e.Err }

// PermanentError marks an adapter error that retrying cannot fix, such as a
// misconfigured profile. It is neither retried nor counted by the circuit
// breaker.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
