package scheduler

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusReady      Status = "ready"
	StatusQueued     Status = "queued"
	StatusDelegated  Status = "delegated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusDraft, StatusReady, StatusQueued, StatusDelegated,
		StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled,
	}
}

// ParseStatus converts a string into a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// IsTerminal reports whether no further work happens in this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the task is bound to a running delegation.
func (s Status) IsActive() bool {
	return s == StatusDelegated || s == StatusInProgress
}

// IsEditable reports whether direct field edits are allowed.
func (s Status) IsEditable() bool {
	return s == StatusDraft || s == StatusReady
}

// IsDelegable reports whether the coordinator may hand the task to a workspace.
func (s Status) IsDelegable() bool {
	return s == StatusReady || s == StatusQueued
}

func (s Status) String() string { return string(s) }

// ActorType identifies who caused a status change.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorAgent  ActorType = "agent"
)

// Task is a unit of agent work scheduled against a project.
type Task struct {
	ID               string
	ProjectID        string
	Title            string
	Description      string
	Status           Status
	Priority         int    // Sort order only
	ParentTaskID     string // Organizational tree, "" for a root task
	AgentProfileHint string // Passed through to the agent untouched

	WorkspaceID string // Set while delegated/in_progress, retained after a delegated terminal state
	SessionID   string // External agent session bound with WorkspaceID

	OutputSummary string
	OutputBranch  string
	OutputPRURL   string
	ErrorMessage  string

	// Blocked is derived from the dependency graph and never stored.
	Blocked bool

	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Outputs are the results an agent reports on completion.
type Outputs struct {
	Summary string
	Branch  string
	PRURL   string
}

// Edge says TaskID must not start before DependsOnID is completed.
type Edge struct {
	TaskID      string
	DependsOnID string
}

// StatusEvent is an append-only record of a status change.
// From is empty for the creation event. An event with From == To records a
// failed delegation attempt that left the status unchanged.
type StatusEvent struct {
	ID        int64
	TaskID    string
	From      Status
	To        Status
	Actor     ActorType
	Reason    string
	CreatedAt time.Time
}

// IsAttempt reports whether the event records an attempt rather than a transition.
func (e StatusEvent) IsAttempt() bool {
	return e.From != "" && e.From == e.To
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
