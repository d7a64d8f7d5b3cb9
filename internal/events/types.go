package events

import (
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicGraph = "graph"
)

// Event type constants
const (
	EventTypeStatusChanged  = "task.status_changed"
	EventTypeAttemptFailed  = "task.attempt_failed"
	EventTypeAgentProgress  = "task.agent_progress"
	EventTypeStatusObserved = "task.status_observed"
	EventTypeBlockedChanged = "graph.blocked_changed"
)

// StatusChangedEvent is published after a transition is committed.
type StatusChangedEvent struct {
	ID        string
	ProjectID string
	From      scheduler.Status
	To        scheduler.Status
	Actor     scheduler.ActorType
	Reason    string
	Timestamp time.Time
}

func (e StatusChangedEvent) EventType() string { return EventTypeStatusChanged }
func (e StatusChangedEvent) TaskID() string    { return e.ID }

// AttemptFailedEvent is published when provisioning, submission or binding a
// workspace failed and the task kept its status.
type AttemptFailedEvent struct {
	ID          string
	ProjectID   string
	WorkspaceID string
	Stage       string // "provision", "submit" or "delegate"
	Err         error
	Timestamp   time.Time
}

func (e AttemptFailedEvent) EventType() string { return EventTypeAttemptFailed }
func (e AttemptFailedEvent) TaskID() string    { return e.ID }

// AgentProgressEvent carries a progress note from a running agent.
type AgentProgressEvent struct {
	ID          string
	WorkspaceID string
	Note        string
	Timestamp   time.Time
}

func (e AgentProgressEvent) EventType() string { return EventTypeAgentProgress }
func (e AgentProgressEvent) TaskID() string    { return e.ID }

// StatusObservedEvent is published when a task is found in a status this
// process did not commit, e.g. a cancel issued by another process sharing
// the database.
type StatusObservedEvent struct {
	ID        string
	ProjectID string
	Status    scheduler.Status
	Timestamp time.Time
}

func (e StatusObservedEvent) EventType() string { return EventTypeStatusObserved }
func (e StatusObservedEvent) TaskID() string    { return e.ID }

// BlockedChangedEvent is pushed when a dependency change flips a task's
// blocked predicate.
type BlockedChangedEvent struct {
	ID        string
	ProjectID string
	Blocked   bool
	Timestamp time.Time
}

func (e BlockedChangedEvent) EventType() string { return EventTypeBlockedChanged }
func (e BlockedChangedEvent) TaskID() string    { return e.ID }
