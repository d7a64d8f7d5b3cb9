package orchestrator

import (
	"context"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// LaunchRequest describes the workspace a task needs.
type LaunchRequest struct {
	ProjectID  string
	BranchHint string
	SizeHint   string
}

// WorkspaceProvisioner creates and tears down execution environments.
// Launch may return before the workspace is usable; AwaitReady blocks until it is.
type WorkspaceProvisioner interface {
	Launch(ctx context.Context, req LaunchRequest) (workspaceID string, err error)
	AwaitReady(ctx context.Context, workspaceID string) error
	Release(ctx context.Context, workspaceID string) error
}

// TaskPayload is what an agent receives when a task is submitted.
type TaskPayload struct {
	TaskID           string
	ProjectID        string
	Title            string
	Description      string
	AgentProfileHint string
}

// SignalKind identifies what an agent session reported.
type SignalKind string

const (
	SignalProgress      SignalKind = "progress"
	SignalCompleted     SignalKind = "completed"
	SignalFailed        SignalKind = "failed"
	SignalWorkspaceLost SignalKind = "workspace_lost"
)

// Signal is one event from an agent session. SessionID identifies the
// delegation it belongs to.
type Signal struct {
	SessionID string
	Kind      SignalKind
	Note      string            // Progress note
	Outputs   scheduler.Outputs // Set on SignalCompleted
	Reason    string            // Set on SignalFailed / SignalWorkspaceLost
}

// AgentSessionClient talks to the coding agent running inside a workspace.
// Signals returns a channel that is closed once the session is over.
type AgentSessionClient interface {
	Submit(ctx context.Context, workspaceID string, payload TaskPayload) (sessionID string, err error)
	Stop(ctx context.Context, sessionID string) error
	Signals(sessionID string) <-chan Signal
}

func payloadFor(t *scheduler.Task) TaskPayload {
	return TaskPayload{
		TaskID:           t.ID,
		ProjectID:        t.ProjectID,
		Title:            t.Title,
		Description:      t.Description,
		AgentProfileHint: t.AgentProfileHint,
	}
}
