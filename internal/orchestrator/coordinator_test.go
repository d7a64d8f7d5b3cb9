package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aristath/taskpilot/internal/persistence"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// Scenario: create -> ready -> delegate -> agent completes.
func TestDelegateThenComplete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task := h.ready(t, "A")
	delegated, err := h.svc.Delegate(ctx, task.ID, "ws1")
	if err != nil {
		t.Fatalf("Delegate failed: %v", err)
	}
	if delegated.Status != scheduler.StatusDelegated || delegated.WorkspaceID != "ws1" || delegated.SessionID != "sess-1" {
		t.Fatalf("unexpected delegated task: %+v", delegated)
	}

	if err := h.svc.OnAgentCompleted(ctx, task.ID, scheduler.Outputs{Summary: "done", Branch: "branch/x"}); err != nil {
		t.Fatalf("OnAgentCompleted failed: %v", err)
	}

	got := h.get(t, task.ID)
	if got.Status != scheduler.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.WorkspaceID != "ws1" || got.OutputBranch != "branch/x" || got.OutputSummary != "done" || got.OutputPRURL != "" {
		t.Errorf("unexpected outputs: %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Errorf("expected startedAt and completedAt, got %v %v", got.StartedAt, got.CompletedAt)
	}

	// completed is only reachable through in_progress
	evs := h.events(t, task.ID)
	if len(evs) != 5 || evs[1].To != scheduler.StatusInProgress || evs[0].To != scheduler.StatusCompleted {
		t.Errorf("expected ... -> delegated -> in_progress -> completed, got %+v", evs)
	}
	if got := testutil.ToFloat64(h.metrics.attempts.WithLabelValues(stageSubmit, "ok")); got != 1 {
		t.Errorf("expected one successful submit counted, got %v", got)
	}
}

func TestDelegatePreconditions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	draft := h.create(t, "draft")
	dep := h.ready(t, "dependency")
	blocked := h.ready(t, "blocked", dep.ID)
	busy := h.ready(t, "holder")
	if _, err := h.svc.Delegate(ctx, busy.ID, "ws-busy"); err != nil {
		t.Fatal(err)
	}
	free := h.ready(t, "free")
	submitsBefore := h.agents.submitCount()

	tests := []struct {
		name      string
		taskID    string
		workspace string
		wantErr   error
	}{
		{"draft task", draft.ID, "ws-a", scheduler.ErrNotDelegable},
		{"blocked task", blocked.ID, "ws-a", scheduler.ErrBlocked},
		{"busy workspace", free.ID, "ws-busy", scheduler.ErrWorkspaceBusy},
		{"already delegated", busy.ID, "ws-b", scheduler.ErrNotDelegable},
		{"missing workspace", free.ID, "", scheduler.ErrInvalidInput},
		{"unknown task", "ghost", "ws-a", scheduler.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var before int
			if tt.taskID != "ghost" {
				before = len(h.events(t, tt.taskID))
			}
			_, err := h.svc.Delegate(ctx, tt.taskID, tt.workspace)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !scheduler.IsValidation(err) && !errors.Is(err, scheduler.ErrNotFound) {
				t.Errorf("expected a validation error, got %v", err)
			}
			if tt.taskID != "ghost" && len(h.events(t, tt.taskID)) != before {
				t.Error("a rejected delegation must not write events")
			}
		})
	}

	if h.agents.submitCount() != submitsBefore {
		t.Errorf("rejected delegations must not reach the agent client")
	}
}

func TestDelegateSubmitFailureKeepsStatus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.agents.submitErr = errors.New("agent unreachable")

	task := h.transition(t, h.ready(t, "A").ID, scheduler.StatusQueued)

	_, err := h.svc.Delegate(ctx, task.ID, "ws1")
	var submitErr *SubmitError
	if !errors.As(err, &submitErr) {
		t.Fatalf("expected SubmitError, got %v", err)
	}
	if submitErr.WorkspaceID != "ws1" {
		t.Errorf("expected workspace ws1 in error, got %q", submitErr.WorkspaceID)
	}

	got := h.get(t, task.ID)
	if got.Status != scheduler.StatusQueued || got.WorkspaceID != "" || got.Version != task.Version {
		t.Errorf("task must be untouched, got %s ws=%q v=%d", got.Status, got.WorkspaceID, got.Version)
	}

	evs := h.events(t, task.ID)
	attempt := evs[0]
	if !attempt.IsAttempt() || attempt.From != scheduler.StatusQueued || attempt.Actor != scheduler.ActorSystem {
		t.Errorf("expected a system attempt event on queued, got %+v", attempt)
	}
	if got := testutil.ToFloat64(h.metrics.attempts.WithLabelValues(stageSubmit, "error")); got != 1 {
		t.Errorf("expected one failed submit counted, got %v", got)
	}
}

func TestDelegatePermanentSubmitFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.agents.submitErr = Permanent(errors.New("unknown agent profile"))

	task := h.ready(t, "A")
	_, err := h.svc.Delegate(context.Background(), task.ID, "ws1")
	var submitErr *SubmitError
	if !errors.As(err, &submitErr) {
		t.Fatalf("expected SubmitError, got %v", err)
	}
	if n := h.agents.submitCount(); n != 1 {
		t.Errorf("expected one submit, got %d", n)
	}
	if got := testutil.ToFloat64(h.metrics.retries.WithLabelValues(breakerAgent)); got != 0 {
		t.Errorf("expected no retries, got %v", got)
	}
	if evs := h.events(t, task.ID); !evs[0].IsAttempt() {
		t.Errorf("expected an attempt event, got %+v", evs[0])
	}
}

func TestDelegateCommitFailureStopsSession(t *testing.T) {
	h := newHarness(t, func(s persistence.Store) persistence.Store {
		return &failingStore{Store: s, failTo: scheduler.StatusDelegated}
	})
	ctx := context.Background()

	task := h.ready(t, "A")
	_, err := h.svc.Delegate(ctx, task.ID, "ws1")
	var delegationErr *DelegationError
	if !errors.As(err, &delegationErr) {
		t.Fatalf("expected DelegationError, got %v", err)
	}
	if delegationErr.SessionID != "sess-1" {
		t.Errorf("expected the orphaned session in the error, got %q", delegationErr.SessionID)
	}

	if got := h.get(t, task.ID); got.Status != scheduler.StatusReady {
		t.Errorf("expected ready, got %s", got.Status)
	}
	if evs := h.events(t, task.ID); !evs[0].IsAttempt() {
		t.Errorf("expected an attempt event, got %+v", evs[0])
	}

	h.svc.Close()
	stopped := h.agents.stoppedSessions()
	if len(stopped) != 1 || stopped[0] != "sess-1" {
		t.Errorf("expected sess-1 to be stopped, got %v", stopped)
	}
}

func TestRunOnNewWorkspace(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task := h.ready(t, "A")
	got, err := h.svc.RunOnNewWorkspace(ctx, task.ID, "large")
	if err != nil {
		t.Fatalf("RunOnNewWorkspace failed: %v", err)
	}
	if got.Status != scheduler.StatusDelegated || got.WorkspaceID != "ws-1" {
		t.Errorf("expected delegated to ws-1, got %s on %q", got.Status, got.WorkspaceID)
	}

	h.prov.mu.Lock()
	req := h.prov.launched[0]
	h.prov.mu.Unlock()
	if req.ProjectID != "p1" || req.SizeHint != "large" || req.BranchHint != task.ID {
		t.Errorf("unexpected launch request: %+v", req)
	}
	if len(h.prov.releasedWorkspaces()) != 0 {
		t.Error("a successful run must keep its workspace")
	}
}

func TestRunOnNewWorkspaceFailures(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(h *harness)
		wantRelease bool
		check       func(t *testing.T, err error)
	}{
		{
			name:  "launch fails",
			setup: func(h *harness) { h.prov.launchErr = errors.New("quota exceeded") },
			check: func(t *testing.T, err error) {
				var pe *ProvisionError
				if !errors.As(err, &pe) || pe.WorkspaceID != "" {
					t.Fatalf("expected ProvisionError without workspace, got %v", err)
				}
			},
		},
		{
			name:        "never ready",
			setup:       func(h *harness) { h.prov.readyErr = errors.New("boot timeout") },
			wantRelease: true,
			check: func(t *testing.T, err error) {
				var pe *ProvisionError
				if !errors.As(err, &pe) || pe.WorkspaceID != "ws-1" {
					t.Fatalf("expected ProvisionError for ws-1, got %v", err)
				}
			},
		},
		{
			name:        "submit fails",
			setup:       func(h *harness) { h.agents.submitErr = errors.New("agent down") },
			wantRelease: true,
			check: func(t *testing.T, err error) {
				var se *SubmitError
				if !errors.As(err, &se) {
					t.Fatalf("expected SubmitError, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			task := h.ready(t, "A")
			tt.setup(h)

			_, err := h.svc.RunOnNewWorkspace(context.Background(), task.ID, "")
			tt.check(t, err)

			got := h.get(t, task.ID)
			if got.Status != scheduler.StatusReady || got.WorkspaceID != "" {
				t.Errorf("task must stay ready without a workspace, got %s %q", got.Status, got.WorkspaceID)
			}
			if evs := h.events(t, task.ID); !evs[0].IsAttempt() {
				t.Errorf("expected an attempt event, got %+v", evs[0])
			}
			released := h.prov.releasedWorkspaces()
			if tt.wantRelease && (len(released) != 1 || released[0] != "ws-1") {
				t.Errorf("expected ws-1 released, got %v", released)
			}
			if !tt.wantRelease && len(released) != 0 {
				t.Errorf("expected nothing released, got %v", released)
			}
		})
	}
}

func TestRunOnNewWorkspaceReleasesAfterStop(t *testing.T) {
	h := newHarness(t, func(s persistence.Store) persistence.Store {
		return &failingStore{Store: s, failTo: scheduler.StatusDelegated}
	})
	h.agents.stopGate = make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(h.agents.stopGate)
	}()

	var stoppedAtRelease []string
	h.prov.onRelease = func(string) { stoppedAtRelease = h.agents.stoppedSessions() }

	task := h.ready(t, "A")
	_, err := h.svc.RunOnNewWorkspace(context.Background(), task.ID, "")
	var delegationErr *DelegationError
	if !errors.As(err, &delegationErr) {
		t.Fatalf("expected DelegationError, got %v", err)
	}
	if released := h.prov.releasedWorkspaces(); len(released) != 1 || released[0] != "ws-1" {
		t.Fatalf("expected ws-1 released, got %v", released)
	}
	if len(stoppedAtRelease) != 1 || stoppedAtRelease[0] != "sess-1" {
		t.Errorf("workspace released before its session stopped (stopped: %v)", stoppedAtRelease)
	}
}

func TestRunOnNewWorkspaceRejectsBlocked(t *testing.T) {
	h := newHarness(t, nil)

	dep := h.ready(t, "dep")
	task := h.ready(t, "A", dep.ID)

	if _, err := h.svc.RunOnNewWorkspace(context.Background(), task.ID, ""); !errors.Is(err, scheduler.ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	h.prov.mu.Lock()
	defer h.prov.mu.Unlock()
	if len(h.prov.launched) != 0 {
		t.Error("a blocked task must not provision a workspace")
	}
}
