package orchestrator

import (
	"context"
	"fmt"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// Delegation stages, used in attempt events and metrics.
const (
	stageProvision = "provision"
	stageSubmit    = "submit"
	stageDelegate  = "delegate"
)

// Delegate binds a ready or queued task to a running workspace.
//
// The agent session is submitted first and the task is only persisted as
// delegated once the session exists, so a failed submission leaves the
// status untouched and is recorded as an attempt event. Precondition
// violations return validation errors and change nothing.
func (s *Service) Delegate(ctx context.Context, taskID, workspaceID string) (*scheduler.Task, error) {
	if s.agents == nil {
		return nil, ErrNoAgentClient
	}
	if workspaceID == "" {
		return nil, fmt.Errorf("%w: workspace id is required", scheduler.ErrInvalidInput)
	}

	unlock := s.locks.LockAll(scheduler.TaskKey(taskID), scheduler.WorkspaceKey(workspaceID))
	defer unlock()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.checkDelegable(ctx, task); err != nil {
		return nil, err
	}
	holder, err := s.store.ActiveTaskForWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if holder != nil && holder.ID != task.ID {
		return nil, fmt.Errorf("%w: %s runs %s", scheduler.ErrWorkspaceBusy, workspaceID, holder.ID)
	}

	sessionID, err := callWithRetry(ctx, s.breakers.Get(breakerAgent), s.retry, s.onRetry(breakerAgent),
		func(ctx context.Context) (string, error) {
			return s.agents.Submit(ctx, workspaceID, payloadFor(task))
		})
	if err != nil {
		s.metrics.IncAttempt(stageSubmit, "error")
		s.recordAttempt(ctx, task, stageSubmit, workspaceID, err)
		return nil, &SubmitError{TaskID: taskID, WorkspaceID: workspaceID, Err: err}
	}
	s.metrics.IncAttempt(stageSubmit, "ok")

	change := scheduler.Change{To: scheduler.StatusDelegated, WorkspaceID: workspaceID, SessionID: sessionID}
	next, err := s.commit(ctx, task, change, scheduler.ActorSystem, "delegated to workspace "+workspaceID)
	if err != nil {
		// The session exists but the task does not point at it. Stop it
		// before returning so callers may tear down the workspace.
		s.stopSessionNow(sessionID, taskID)
		s.metrics.IncAttempt(stageDelegate, "error")
		s.recordAttempt(ctx, task, stageDelegate, workspaceID, err)
		return nil, &DelegationError{TaskID: taskID, WorkspaceID: workspaceID, SessionID: sessionID, Err: err}
	}

	s.watch(next.ID, workspaceID, sessionID)
	s.logger.Info("task delegated", "task", next.ID, "workspace", workspaceID, "session", sessionID)
	return next, nil
}

// RunOnNewWorkspace provisions a fresh workspace, waits for it to come up
// and delegates the task to it. A provisioning failure leaves the task in
// its current status and returns a ProvisionError. If delegation fails the
// workspace is released again.
func (s *Service) RunOnNewWorkspace(ctx context.Context, taskID, sizeHint string) (*scheduler.Task, error) {
	if s.provisioner == nil {
		return nil, ErrNoProvisioner
	}
	if s.agents == nil {
		return nil, ErrNoAgentClient
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.checkDelegable(ctx, task); err != nil {
		return nil, err
	}

	req := LaunchRequest{ProjectID: task.ProjectID, BranchHint: task.ID, SizeHint: sizeHint}
	workspaceID, err := callWithRetry(ctx, s.breakers.Get(breakerProvisioner), s.retry, s.onRetry(breakerProvisioner),
		func(ctx context.Context) (string, error) {
			return s.provisioner.Launch(ctx, req)
		})
	if err != nil {
		s.metrics.IncAttempt(stageProvision, "error")
		s.recordAttempt(ctx, task, stageProvision, "", err)
		return nil, &ProvisionError{TaskID: taskID, Err: err}
	}

	if err := s.provisioner.AwaitReady(ctx, workspaceID); err != nil {
		s.metrics.IncAttempt(stageProvision, "error")
		s.releaseWorkspace(workspaceID, taskID)
		s.recordAttempt(ctx, task, stageProvision, workspaceID, err)
		return nil, &ProvisionError{TaskID: taskID, WorkspaceID: workspaceID, Err: err}
	}
	s.metrics.IncAttempt(stageProvision, "ok")

	next, err := s.Delegate(ctx, taskID, workspaceID)
	if err != nil {
		s.releaseWorkspace(workspaceID, taskID)
		return nil, err
	}
	return next, nil
}

// checkDelegable requires a ready or queued task without unfinished dependencies.
func (s *Service) checkDelegable(ctx context.Context, task *scheduler.Task) error {
	if !task.Status.IsDelegable() {
		return fmt.Errorf("%w: %s is %s", scheduler.ErrNotDelegable, task.ID, task.Status)
	}
	if err := s.graph.Resolve(ctx, task); err != nil {
		return err
	}
	if task.Blocked {
		return fmt.Errorf("%w: %s", scheduler.ErrBlocked, task.ID)
	}
	return nil
}

// recordAttempt logs a failed delegation attempt as an event that keeps the
// status unchanged, and publishes it.
func (s *Service) recordAttempt(ctx context.Context, task *scheduler.Task, stage, workspaceID string, cause error) {
	now := s.now()
	_, err := s.store.AppendEvent(ctx, scheduler.StatusEvent{
		TaskID:    task.ID,
		From:      task.Status,
		To:        task.Status,
		Actor:     scheduler.ActorSystem,
		Reason:    fmt.Sprintf("%s failed: %v", stage, cause),
		CreatedAt: now,
	})
	if err != nil {
		s.logger.Error("recording attempt failed", "task", task.ID, "stage", stage, "error", err)
	}

	s.logger.Warn("delegation attempt failed", "task", task.ID, "stage", stage, "workspace", workspaceID, "error", cause)
	s.bus.Publish(events.TopicTask, events.AttemptFailedEvent{
		ID:          task.ID,
		ProjectID:   task.ProjectID,
		WorkspaceID: workspaceID,
		Stage:       stage,
		Err:         cause,
		Timestamp:   now,
	})
}

func (s *Service) releaseWorkspace(workspaceID, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	if err := s.provisioner.Release(ctx, workspaceID); err != nil {
		s.logger.Warn("releasing workspace failed", "workspace", workspaceID, "task", taskID, "error", err)
	}
}

func (s *Service) onRetry(dependency string) func(error) {
	return func(err error) {
		s.metrics.IncRetry(dependency)
		s.logger.Debug("retrying external call", "dependency", dependency, "error", err)
	}
}
