package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// watcher follows one delegation: a (task, workspace, session) triple.
type watcher struct {
	taskID      string
	workspaceID string
	sessionID   string
	cancel      context.CancelFunc
}

// watch starts the watcher goroutine for a freshly committed delegation. A
// previous watcher for the same task is superseded.
func (s *Service) watch(taskID, workspaceID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if old, ok := s.watchers[taskID]; ok {
		old.cancel()
	}

	ctx, cancel := context.WithCancel(s.rootCtx)
	w := &watcher{taskID: taskID, workspaceID: workspaceID, sessionID: sessionID, cancel: cancel}
	s.watchers[taskID] = w

	signals := s.agents.Signals(sessionID)
	updates := s.bus.Subscribe(events.TopicTask, 0)
	s.metrics.IncActive()

	s.group.Go(func() error {
		defer s.metrics.DecActive()
		defer s.bus.Unsubscribe(updates)
		defer s.unwatch(w)
		s.runWatcher(ctx, w, signals, updates)
		return nil
	})
}

func (s *Service) unwatch(w *watcher) {
	w.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchers[w.taskID] == w {
		delete(s.watchers, w.taskID)
	}
}

// runWatcher dispatches session signals until the delegation ends: the task
// leaves delegated/in_progress, the session's signal channel closes, or the
// watcher is cancelled. The task is re-read every poll interval so a change
// committed by another process also ends the delegation.
func (s *Service) runWatcher(ctx context.Context, w *watcher, signals <-chan Signal, updates <-chan events.Event) {
	log := s.logger.With("task", w.taskID, "workspace", w.workspaceID, "session", w.sessionID)
	log.Debug("watcher started")
	defer log.Debug("watcher stopped")

	var poll <-chan time.Time
	if s.pollEvery > 0 {
		ticker := time.NewTicker(s.pollEvery)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-updates:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case events.StatusChangedEvent:
				if e.ID == w.taskID && endsDelegation(e.To) {
					return
				}
			case events.StatusObservedEvent:
				if e.ID == w.taskID && endsDelegation(e.Status) {
					s.stopSession(w.sessionID, w.taskID)
					return
				}
			}

		case <-poll:
			ended, err := s.endedElsewhere(ctx, w, updates)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("re-reading task failed", "error", err)
				}
				continue
			}
			if ended {
				return
			}

		case sig, ok := <-signals:
			if !ok {
				if err := s.sessionEnded(ctx, w, updates); err != nil {
					log.Error("handling session end failed", "error", err)
				}
				return
			}
			if sig.SessionID == "" {
				sig.SessionID = w.sessionID
			}
			err := s.dispatch(ctx, w.taskID, sig)
			switch {
			case errors.Is(err, scheduler.ErrStaleCallback):
				return
			case err != nil:
				log.Error("handling agent signal failed", "signal", sig.Kind, "error", err)
			case sig.Kind != SignalProgress:
				return
			}
		}
	}
}

// sessionEnded fails the task if its session closed without reporting a
// result. A delegation that already ended is left alone.
func (s *Service) sessionEnded(ctx context.Context, w *watcher, updates <-chan events.Event) error {
	unlock := s.lockTask(w.taskID)
	defer unlock()

	task, err := s.store.GetTask(ctx, w.taskID)
	if err != nil {
		return err
	}
	if !task.Status.IsActive() || task.SessionID != w.sessionID {
		if task.Status.IsTerminal() && !endedLocally(updates, w.taskID) {
			s.publishObserved(task)
		}
		return nil
	}
	reason := "agent session ended without a result"
	_, err = s.commit(ctx, task, scheduler.Change{To: scheduler.StatusFailed, ErrorMessage: reason}, scheduler.ActorSystem, reason)
	return err
}

// endedElsewhere re-reads the watched task. If its delegation ended without
// this process committing the change, the session is stopped, the observed
// status is published and true is returned.
func (s *Service) endedElsewhere(ctx context.Context, w *watcher, updates <-chan events.Event) (bool, error) {
	unlock := s.lockTask(w.taskID)
	task, err := s.store.GetTask(ctx, w.taskID)
	unlock()
	if errors.Is(err, scheduler.ErrNotFound) {
		s.stopSession(w.sessionID, w.taskID)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if task.Status.IsActive() && task.SessionID == w.sessionID {
		return false, nil
	}

	// Local commits publish while holding the task lock, so their event is
	// already buffered by now.
	if endedLocally(updates, w.taskID) {
		return true, nil
	}

	s.logger.Info("delegation ended outside this process", "task", task.ID, "session", w.sessionID, "status", task.Status)
	s.stopSession(w.sessionID, w.taskID)
	s.publishObserved(task)
	return true, nil
}

// endedLocally drains pending updates and reports whether one of them ends
// the task's delegation.
func endedLocally(updates <-chan events.Event, taskID string) bool {
	for {
		select {
		case ev, ok := <-updates:
			if !ok {
				return true
			}
			if sc, ok := ev.(events.StatusChangedEvent); ok && sc.ID == taskID && endsDelegation(sc.To) {
				return true
			}
		default:
			return false
		}
	}
}

func (s *Service) publishObserved(task *scheduler.Task) {
	s.bus.Publish(events.TopicTask, events.StatusObservedEvent{
		ID:        task.ID,
		ProjectID: task.ProjectID,
		Status:    task.Status,
		Timestamp: s.now(),
	})
}

func endsDelegation(to scheduler.Status) bool {
	return to.IsTerminal() || to == scheduler.StatusReady
}

func (s *Service) dispatch(ctx context.Context, taskID string, sig Signal) error {
	switch sig.Kind {
	case SignalProgress:
		return s.onProgress(ctx, taskID, sig.SessionID, sig.Note)
	case SignalCompleted:
		return s.onCompleted(ctx, taskID, sig.SessionID, sig.Outputs)
	case SignalFailed:
		return s.onFailed(ctx, taskID, sig.SessionID, SignalFailed, sig.Reason)
	case SignalWorkspaceLost:
		return s.onWorkspaceLost(ctx, taskID, sig.SessionID, sig.Reason)
	}
	return fmt.Errorf("%w: unknown signal %q", scheduler.ErrInvalidInput, sig.Kind)
}

// OnAgentProgress moves a delegated task to in_progress on the first
// progress report. Later reports are published on the bus only.
func (s *Service) OnAgentProgress(ctx context.Context, taskID, note string) error {
	return s.onProgress(ctx, taskID, "", note)
}

// OnAgentCompleted records the agent's outputs and completes the task.
// A delegated task passes through in_progress first.
func (s *Service) OnAgentCompleted(ctx context.Context, taskID string, out scheduler.Outputs) error {
	return s.onCompleted(ctx, taskID, "", out)
}

// OnAgentFailed fails the task with reason as its error message.
func (s *Service) OnAgentFailed(ctx context.Context, taskID, reason string) error {
	return s.onFailed(ctx, taskID, "", SignalFailed, reason)
}

// OnWorkspaceLost fails the task because its workspace went away.
func (s *Service) OnWorkspaceLost(ctx context.Context, taskID string) error {
	return s.onWorkspaceLost(ctx, taskID, "", "")
}

// Cancel cancels a task. An active delegation is cancelled immediately and
// its agent session is stopped in the background without waiting. Cancelling
// a cancelled task is a no-op. A completed task cannot be cancelled: unlike
// a late agent callback, which is dropped as stale, Cancel is a user request
// and fails with a TransitionError.
func (s *Service) Cancel(ctx context.Context, taskID string, actor scheduler.ActorType, reason string) (*scheduler.Task, error) {
	if actor == "" {
		actor = scheduler.ActorUser
	}

	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == scheduler.StatusCancelled {
		return task, nil
	}
	if reason == "" {
		reason = "cancelled"
	}
	return s.transitionLocked(ctx, task, scheduler.Change{To: scheduler.StatusCancelled}, actor, reason)
}

// Close stops all watchers and waits for them and for pending Stop calls.
// Delegations stay in the store; nothing is cancelled.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.shutdown()
	err := s.group.Wait()
	s.stops.Wait()
	return err
}

func (s *Service) onProgress(ctx context.Context, taskID, sessionID, note string) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.current(ctx, taskID, sessionID, SignalProgress)
	if err != nil {
		return err
	}

	if task.Status == scheduler.StatusDelegated {
		reason := note
		if reason == "" {
			reason = "agent started"
		}
		_, err := s.commit(ctx, task, scheduler.Change{To: scheduler.StatusInProgress}, scheduler.ActorAgent, reason)
		return err
	}

	s.bus.Publish(events.TopicTask, events.AgentProgressEvent{
		ID:          task.ID,
		WorkspaceID: task.WorkspaceID,
		Note:        note,
		Timestamp:   s.now(),
	})
	return nil
}

func (s *Service) onCompleted(ctx context.Context, taskID, sessionID string, out scheduler.Outputs) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.current(ctx, taskID, sessionID, SignalCompleted)
	if err != nil {
		return err
	}

	if task.Status == scheduler.StatusDelegated {
		task, err = s.commit(ctx, task, scheduler.Change{To: scheduler.StatusInProgress}, scheduler.ActorAgent, "agent reported completion")
		if err != nil {
			return err
		}
	}

	reason := out.Summary
	if reason == "" {
		reason = "agent completed"
	}
	_, err = s.commit(ctx, task, scheduler.Change{To: scheduler.StatusCompleted, Outputs: &out}, scheduler.ActorAgent, reason)
	return err
}

func (s *Service) onFailed(ctx context.Context, taskID, sessionID string, kind SignalKind, reason string) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.current(ctx, taskID, sessionID, kind)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "agent reported failure"
	}
	_, err = s.commit(ctx, task, scheduler.Change{To: scheduler.StatusFailed, ErrorMessage: reason}, scheduler.ActorAgent, reason)
	return err
}

func (s *Service) onWorkspaceLost(ctx context.Context, taskID, sessionID, detail string) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.current(ctx, taskID, sessionID, SignalWorkspaceLost)
	if err != nil {
		return err
	}
	reason := "workspace " + task.WorkspaceID + " lost"
	if detail != "" {
		reason += ": " + detail
	}
	_, err = s.commit(ctx, task, scheduler.Change{To: scheduler.StatusFailed, ErrorMessage: reason}, scheduler.ActorSystem, reason)
	return err
}

// current loads a task for an execution callback and rejects the callback as
// stale unless the task is still running the given session. An empty
// sessionID matches any session.
func (s *Service) current(ctx context.Context, taskID, sessionID string, kind SignalKind) (*scheduler.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch {
	case !task.Status.IsActive():
		err := s.stale(task, kind, "task is "+string(task.Status))
		if task.Status.IsTerminal() {
			// Waiters in this process may not have seen a change made elsewhere.
			s.publishObserved(task)
		}
		return nil, err
	case sessionID != "" && task.SessionID != sessionID:
		return nil, s.stale(task, kind, "delegation superseded by session "+task.SessionID)
	}
	return task, nil
}

func (s *Service) stale(task *scheduler.Task, kind SignalKind, why string) error {
	s.metrics.IncStale(string(kind))
	s.logger.Warn("dropping stale callback", "task", task.ID, "signal", kind, "status", task.Status, "why", why)
	return fmt.Errorf("%w: %s for task %s: %s", scheduler.ErrStaleCallback, kind, task.ID, why)
}

// stopSession asks the agent client to stop a session in the background,
// bounded by the stop timeout. Failures are logged only.
func (s *Service) stopSession(sessionID, taskID string) {
	if s.agents == nil {
		return
	}
	s.stops.Add(1)
	go func() {
		defer s.stops.Done()
		s.stopSessionNow(sessionID, taskID)
	}()
}

// stopSessionNow stops a session and waits for it, bounded by the stop timeout.
func (s *Service) stopSessionNow(sessionID, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	if err := s.agents.Stop(ctx, sessionID); err != nil {
		s.logger.Warn("stopping agent session failed", "task", taskID, "session", sessionID, "error", err)
		return
	}
	s.logger.Debug("agent session stopped", "task", taskID, "session", sessionID)
}
