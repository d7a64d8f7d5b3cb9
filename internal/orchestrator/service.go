package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/persistence"
	"github.com/aristath/taskpilot/internal/scheduler"
)

const (
	defaultStopTimeout  = 10 * time.Second
	defaultPollInterval = 2 * time.Second
)

// Config holds the collaborators of a Service. Only Store is required.
type Config struct {
	Store        persistence.Store
	Bus          *events.EventBus     // Created when nil
	Agents       AgentSessionClient   // Required for Delegate
	Provisioner  WorkspaceProvisioner // Required for RunOnNewWorkspace
	Retry        RetryConfig          // Zero value uses DefaultRetryConfig
	Breakers     *CircuitBreakerRegistry
	Metrics      *Metrics // nil records nothing
	Logger       *slog.Logger
	StopTimeout  time.Duration // Bound on a single AgentSessionClient.Stop call
	PollInterval time.Duration // How often watchers re-read their task; negative disables
	Clock        func() time.Time
}

// Service is the task core: CRUD, the state machine, dependency edges,
// delegation and execution monitoring. All mutations of one task are
// serialized through a per-task lock.
type Service struct {
	store       persistence.Store
	bus         *events.EventBus
	graph       *scheduler.Graph
	locks       *scheduler.KeyedMutex
	agents      AgentSessionClient
	provisioner WorkspaceProvisioner
	retry       RetryConfig
	breakers    *CircuitBreakerRegistry
	metrics     *Metrics
	logger      *slog.Logger
	stopTimeout time.Duration
	pollEvery   time.Duration
	now         func() time.Time

	rootCtx  context.Context
	shutdown context.CancelFunc
	group    errgroup.Group // Execution monitor watchers
	stops    sync.WaitGroup // In-flight Stop calls

	mu       sync.Mutex
	watchers map[string]*watcher // taskID -> current watcher
	closed   bool
}

// NewService creates a Service from cfg.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewEventBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewCircuitBreakerRegistry(cfg.Logger)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Service{
		store:       cfg.Store,
		bus:         cfg.Bus,
		locks:       scheduler.NewKeyedMutex(),
		agents:      cfg.Agents,
		provisioner: cfg.Provisioner,
		retry:       cfg.Retry,
		breakers:    cfg.Breakers,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		stopTimeout: cfg.StopTimeout,
		pollEvery:   cfg.PollInterval,
		now:         func() time.Time { return cfg.Clock().UTC() },
		watchers:    make(map[string]*watcher),
	}
	s.graph = scheduler.NewGraph(cfg.Store, s.locks, s.publishBlocked)
	s.rootCtx, s.shutdown = context.WithCancel(context.Background())
	return s, nil
}

// Bus returns the event bus the service publishes to.
func (s *Service) Bus() *events.EventBus {
	return s.bus
}

// NewTask holds the caller-supplied fields of a task to create.
type NewTask struct {
	ProjectID        string
	Title            string
	Description      string
	Priority         int
	ParentTaskID     string
	AgentProfileHint string
	DependsOn        []string
}

// TaskUpdate lists the fields to change; nil fields are left alone.
// An empty ParentTaskID detaches the task from its parent.
type TaskUpdate struct {
	Title            *string
	Description      *string
	Priority         *int
	AgentProfileHint *string
	ParentTaskID     *string
}

// TaskDetail is a task with its resolved dependency lists.
type TaskDetail struct {
	Task         *scheduler.Task
	Dependencies []*scheduler.Task
	Dependents   []string
}

// SortOrder selects the ordering of ListTasks.
type SortOrder string

const (
	SortPriority   SortOrder = "priority" // Highest priority first
	SortCreated    SortOrder = "created"  // Oldest first
	SortUpdated    SortOrder = "updated"  // Most recently updated first
	SortDependency SortOrder = "dependency"
)

// ParseSortOrder converts a string to a SortOrder. Empty means priority.
func ParseSortOrder(s string) (SortOrder, error) {
	switch SortOrder(s) {
	case "":
		return SortPriority, nil
	case SortPriority, SortCreated, SortUpdated, SortDependency:
		return SortOrder(s), nil
	}
	return "", fmt.Errorf("%w: unknown sort order %q", scheduler.ErrInvalidInput, s)
}

// ListOptions filters and orders ListTasks.
type ListOptions struct {
	Statuses     []scheduler.Status
	MinPriority  *int
	ParentTaskID string
	Sort         SortOrder
}

// TransitionOptions qualifies a manual status change.
type TransitionOptions struct {
	Actor           scheduler.ActorType // Defaults to user
	Reason          string
	ExpectedVersion int64 // 0 skips the check
}

// EventQuery pages through a task's event log.
type EventQuery struct {
	Limit    int
	BeforeID int64
}

// CreateTask validates and stores a new draft task together with its
// dependency edges and creation event. Nothing is stored on error.
func (s *Service) CreateTask(ctx context.Context, in NewTask) (*scheduler.Task, error) {
	title := strings.TrimSpace(in.Title)
	if in.ProjectID == "" {
		return nil, fmt.Errorf("%w: project id is required", scheduler.ErrInvalidInput)
	}
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", scheduler.ErrInvalidInput)
	}

	if in.ParentTaskID != "" {
		parent, err := s.store.GetTask(ctx, in.ParentTaskID)
		if err != nil {
			return nil, fmt.Errorf("parent: %w", err)
		}
		if parent.ProjectID != in.ProjectID {
			return nil, fmt.Errorf("%w: parent %s is in %s", scheduler.ErrCrossProject, parent.ID, parent.ProjectID)
		}
	}

	seen := make(map[string]bool)
	var deps []string
	for _, id := range in.DependsOn {
		if seen[id] {
			continue
		}
		seen[id] = true
		dep, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("dependency: %w", err)
		}
		if dep.ProjectID != in.ProjectID {
			return nil, fmt.Errorf("%w: dependency %s is in %s", scheduler.ErrCrossProject, dep.ID, dep.ProjectID)
		}
		deps = append(deps, id)
	}

	now := s.now()
	task := &scheduler.Task{
		ID:               uuid.NewString(),
		ProjectID:        in.ProjectID,
		Title:            title,
		Description:      in.Description,
		Status:           scheduler.StatusDraft,
		Priority:         in.Priority,
		ParentTaskID:     in.ParentTaskID,
		AgentProfileHint: in.AgentProfileHint,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	created := scheduler.StatusEvent{
		TaskID:    task.ID,
		To:        scheduler.StatusDraft,
		Actor:     scheduler.ActorUser,
		Reason:    "created",
		CreatedAt: now,
	}
	if err := s.store.CreateTask(ctx, task, deps, created); err != nil {
		return nil, err
	}

	s.bus.Publish(events.TopicTask, events.StatusChangedEvent{
		ID:        task.ID,
		ProjectID: task.ProjectID,
		To:        scheduler.StatusDraft,
		Actor:     scheduler.ActorUser,
		Reason:    created.Reason,
		Timestamp: now,
	})
	if err := s.graph.Resolve(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task created", "task", task.ID, "project", task.ProjectID, "dependencies", len(deps))
	return task, nil
}

// UpdateTask edits the descriptive fields of a draft or ready task.
func (s *Service) UpdateTask(ctx context.Context, taskID string, upd TaskUpdate, expectedVersion int64) (*scheduler.Task, error) {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.load(ctx, taskID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if !task.Status.IsEditable() {
		return nil, fmt.Errorf("%w: %s is %s", scheduler.ErrNotEditable, taskID, task.Status)
	}

	if upd.Title != nil {
		title := strings.TrimSpace(*upd.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title is required", scheduler.ErrInvalidInput)
		}
		task.Title = title
	}
	if upd.Description != nil {
		task.Description = *upd.Description
	}
	if upd.Priority != nil {
		task.Priority = *upd.Priority
	}
	if upd.AgentProfileHint != nil {
		task.AgentProfileHint = *upd.AgentProfileHint
	}
	if upd.ParentTaskID != nil && *upd.ParentTaskID != task.ParentTaskID {
		if err := s.checkParent(ctx, task, *upd.ParentTaskID); err != nil {
			return nil, err
		}
		task.ParentTaskID = *upd.ParentTaskID
	}

	task.UpdatedAt = s.now()
	if err := s.store.UpdateTask(ctx, task, task.Version); err != nil {
		return nil, err
	}
	if err := s.graph.Resolve(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// checkParent rejects a parent in another project or one that would make
// the parent chain loop back to task.
func (s *Service) checkParent(ctx context.Context, task *scheduler.Task, parentID string) error {
	if parentID == "" {
		return nil
	}
	visited := map[string]bool{}
	for id := parentID; id != ""; {
		if id == task.ID {
			return fmt.Errorf("%w: %s is a descendant of %s", scheduler.ErrParentCycle, parentID, task.ID)
		}
		if visited[id] {
			break
		}
		visited[id] = true

		p, err := s.store.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("parent: %w", err)
		}
		if p.ProjectID != task.ProjectID {
			return fmt.Errorf("%w: parent %s is in %s", scheduler.ErrCrossProject, p.ID, p.ProjectID)
		}
		id = p.ParentTaskID
	}
	return nil
}

// DeleteTask removes a task and its edges. It is rejected while the task
// runs or while any task depending on it is not terminal.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsActive() {
		return fmt.Errorf("%w: %s is %s", scheduler.ErrTaskActive, taskID, task.Status)
	}

	// Hold the project lock so no new dependent appears between check and delete
	projectKey := scheduler.ProjectKey(task.ProjectID)
	s.locks.Lock(projectKey)
	defer s.locks.Unlock(projectKey)

	dependents, err := s.store.Dependents(ctx, taskID)
	if err != nil {
		return err
	}
	for _, d := range dependents {
		if !d.Status.IsTerminal() {
			return fmt.Errorf("%w: %s depends on %s and is %s", scheduler.ErrActiveDependents, d.ID, taskID, d.Status)
		}
	}

	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.graph.Forget(taskID)
	s.logger.Info("task deleted", "task", taskID, "project", task.ProjectID)
	return nil
}

// GetTask returns a task with its dependencies and dependents resolved.
func (s *Service) GetTask(ctx context.Context, taskID string) (*TaskDetail, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	deps, err := s.store.Dependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	dependents, err := s.store.Dependents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.graph.Resolve(ctx, task); err != nil {
		return nil, err
	}

	detail := &TaskDetail{Task: task, Dependencies: deps, Dependents: make([]string, 0, len(dependents))}
	for _, d := range dependents {
		detail.Dependents = append(detail.Dependents, d.ID)
	}
	return detail, nil
}

// ListTasks returns the project's tasks matching opts, with Blocked resolved.
func (s *Service) ListTasks(ctx context.Context, projectID string, opts ListOptions) ([]*scheduler.Task, error) {
	order, err := ParseSortOrder(string(opts.Sort))
	if err != nil {
		return nil, err
	}

	tasks, err := s.store.ListTasks(ctx, projectID, persistence.TaskFilter{
		Statuses:     opts.Statuses,
		MinPriority:  opts.MinPriority,
		ParentTaskID: opts.ParentTaskID,
	})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if err := s.graph.Resolve(ctx, t); err != nil {
			return nil, err
		}
	}

	switch order {
	case SortPriority:
		sort.SliceStable(tasks, func(i, j int) bool {
			if tasks[i].Priority != tasks[j].Priority {
				return tasks[i].Priority > tasks[j].Priority
			}
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		})
	case SortCreated:
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		})
	case SortUpdated:
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
		})
	case SortDependency:
		return s.dependencyOrder(ctx, projectID, tasks)
	}
	return tasks, nil
}

func (s *Service) dependencyOrder(ctx context.Context, projectID string, tasks []*scheduler.Task) ([]*scheduler.Task, error) {
	byID := make(map[string]*scheduler.Task, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}
	ordered, err := s.graph.Order(ctx, projectID, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*scheduler.Task, 0, len(ordered))
	for _, id := range ordered {
		out = append(out, byID[id])
	}
	return out, nil
}

// Transition moves a task along the status table. Entering delegated is only
// possible through Delegate. Leaving an active delegation for a terminal
// status stops the agent session in the background.
func (s *Service) Transition(ctx context.Context, taskID string, to scheduler.Status, opts TransitionOptions) (*scheduler.Task, error) {
	if _, err := scheduler.ParseStatus(string(to)); err != nil {
		return nil, err
	}

	unlock := s.lockTask(taskID)
	defer unlock()

	task, err := s.load(ctx, taskID, opts.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	if to == scheduler.StatusDelegated {
		return nil, fmt.Errorf("%w (delegation requires a workspace)", &scheduler.TransitionError{TaskID: taskID, From: task.Status, To: to})
	}

	actor := opts.Actor
	if actor == "" {
		actor = scheduler.ActorUser
	}
	change := scheduler.Change{To: to, ErrorMessage: opts.Reason}
	if to == scheduler.StatusFailed && change.ErrorMessage == "" {
		change.ErrorMessage = "failed by " + string(actor)
	}
	return s.transitionLocked(ctx, task, change, actor, opts.Reason)
}

// AddDependency records that taskID depends on dependsOnID.
func (s *Service) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	unlock := s.lockTask(taskID)
	defer unlock()
	return s.graph.AddDependency(ctx, taskID, dependsOnID)
}

// RemoveDependency deletes the edge if present.
func (s *Service) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	unlock := s.lockTask(taskID)
	defer unlock()
	return s.graph.RemoveDependency(ctx, taskID, dependsOnID)
}

// IsBlocked reports whether the task waits on an unfinished dependency.
func (s *Service) IsBlocked(ctx context.Context, taskID string) (bool, error) {
	return s.graph.IsBlocked(ctx, taskID)
}

// ListEvents returns a task's status events, newest first. Events of
// deleted tasks remain queryable.
func (s *Service) ListEvents(ctx context.Context, taskID string, q EventQuery) ([]scheduler.StatusEvent, error) {
	return s.store.ListEvents(ctx, taskID, q.Limit, q.BeforeID)
}

// transitionLocked commits a change on a task whose lock is held and stops
// the agent session when an active delegation ends here.
func (s *Service) transitionLocked(ctx context.Context, task *scheduler.Task, change scheduler.Change, actor scheduler.ActorType, reason string) (*scheduler.Task, error) {
	from := task.Status
	sessionID := task.SessionID

	next, err := s.commit(ctx, task, change, actor, reason)
	if err != nil {
		return nil, err
	}
	if from.IsActive() && next.Status.IsTerminal() && sessionID != "" {
		s.stopSession(sessionID, next.ID)
	}
	return next, nil
}

// commit applies change to a copy of task, persists it with its event and
// notifies subscribers and the dependency graph. The caller holds the task lock.
func (s *Service) commit(ctx context.Context, task *scheduler.Task, change scheduler.Change, actor scheduler.ActorType, reason string) (*scheduler.Task, error) {
	next := task.Clone()
	now := s.now()
	if err := scheduler.Apply(next, change, now); err != nil {
		return nil, err
	}

	event := scheduler.StatusEvent{
		TaskID:    task.ID,
		From:      task.Status,
		To:        next.Status,
		Actor:     actor,
		Reason:    reason,
		CreatedAt: now,
	}
	if _, err := s.store.ApplyTransition(ctx, next, task.Version, event); err != nil {
		return nil, err
	}

	s.metrics.IncTransition(task.Status, next.Status)
	s.logger.Info("task transitioned", "task", next.ID, "from", task.Status, "to", next.Status, "actor", actor)
	s.bus.Publish(events.TopicTask, events.StatusChangedEvent{
		ID:        next.ID,
		ProjectID: next.ProjectID,
		From:      task.Status,
		To:        next.Status,
		Actor:     actor,
		Reason:    reason,
		Timestamp: now,
	})

	if err := s.graph.DependencyChanged(ctx, next.ID); err != nil {
		// The transition is durable; dependents recompute on their next read.
		s.logger.Warn("recomputing dependents failed", "task", next.ID, "error", err)
	}
	if err := s.graph.Resolve(ctx, next); err != nil {
		s.logger.Warn("resolving blocked failed", "task", next.ID, "error", err)
	}
	return next, nil
}

// load reads a task and checks the caller's expected version, if any.
func (s *Service) load(ctx context.Context, taskID string, expectedVersion int64) (*scheduler.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && task.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s at version %d, expected %d", scheduler.ErrConflict, taskID, task.Version, expectedVersion)
	}
	return task, nil
}

func (s *Service) lockTask(taskID string) func() {
	return s.locks.LockAll(scheduler.TaskKey(taskID))
}

func (s *Service) publishBlocked(c scheduler.BlockedChange) {
	s.bus.Publish(events.TopicGraph, events.BlockedChangedEvent{
		ID:        c.TaskID,
		ProjectID: c.ProjectID,
		Blocked:   c.Blocked,
		Timestamp: s.now(),
	})
}
