package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/toposort"
)

// GraphStore is the durable edge and task storage the graph works against.
type GraphStore interface {
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ProjectEdges(ctx context.Context, projectID string) ([]Edge, error)
	Dependencies(ctx context.Context, taskID string) ([]*Task, error)
	Dependents(ctx context.Context, taskID string) ([]*Task, error)
	InsertEdge(ctx context.Context, edge Edge) error
	DeleteEdge(ctx context.Context, edge Edge) error
}

// BlockedChange is pushed whenever a task's blocked predicate flips.
type BlockedChange struct {
	ProjectID string
	TaskID    string
	Blocked   bool
}

// Graph maintains dependency edges between tasks of a project and keeps the
// edge set acyclic. Edge mutations are serialized per project; reads are not
// and may observe a slightly stale graph.
type Graph struct {
	store    GraphStore
	locks    *KeyedMutex
	onChange func(BlockedChange)

	mu      sync.RWMutex
	blocked map[string]bool // Last computed blocked value per task
}

// NewGraph creates a Graph. onChange may be nil.
func NewGraph(store GraphStore, locks *KeyedMutex, onChange func(BlockedChange)) *Graph {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &Graph{
		store:    store,
		locks:    locks,
		onChange: onChange,
		blocked:  make(map[string]bool),
	}
}

// AddDependency records that taskID depends on dependsOnID. Adding an edge
// that already exists is a no-op.
func (g *Graph) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return fmt.Errorf("%w: %s", ErrSelfReference, taskID)
	}

	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	dep, err := g.store.GetTask(ctx, dependsOnID)
	if err != nil {
		return err
	}
	if task.ProjectID != dep.ProjectID {
		return fmt.Errorf("%w: %s is in %s, %s is in %s", ErrCrossProject, taskID, task.ProjectID, dependsOnID, dep.ProjectID)
	}
	if !task.Status.IsEditable() {
		return fmt.Errorf("%w: %s is %s", ErrNotEditable, taskID, task.Status)
	}

	key := ProjectKey(task.ProjectID)
	g.locks.Lock(key)
	defer g.locks.Unlock(key)

	edges, err := g.store.ProjectEdges(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("loading edges for project %s: %w", task.ProjectID, err)
	}
	for _, e := range edges {
		if e.TaskID == taskID && e.DependsOnID == dependsOnID {
			return nil
		}
	}
	if reachable(edges, dependsOnID, taskID) {
		return fmt.Errorf("%w: %s -> %s", ErrWouldCycle, taskID, dependsOnID)
	}

	if err := g.store.InsertEdge(ctx, Edge{TaskID: taskID, DependsOnID: dependsOnID}); err != nil {
		return fmt.Errorf("inserting edge %s -> %s: %w", taskID, dependsOnID, err)
	}

	_, err = g.refresh(ctx, task, true)
	return err
}

// RemoveDependency deletes the edge if present.
func (g *Graph) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	key := ProjectKey(task.ProjectID)
	g.locks.Lock(key)
	err = g.store.DeleteEdge(ctx, Edge{TaskID: taskID, DependsOnID: dependsOnID})
	g.locks.Unlock(key)
	if err != nil {
		return fmt.Errorf("deleting edge %s -> %s: %w", taskID, dependsOnID, err)
	}

	_, err = g.refresh(ctx, task, true)
	return err
}

// IsBlocked reports whether the task has a dependency that is not completed.
// The value is recomputed from storage on every call.
func (g *Graph) IsBlocked(ctx context.Context, taskID string) (bool, error) {
	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return g.refresh(ctx, task, false)
}

// Resolve fills t.Blocked from the current dependency statuses.
func (g *Graph) Resolve(ctx context.Context, t *Task) error {
	blocked, err := g.refresh(ctx, t, false)
	if err != nil {
		return err
	}
	t.Blocked = blocked
	return nil
}

// CachedBlocked returns the last computed blocked value without touching storage.
func (g *Graph) CachedBlocked(taskID string) (blocked bool, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	blocked, ok = g.blocked[taskID]
	return blocked, ok
}

// DependencyChanged recomputes blocked for the direct dependents of taskID
// after its status changed, pushing every flip.
func (g *Graph) DependencyChanged(ctx context.Context, taskID string) error {
	dependents, err := g.store.Dependents(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading dependents of %s: %w", taskID, err)
	}

	var errs []error
	for _, d := range dependents {
		if _, err := g.refresh(ctx, d, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forget drops cached state for a deleted task.
func (g *Graph) Forget(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blocked, taskID)
}

// Order returns taskIDs sorted so that every task comes after the tasks it
// depends on. Edges to tasks outside taskIDs still constrain the order.
func (g *Graph) Order(ctx context.Context, projectID string, taskIDs []string) ([]string, error) {
	edges, err := g.store.ProjectEdges(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading edges for project %s: %w", projectID, err)
	}

	wanted := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		wanted[id] = true
	}

	hasDeps := make(map[string]bool)
	var sortEdges []toposort.Edge
	for _, e := range edges {
		// Edge (dependency, task) means the dependency comes first
		sortEdges = append(sortEdges, toposort.Edge{e.DependsOnID, e.TaskID})
		hasDeps[e.TaskID] = true
	}
	for _, id := range taskIDs {
		if !hasDeps[id] {
			sortEdges = append(sortEdges, toposort.Edge{nil, id})
		}
	}

	sorted, err := toposort.Toposort(sortEdges)
	if err != nil {
		return nil, fmt.Errorf("%w: project %s: %v", ErrWouldCycle, projectID, err)
	}

	order := make([]string, 0, len(taskIDs))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		if s := id.(string); wanted[s] {
			order = append(order, s)
			delete(wanted, s)
		}
	}
	return order, nil
}

// Validate checks that the stored edges of a project form a DAG.
func (g *Graph) Validate(ctx context.Context, projectID string) error {
	_, err := g.Order(ctx, projectID, nil)
	return err
}

// refresh recomputes blocked for t and, when push is set, notifies on a flip.
func (g *Graph) refresh(ctx context.Context, t *Task, push bool) (bool, error) {
	deps, err := g.store.Dependencies(ctx, t.ID)
	if err != nil {
		return false, fmt.Errorf("loading dependencies of %s: %w", t.ID, err)
	}

	blocked := false
	for _, d := range deps {
		if d.Status != StatusCompleted {
			blocked = true
			break
		}
	}

	g.mu.Lock()
	prev, known := g.blocked[t.ID]
	g.blocked[t.ID] = blocked
	g.mu.Unlock()

	if push && g.onChange != nil && (!known || prev != blocked) {
		g.onChange(BlockedChange{ProjectID: t.ProjectID, TaskID: t.ID, Blocked: blocked})
	}
	return blocked, nil
}

// reachable reports whether target can be reached from start by following
// dependency edges (task -> dependsOn).
func reachable(edges []Edge, start, target string) bool {
	next := make(map[string][]string)
	for _, e := range edges {
		next[e.TaskID] = append(next[e.TaskID], e.DependsOnID)
	}

	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			return true
		}
		for _, n := range next[cur] {
			if !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false
}
