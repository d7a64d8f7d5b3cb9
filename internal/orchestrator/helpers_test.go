package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/taskpilot/internal/persistence"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// fakeAgents is an in-memory AgentSessionClient. Each submitted session gets
// a buffered signal channel the test drives with send and end.
type fakeAgents struct {
	mu        sync.Mutex
	submitErr error
	stopErr   error
	stopGate  chan struct{} // When set, Stop blocks until it is closed
	submits   []string      // Workspace per Submit call
	stopped   []string
	sessions  map[string]chan Signal
	next      int
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{sessions: make(map[string]chan Signal)}
}

func (f *fakeAgents) Submit(ctx context.Context, workspaceID string, payload TaskPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submits = append(f.submits, workspaceID)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.next++
	id := fmt.Sprintf("sess-%d", f.next)
	f.sessions[id] = make(chan Signal, 16)
	return id, nil
}

func (f *fakeAgents) Stop(ctx context.Context, sessionID string) error {
	if f.stopGate != nil {
		select {
		case <-f.stopGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, sessionID)
	return f.stopErr
}

func (f *fakeAgents) Signals(sessionID string) <-chan Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[sessionID]
}

func (f *fakeAgents) send(sessionID string, sig Signal) {
	f.mu.Lock()
	ch := f.sessions[sessionID]
	f.mu.Unlock()
	ch <- sig
}

func (f *fakeAgents) end(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.sessions[sessionID])
}

func (f *fakeAgents) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeAgents) stoppedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

// fakeProvisioner hands out sequential workspace ids.
type fakeProvisioner struct {
	mu        sync.Mutex
	launchErr error
	readyErr  error
	launched  []LaunchRequest
	released  []string
	next      int
	onRelease func(workspaceID string) // Called before a release is recorded
}

func (p *fakeProvisioner) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.launched = append(p.launched, req)
	if p.launchErr != nil {
		return "", p.launchErr
	}
	p.next++
	return fmt.Sprintf("ws-%d", p.next), nil
}

func (p *fakeProvisioner) AwaitReady(ctx context.Context, workspaceID string) error {
	return p.readyErr
}

func (p *fakeProvisioner) Release(ctx context.Context, workspaceID string) error {
	if p.onRelease != nil {
		p.onRelease(workspaceID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, workspaceID)
	return nil
}

func (p *fakeProvisioner) releasedWorkspaces() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.released...)
}

// failingStore fails ApplyTransition into the given status.
type failingStore struct {
	persistence.Store
	failTo scheduler.Status
}

func (s *failingStore) ApplyTransition(ctx context.Context, task *scheduler.Task, expected int64, ev scheduler.StatusEvent) (scheduler.StatusEvent, error) {
	if task.Status == s.failTo {
		return ev, errors.New("disk full")
	}
	return s.Store.ApplyTransition(ctx, task, expected, ev)
}

// tickingClock advances one second per reading so orderings are deterministic.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

type harness struct {
	svc     *Service
	store   *persistence.SQLiteStore
	agents  *fakeAgents
	prov    *fakeProvisioner
	metrics *Metrics
}

// newHarness builds a Service over an in-memory store with fake ports.
// wrap, if set, decorates the store the service sees.
func newHarness(t *testing.T, wrap func(persistence.Store) persistence.Store) *harness {
	t.Helper()
	return newHarnessWith(t, wrap, nil)
}

// newHarnessWith is newHarness with a hook to adjust the service config.
func newHarnessWith(t *testing.T, wrap func(persistence.Store) persistence.Store, edit func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	h := &harness{
		store:   store,
		agents:  newFakeAgents(),
		prov:    &fakeProvisioner{},
		metrics: MustNewMetrics(prometheus.NewRegistry()),
	}

	var s persistence.Store = store
	if wrap != nil {
		s = wrap(store)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{
		Store:        s,
		Agents:       h.agents,
		Provisioner:  h.prov,
		Retry:        fastRetry(),
		Breakers:     NewCircuitBreakerRegistry(logger),
		Metrics:      h.metrics,
		Logger:       logger,
		StopTimeout:  time.Second,
		PollInterval: 10 * time.Millisecond,
		Clock:        tickingClock(),
	}
	if edit != nil {
		edit(&cfg)
	}
	h.svc, err = NewService(cfg)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(func() {
		h.svc.Close()
		store.Close()
	})
	return h
}

func (h *harness) create(t *testing.T, title string, deps ...string) *scheduler.Task {
	t.Helper()
	task, err := h.svc.CreateTask(context.Background(), NewTask{ProjectID: "p1", Title: title, DependsOn: deps})
	if err != nil {
		t.Fatalf("CreateTask(%s) failed: %v", title, err)
	}
	return task
}

func (h *harness) transition(t *testing.T, id string, to scheduler.Status) *scheduler.Task {
	t.Helper()
	task, err := h.svc.Transition(context.Background(), id, to, TransitionOptions{})
	if err != nil {
		t.Fatalf("Transition(%s -> %s) failed: %v", id, to, err)
	}
	return task
}

// ready creates a task and moves it to ready.
func (h *harness) ready(t *testing.T, title string, deps ...string) *scheduler.Task {
	t.Helper()
	task := h.create(t, title, deps...)
	return h.transition(t, task.ID, scheduler.StatusReady)
}

// complete drives a ready task through delegation to completed.
func (h *harness) complete(t *testing.T, id, workspaceID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.svc.Delegate(ctx, id, workspaceID); err != nil {
		t.Fatalf("Delegate(%s) failed: %v", id, err)
	}
	if err := h.svc.OnAgentCompleted(ctx, id, scheduler.Outputs{Summary: "done"}); err != nil {
		t.Fatalf("OnAgentCompleted(%s) failed: %v", id, err)
	}
}

func (h *harness) get(t *testing.T, id string) *scheduler.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%s) failed: %v", id, err)
	}
	return task
}

func (h *harness) events(t *testing.T, id string) []scheduler.StatusEvent {
	t.Helper()
	evs, err := h.store.ListEvents(context.Background(), id, 100, 0)
	if err != nil {
		t.Fatalf("ListEvents(%s) failed: %v", id, err)
	}
	return evs
}

// waitForStatus polls until the task reaches want or the deadline passes.
func (h *harness) waitForStatus(t *testing.T, id string, want scheduler.Status) *scheduler.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		task := h.get(t, id)
		if task.Status == want {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s: expected status %s, still %s", id, want, task.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
