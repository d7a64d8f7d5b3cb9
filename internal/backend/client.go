package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aristath/taskpilot/internal/orchestrator"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// ErrUnknownProfile is returned when a task names a profile that is not configured.
var ErrUnknownProfile = errors.New("unknown agent profile")

// WorkspaceDirs resolves a workspace ID to the directory the agent runs in.
type WorkspaceDirs interface {
	Path(workspaceID string) (string, error)
}

// ClientConfig configures a CommandClient.
type ClientConfig struct {
	Profiles       map[string]Profile
	DefaultProfile string // Used when a task carries no profile hint
	Workspaces     WorkspaceDirs
	Processes      *ProcessManager // Optional
	Logger         *slog.Logger
}

// CommandClient runs one agent subprocess per session inside the workspace
// directory. It implements orchestrator.AgentSessionClient.
//
// A session reports progress once the process is running and completed or
// failed when it exits, then closes its signal channel. A stopped session
// closes its channel without a result.
type CommandClient struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

var _ orchestrator.AgentSessionClient = (*CommandClient)(nil)

type session struct {
	id      string
	signals chan orchestrator.Signal
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	stopped bool

	// Guarded by CommandClient.mu. A session is forgotten once it has
	// finished and its signal channel was handed out.
	claimed  bool
	finished bool
}

// NewCommandClient creates a client for the configured profiles.
func NewCommandClient(cfg ClientConfig) *CommandClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandClient{cfg: cfg, logger: logger, sessions: make(map[string]*session)}
}

// Submit starts the agent for payload in the workspace and returns its session ID.
func (c *CommandClient) Submit(ctx context.Context, workspaceID string, payload orchestrator.TaskPayload) (string, error) {
	profileName := payload.AgentProfileHint
	if profileName == "" {
		profileName = c.cfg.DefaultProfile
	}
	profile, ok := c.cfg.Profiles[profileName]
	if !ok {
		return "", orchestrator.Permanent(fmt.Errorf("%w: %q", ErrUnknownProfile, profileName))
	}
	if c.cfg.Workspaces == nil {
		return "", orchestrator.Permanent(errors.New("no workspace resolver configured"))
	}
	dir, err := c.cfg.Workspaces.Path(workspaceID)
	if err != nil {
		return "", orchestrator.Permanent(fmt.Errorf("resolving workspace %s: %w", workspaceID, err))
	}

	id := uuid.NewString()
	inv, err := buildInvocation(profile, promptFor(payload), id)
	if err != nil {
		return "", orchestrator.Permanent(fmt.Errorf("profile %q: %w", profileName, err))
	}

	// The session outlives the Submit call; it ends on exit or Stop.
	runCtx, cancel := context.WithCancel(context.Background())
	cmd := newCommand(runCtx, inv.name, inv.args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"TASKPILOT_TASK_ID="+payload.TaskID,
		"TASKPILOT_PROJECT_ID="+payload.ProjectID,
		"TASKPILOT_WORKSPACE_ID="+workspaceID,
		"TASKPILOT_SESSION_ID="+id,
	)
	if inv.stdin != "" {
		cmd.Stdin = strings.NewReader(inv.stdin)
	}

	s := &session{
		id:      id,
		signals: make(chan orchestrator.Signal, 4),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	started := make(chan error, 1)
	go c.run(s, cmd, profile.Provider, payload.TaskID, started)

	select {
	case err := <-started:
		if err != nil {
			cancel()
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
				err = orchestrator.Permanent(err)
			}
			return "", err
		}
	case <-ctx.Done():
		// Started or not, the process must not outlive a Submit the caller gave up on.
		cancel()
		<-s.done
		return "", ctx.Err()
	}

	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()

	c.logger.Info("agent session started", "session", id, "task", payload.TaskID, "workspace", workspaceID, "profile", profileName)
	return id, nil
}

// run executes the agent and translates its exit into signals. started
// receives nil once the process runs, or the start error.
func (c *CommandClient) run(s *session, cmd *exec.Cmd, provider, taskID string, started chan<- error) {
	defer c.finish(s)
	defer close(s.done)
	defer close(s.signals)
	defer s.cancel()

	didStart := false
	stdout, _, err := runCommand(cmd, c.cfg.Processes, func() {
		didStart = true
		s.signals <- orchestrator.Signal{SessionID: s.id, Kind: orchestrator.SignalProgress, Note: "agent started"}
		started <- nil
	})
	if !didStart {
		started <- err
		return
	}

	if s.isStopped() {
		c.logger.Debug("agent session stopped", "session", s.id, "task", taskID)
		return
	}
	if err != nil {
		c.logger.Warn("agent exited with error", "session", s.id, "task", taskID, "error", err)
		s.signals <- orchestrator.Signal{SessionID: s.id, Kind: orchestrator.SignalFailed, Reason: err.Error()}
		return
	}

	result, err := parseOutput(provider, stdout)
	if err != nil {
		s.signals <- orchestrator.Signal{SessionID: s.id, Kind: orchestrator.SignalFailed, Reason: err.Error()}
		return
	}
	s.signals <- orchestrator.Signal{
		SessionID: s.id,
		Kind:      orchestrator.SignalCompleted,
		Outputs:   scheduler.Outputs{Summary: result.Summary, Branch: result.Branch, PRURL: result.PRURL},
	}
}

// Stop kills the session's process group and waits for it to exit.
// Unknown and finished sessions are ignored.
func (c *CommandClient) Stop(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session %s did not exit: %w", sessionID, ctx.Err())
	}
}

// Signals returns the session's signal channel. Unknown sessions get a
// closed channel. A finished session keeps its buffered signals until they
// are claimed here once.
func (c *CommandClient) Signals(sessionID string) <-chan orchestrator.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		s.claimed = true
		if s.finished {
			delete(c.sessions, sessionID)
		}
		return s.signals
	}
	ch := make(chan orchestrator.Signal)
	close(ch)
	return ch
}

// finish marks the session's process as gone and drops it if nobody is
// left to read its signals.
func (c *CommandClient) finish(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.finished = true
	if s.claimed && c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}
}

func (s *session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func promptFor(p orchestrator.TaskPayload) string {
	if p.Description == "" {
		return p.Title
	}
	return p.Title + "\n\n" + p.Description
}
