package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aristath/taskpilot/internal/orchestrator"
)

// ErrUnknownWorkspace is returned for workspace IDs with no worktree.
var ErrUnknownWorkspace = errors.New("unknown workspace")

// Manager provisions workspaces as git worktrees of a single repository.
// It implements orchestrator.WorkspaceProvisioner.
type Manager struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex // Serializes git operations that touch the main repo
	workspace map[string]*Info
}

var _ orchestrator.WorkspaceProvisioner = (*Manager)(nil)

// NewManager creates a new worktree manager
func NewManager(cfg Config) *Manager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{config: cfg, logger: logger, workspace: make(map[string]*Info)}
}

// Launch creates a worktree on a new branch task/<BranchHint> off the base
// branch. If that branch is taken, the workspace ID is appended to it.
func (m *Manager) Launch(ctx context.Context, req orchestrator.LaunchRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := "ws-" + uuid.NewString()[:8]
	hint := req.BranchHint
	if hint == "" {
		hint = id
	}
	branch := "task/" + hint
	if m.branchExists(ctx, branch) {
		branch = branch + "-" + id
	}
	wtPath := m.pathFor(id)

	if _, err := m.git(ctx, m.config.RepoPath, "worktree", "add", "-b", branch, wtPath, m.config.BaseBranch); err != nil {
		return "", fmt.Errorf("failed to create worktree: %w", err)
	}

	m.workspace[id] = &Info{ID: id, Path: wtPath, Branch: branch}
	m.logger.Info("worktree created", "workspace", id, "branch", branch, "project", req.ProjectID)
	return id, nil
}

// AwaitReady checks that the worktree exists and has a checked out HEAD.
func (m *Manager) AwaitReady(ctx context.Context, workspaceID string) error {
	info, err := m.Lookup(ctx, workspaceID)
	if err != nil {
		return err
	}
	if !exists(info.Path) {
		return fmt.Errorf("worktree %s: directory %s is missing", workspaceID, info.Path)
	}
	head, err := m.git(ctx, info.Path, "rev-parse", "HEAD")
	if err != nil {
		return fmt.Errorf("worktree %s has no HEAD: %w", workspaceID, err)
	}

	m.mu.Lock()
	info.Head = head
	m.mu.Unlock()
	return nil
}

// Release removes the worktree and deletes its branch, retrying both with
// force when the plain command fails.
func (m *Manager) Release(ctx context.Context, workspaceID string) error {
	info, err := m.Lookup(ctx, workspaceID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var failures []string
	if out, err := m.git(ctx, m.config.RepoPath, "worktree", "remove", info.Path); err != nil {
		if _, forceErr := m.git(ctx, m.config.RepoPath, "worktree", "remove", "--force", info.Path); forceErr != nil {
			failures = append(failures, fmt.Sprintf("worktree remove failed: %v (force: %v) %s", err, forceErr, out))
		}
	}
	if info.Branch != "" {
		if _, err := m.git(ctx, m.config.RepoPath, "branch", "-d", info.Branch); err != nil {
			if _, forceErr := m.git(ctx, m.config.RepoPath, "branch", "-D", info.Branch); forceErr != nil {
				failures = append(failures, fmt.Sprintf("branch delete failed: %v (force: %v)", err, forceErr))
			}
		}
	}
	delete(m.workspace, workspaceID)

	if len(failures) > 0 {
		return fmt.Errorf("releasing %s: %s", workspaceID, strings.Join(failures, "; "))
	}
	m.logger.Info("worktree released", "workspace", workspaceID, "branch", info.Branch)
	return nil
}

// Path returns the directory of a workspace.
func (m *Manager) Path(workspaceID string) (string, error) {
	info, err := m.Lookup(context.Background(), workspaceID)
	if err != nil {
		return "", err
	}
	return info.Path, nil
}

// Lookup finds a workspace launched by this manager or, failing that, by
// scanning the repository's worktrees.
func (m *Manager) Lookup(ctx context.Context, workspaceID string) (*Info, error) {
	m.mu.Lock()
	info, ok := m.workspace[workspaceID]
	m.mu.Unlock()
	if ok {
		return info, nil
	}

	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == workspaceID {
			found := all[i]
			m.mu.Lock()
			m.workspace[workspaceID] = &found
			m.mu.Unlock()
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownWorkspace, workspaceID)
}

// List returns the workspace worktrees of the repository. The main worktree
// and worktrees outside WorktreeDir are skipped.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	output, err := m.git(ctx, m.config.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	root := m.pathFor("")
	var worktrees []Info
	var current Info
	flush := func() {
		if current.Path != "" && filepath.Dir(current.Path) == root {
			current.ID = filepath.Base(current.Path)
			worktrees = append(worktrees, current)
		}
		current = Info{}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = resolvePath(strings.TrimPrefix(line, "worktree "))
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()

	return worktrees, nil
}

// Prune cleans up stale worktree metadata
func (m *Manager) Prune(ctx context.Context) error {
	if _, err := m.git(ctx, m.config.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

func (m *Manager) pathFor(workspaceID string) string {
	root := resolvePath(filepath.Join(m.config.RepoPath, m.config.WorktreeDir))
	if workspaceID == "" {
		return root
	}
	return filepath.Join(root, workspaceID)
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, m.config.RepoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// resolvePath makes worktree paths comparable with what git reports, which
// has symlinks (such as /tmp on macOS) resolved.
func resolvePath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	if abs, err := filepath.Abs(p); err == nil {
		// The directory may not exist yet; resolve its parent instead.
		if parent, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
			return filepath.Join(parent, filepath.Base(abs))
		}
		return abs
	}
	return p
}

// exists reports whether a path exists on disk.
func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
