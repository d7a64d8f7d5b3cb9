package worktree

import "log/slog"

// Info describes one workspace worktree.
type Info struct {
	ID     string // Workspace ID, also the directory name under WorktreeDir
	Path   string // Absolute path to the worktree directory
	Branch string // Branch name (e.g., "task/3f2a...")
	Head   string // Current HEAD commit hash
}

// Config configures the worktree manager
type Config struct {
	RepoPath    string // Absolute path to the git repository
	BaseBranch  string // Base branch to branch from (e.g., "main")
	WorktreeDir string // Directory under repo for worktrees (default ".worktrees")
	Logger      *slog.Logger
}
