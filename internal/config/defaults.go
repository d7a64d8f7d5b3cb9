package config

import (
	"path/filepath"
	"time"
)

// DefaultConfig returns the default configuration with built-in providers and profiles.
func DefaultConfig() *Config {
	return &Config{
		Database: filepath.Join(".taskpilot", "taskpilot.db"),
		Workspace: WorkspaceConfig{
			Repo:        ".",
			BaseBranch:  "main",
			WorktreeDir: ".worktrees",
		},
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
			"goose": {
				Command: "goose",
				Type:    "goose",
			},
		},
		Profiles: map[string]ProfileConfig{
			"coder": {
				Provider:     "claude",
				SystemPrompt: "You implement features and write production code. Commit your work on the current branch.",
			},
			"reviewer": {
				Provider:     "claude",
				SystemPrompt: "You review code for correctness, style, and best practices.",
			},
			"tester": {
				Provider:     "claude",
				SystemPrompt: "You write comprehensive tests and validate functionality.",
			},
		},
		DefaultProfile: "coder",
		Retry: RetryConfig{
			InitialInterval: Duration(100 * time.Millisecond),
			MaxInterval:     Duration(10 * time.Second),
			MaxElapsedTime:  Duration(2 * time.Minute),
			MaxRetries:      5,
		},
		LogLevel:     "info",
		StopTimeout:  Duration(10 * time.Second),
		PollInterval: Duration(2 * time.Second),
	}
}
