package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from profiles -- multiple profiles can share one provider.
type ProviderConfig struct {
	Command string   `json:"command"`        // CLI binary name (e.g., "claude", "codex", "goose")
	Args    []string `json:"args,omitempty"` // Default args appended to every invocation
	Type    string   `json:"type"`           // "claude", "codex", "goose" or "command"
}

// ProfileConfig is what a task's agent profile hint selects: a provider plus
// model and prompt settings.
type ProfileConfig struct {
	Provider     string `json:"provider"`                // Key into Providers map
	Model        string `json:"model,omitempty"`         // Model override
	LLMProvider  string `json:"llm_provider,omitempty"`  // Goose local LLM backend
	SystemPrompt string `json:"system_prompt,omitempty"` // Profile-specific system prompt
}

// WorkspaceConfig locates the repository workspaces are cut from.
type WorkspaceConfig struct {
	Repo        string `json:"repo,omitempty"`
	BaseBranch  string `json:"base_branch,omitempty"`
	WorktreeDir string `json:"worktree_dir,omitempty"`
}

// RetryConfig tunes retries of agent submission and workspace launch.
type RetryConfig struct {
	InitialInterval Duration `json:"initial_interval,omitempty"`
	MaxInterval     Duration `json:"max_interval,omitempty"`
	MaxElapsedTime  Duration `json:"max_elapsed_time,omitempty"`
	MaxRetries      uint64   `json:"max_retries,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Database       string                    `json:"database,omitempty"`
	Workspace      WorkspaceConfig           `json:"workspace"`
	Providers      map[string]ProviderConfig `json:"providers"`
	Profiles       map[string]ProfileConfig  `json:"profiles"`
	DefaultProfile string                    `json:"default_profile,omitempty"`
	Retry          RetryConfig               `json:"retry"`
	LogLevel       string                    `json:"log_level,omitempty"`
	StopTimeout    Duration                  `json:"stop_timeout,omitempty"`
	PollInterval   Duration                  `json:"poll_interval,omitempty"` // How often running tasks are re-read from the database
}

// Duration is a time.Duration written as a string ("1.5s") in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
