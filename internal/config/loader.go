package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalPath is ~/.taskpilot/config.json.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".taskpilot", "config.json"), nil
}

// ProjectPath is .taskpilot/config.json relative to the working directory.
func ProjectPath() string {
	return filepath.Join(".taskpilot", "config.json")
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath())
}

// Validate checks that profiles point at known providers and that the
// default profile and log level exist.
func (c *Config) Validate() error {
	for name, profile := range c.Profiles {
		provider, ok := c.Providers[profile.Provider]
		if !ok {
			return fmt.Errorf("profile %q: unknown provider %q", name, profile.Provider)
		}
		switch provider.Type {
		case "claude", "codex", "goose":
		case "command":
			if provider.Command == "" {
				return fmt.Errorf("provider %q: command providers need a command", profile.Provider)
			}
		default:
			return fmt.Errorf("provider %q: unknown type %q", profile.Provider, provider.Type)
		}
	}
	if c.DefaultProfile != "" {
		if _, ok := c.Profiles[c.DefaultProfile]; !ok {
			return fmt.Errorf("default profile %q is not defined", c.DefaultProfile)
		}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	merge(base, &loaded)
	return nil
}

// merge overlays every set field of top onto base. Maps merge per key.
func merge(base, top *Config) {
	for key, provider := range top.Providers {
		base.Providers[key] = provider
	}
	for key, profile := range top.Profiles {
		base.Profiles[key] = profile
	}

	setString(&base.Database, top.Database)
	setString(&base.Workspace.Repo, top.Workspace.Repo)
	setString(&base.Workspace.BaseBranch, top.Workspace.BaseBranch)
	setString(&base.Workspace.WorktreeDir, top.Workspace.WorktreeDir)
	setString(&base.DefaultProfile, top.DefaultProfile)
	setString(&base.LogLevel, top.LogLevel)

	if top.Retry.InitialInterval > 0 {
		base.Retry.InitialInterval = top.Retry.InitialInterval
	}
	if top.Retry.MaxInterval > 0 {
		base.Retry.MaxInterval = top.Retry.MaxInterval
	}
	if top.Retry.MaxElapsedTime > 0 {
		base.Retry.MaxElapsedTime = top.Retry.MaxElapsedTime
	}
	if top.Retry.MaxRetries > 0 {
		base.Retry.MaxRetries = top.Retry.MaxRetries
	}
	if top.StopTimeout > 0 {
		base.StopTimeout = top.StopTimeout
	}
	if top.PollInterval > 0 {
		base.PollInterval = top.PollInterval
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
