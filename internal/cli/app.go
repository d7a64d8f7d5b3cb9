package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/taskpilot/internal/backend"
	"github.com/aristath/taskpilot/internal/config"
	"github.com/aristath/taskpilot/internal/orchestrator"
	"github.com/aristath/taskpilot/internal/persistence"
	"github.com/aristath/taskpilot/internal/worktree"
)

// app carries the flags and the service stack of one invocation.
type app struct {
	configPath string
	project    string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger

	store      *persistence.SQLiteStore
	workspaces *worktree.Manager
	processes  *backend.ProcessManager
	registry   *prometheus.Registry
	svc        *orchestrator.Service
}

// open builds the service over the configured store, worktree manager and
// agent command client. Call close when done.
func (a *app) open(ctx context.Context) (*orchestrator.Service, error) {
	if a.project == "" {
		return nil, errors.New("--project must not be empty")
	}

	store, err := persistence.NewSQLiteStore(ctx, a.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening task store: %w", err)
	}
	a.store = store

	a.workspaces = worktree.NewManager(worktree.Config{
		RepoPath:    a.cfg.Workspace.Repo,
		BaseBranch:  a.cfg.Workspace.BaseBranch,
		WorktreeDir: a.cfg.Workspace.WorktreeDir,
		Logger:      a.logger,
	})
	a.processes = backend.NewProcessManager()
	agents := backend.NewCommandClient(backend.ClientConfig{
		Profiles:       profiles(a.cfg),
		DefaultProfile: a.cfg.DefaultProfile,
		Workspaces:     a.workspaces,
		Processes:      a.processes,
		Logger:         a.logger,
	})

	a.registry = prometheus.NewRegistry()
	svc, err := orchestrator.NewService(orchestrator.Config{
		Store:        store,
		Agents:       agents,
		Provisioner:  a.workspaces,
		Retry:        retryConfig(a.cfg.Retry),
		Metrics:      orchestrator.MustNewMetrics(a.registry),
		Logger:       a.logger,
		StopTimeout:  a.cfg.StopTimeout.Std(),
		PollInterval: a.cfg.PollInterval.Std(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	a.svc = svc
	return svc, nil
}

func (a *app) close() {
	if a.svc != nil {
		if err := a.svc.Close(); err != nil {
			a.logger.Warn("closing service failed", "error", err)
		}
	}
	if a.processes != nil {
		if err := a.processes.KillAll(); err != nil {
			a.logger.Warn("killing agent processes failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing task store failed", "error", err)
		}
	}
}

// profiles resolves each configured profile against its provider.
func profiles(cfg *config.Config) map[string]backend.Profile {
	out := make(map[string]backend.Profile, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		provider := cfg.Providers[p.Provider]
		out[name] = backend.Profile{
			Provider:     provider.Type,
			Command:      provider.Command,
			Args:         provider.Args,
			Model:        p.Model,
			LLMProvider:  p.LLMProvider,
			SystemPrompt: p.SystemPrompt,
		}
	}
	return out
}

func retryConfig(c config.RetryConfig) orchestrator.RetryConfig {
	r := orchestrator.DefaultRetryConfig()
	if c.InitialInterval > 0 {
		r.InitialInterval = c.InitialInterval.Std()
	}
	if c.MaxInterval > 0 {
		r.MaxInterval = c.MaxInterval.Std()
	}
	if c.MaxElapsedTime > 0 {
		r.MaxElapsedTime = c.MaxElapsedTime.Std()
	}
	if c.MaxRetries > 0 {
		r.MaxRetries = c.MaxRetries
	}
	return r
}
