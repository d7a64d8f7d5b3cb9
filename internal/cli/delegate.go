package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/orchestrator"
	"github.com/aristath/taskpilot/internal/scheduler"
)

func newDelegateCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "delegate <task-id> <workspace-id>",
		Short: "Hand a ready task to an agent in an existing workspace",
		Long: `Delegate submits the task to the agent profile it names and waits for
the agent to finish. The agent runs as a child of this process; interrupting
the command cancels the task.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			return a.delegateAndWait(cmd, svc, args[0], timeout, func(ctx context.Context) (*scheduler.Task, error) {
				return svc.Delegate(ctx, args[0], args[1])
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Cancel the task if the agent runs longer than this")
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	var (
		size        string
		timeout     time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run <task-id>",
		Short: "Create a worktree for a ready task and delegate it there",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if metricsAddr != "" {
				stop, err := a.serveMetrics(metricsAddr)
				if err != nil {
					return err
				}
				defer stop()
			}

			if err := a.workspaces.Prune(cmd.Context()); err != nil {
				a.logger.Warn("pruning worktrees failed", "error", err)
			}

			return a.delegateAndWait(cmd, svc, args[0], timeout, func(ctx context.Context) (*scheduler.Task, error) {
				return svc.RunOnNewWorkspace(ctx, args[0], size)
			})
		},
	}
	cmd.Flags().StringVar(&size, "size", "", "Workspace size hint passed to the provisioner")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Cancel the task if the agent runs longer than this")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task, stopping its agent if one is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			task, err := svc.Cancel(cmd.Context(), args[0], scheduler.ActorUser, reason)
			if err != nil {
				return err
			}
			printTaskLine(cmd.OutOrStdout(), task)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why; recorded in the event log")
	return cmd
}

// delegateAndWait runs start and then follows the task on the bus until it
// reaches a terminal status. Leaving early cancels the task, since the
// agent process would not outlive this command anyway.
func (a *app) delegateAndWait(cmd *cobra.Command, svc *orchestrator.Service, taskID string, timeout time.Duration, start func(context.Context) (*scheduler.Task, error)) error {
	out := cmd.OutOrStdout()

	updates := svc.Bus().Subscribe(events.TopicTask, 0)
	defer svc.Bus().Unsubscribe(updates)

	task, err := start(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Delegated %s to workspace %s (session %s)\n", task.ID, task.WorkspaceID, task.SessionID)

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	current := func(ctx context.Context) (scheduler.Status, error) {
		detail, err := svc.GetTask(ctx, taskID)
		if err != nil {
			return "", err
		}
		return detail.Task.Status, nil
	}
	final, err := waitForOutcome(ctx, out, updates, taskID, current, a.cfg.PollInterval.Std())
	if err != nil {
		reason := "interrupted"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s", timeout)
		}
		if _, cerr := svc.Cancel(context.Background(), taskID, scheduler.ActorUser, reason); cerr != nil {
			a.logger.Warn("cancelling task failed", "task", taskID, "error", cerr)
		}
		return fmt.Errorf("task %s: %s", taskID, reason)
	}

	detail, err := svc.GetTask(context.Background(), taskID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	printTask(out, detail.Task)
	if final != scheduler.StatusCompleted {
		return fmt.Errorf("task %s ended %s", taskID, final)
	}
	return nil
}

// waitForOutcome prints the task's updates until its status is terminal and
// returns that status. Every interval it also reads the status through
// current, which catches changes made by another process; a non-positive
// interval relies on the bus alone.
func waitForOutcome(ctx context.Context, out io.Writer, updates <-chan events.Event, taskID string, current func(context.Context) (scheduler.Status, error), interval time.Duration) (scheduler.Status, error) {
	var poll <-chan time.Time
	if interval > 0 && current != nil {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-poll:
			status, err := current(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "", err
			}
			if status.IsTerminal() {
				fmt.Fprintf(out, "%s  %s (changed elsewhere)\n", time.Now().Format("15:04:05"), renderStatus(status))
				return status, nil
			}
		case ev, ok := <-updates:
			if !ok {
				return "", errors.New("event bus closed")
			}
			if ev.TaskID() != taskID {
				continue
			}
			switch e := ev.(type) {
			case events.StatusChangedEvent:
				fmt.Fprintf(out, "%s  %s -> %s  %s\n", e.Timestamp.Format("15:04:05"), e.From, renderStatus(e.To), e.Reason)
				if e.To.IsTerminal() {
					return e.To, nil
				}
			case events.StatusObservedEvent:
				if e.Status.IsTerminal() {
					fmt.Fprintf(out, "%s  %s (changed elsewhere)\n", e.Timestamp.Format("15:04:05"), renderStatus(e.Status))
					return e.Status, nil
				}
			case events.AgentProgressEvent:
				fmt.Fprintf(out, "%s  %s\n", e.Timestamp.Format("15:04:05"), styleMuted.Render(e.Note))
			case events.AttemptFailedEvent:
				fmt.Fprintf(out, "%s  %s failed: %v\n", e.Timestamp.Format("15:04:05"), e.Stage, e.Err)
			}
		}
	}
}

// serveMetrics exposes the invocation's registry until stop is called.
func (a *app) serveMetrics(addr string) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
