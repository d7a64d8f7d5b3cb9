package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/orchestrator"
	"github.com/aristath/taskpilot/internal/scheduler"
)

func newCreateCmd(a *app) *cobra.Command {
	var in orchestrator.NewTask

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			in.ProjectID = a.project
			task, err := svc.CreateTask(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), task.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in.Title, "title", "t", "", "Task title")
	cmd.Flags().StringVarP(&in.Description, "description", "d", "", "What the agent should do")
	cmd.Flags().IntVar(&in.Priority, "priority", 0, "Priority; higher sorts first")
	cmd.Flags().StringVar(&in.ParentTaskID, "parent", "", "Parent task ID")
	cmd.Flags().StringVar(&in.AgentProfileHint, "profile", "", "Agent profile to run the task with")
	cmd.Flags().StringSliceVar(&in.DependsOn, "depends-on", nil, "Tasks that must complete first")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	var (
		title, description, parent, profile string
		priority                            int
		version                             int64
	)

	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Edit a draft or ready task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd orchestrator.TaskUpdate
			flags := cmd.Flags()
			if flags.Changed("title") {
				upd.Title = &title
			}
			if flags.Changed("description") {
				upd.Description = &description
			}
			if flags.Changed("priority") {
				upd.Priority = &priority
			}
			if flags.Changed("parent") {
				upd.ParentTaskID = &parent
			}
			if flags.Changed("profile") {
				upd.AgentProfileHint = &profile
			}

			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			task, err := svc.UpdateTask(cmd.Context(), args[0], upd, version)
			if err != nil {
				return err
			}
			printTaskLine(cmd.OutOrStdout(), task)
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "New title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "New description")
	cmd.Flags().IntVar(&priority, "priority", 0, "New priority")
	cmd.Flags().StringVar(&parent, "parent", "", "New parent task ID; empty detaches")
	cmd.Flags().StringVar(&profile, "profile", "", "New agent profile")
	cmd.Flags().Int64Var(&version, "version", 0, "Fail unless the task is at this version")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task; its event log is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := svc.DeleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s\n", args[0])
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		statuses    []string
		minPriority int
		parent      string
		sortOrder   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the project's tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			order, err := orchestrator.ParseSortOrder(sortOrder)
			if err != nil {
				return err
			}
			opts := orchestrator.ListOptions{ParentTaskID: parent, Sort: order}
			for _, s := range statuses {
				st, err := scheduler.ParseStatus(s)
				if err != nil {
					return err
				}
				opts.Statuses = append(opts.Statuses, st)
			}
			if cmd.Flags().Changed("min-priority") {
				opts.MinPriority = &minPriority
			}

			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			tasks, err := svc.ListTasks(cmd.Context(), a.project, opts)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				printTaskLine(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only tasks in these statuses")
	cmd.Flags().IntVar(&minPriority, "min-priority", 0, "Only tasks with at least this priority")
	cmd.Flags().StringVar(&parent, "parent", "", "Only children of this task")
	cmd.Flags().StringVar(&sortOrder, "sort", "priority", "priority, created, updated or dependency")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			detail, err := svc.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printTask(out, detail.Task)
			if len(detail.Dependencies) > 0 {
				fmt.Fprintln(out, styleTitle.Render("\nDepends on"))
				for _, dep := range detail.Dependencies {
					printTaskLine(out, dep)
				}
			}
			if len(detail.Dependents) > 0 {
				fmt.Fprintln(out, styleTitle.Render("\nRequired by"))
				for _, id := range detail.Dependents {
					fmt.Fprintln(out, id)
				}
			}
			return nil
		},
	}
}

func newTransitionCmd(a *app) *cobra.Command {
	var (
		reason  string
		version int64
	)

	cmd := &cobra.Command{
		Use:   "transition <task-id> <status>",
		Short: "Move a task to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := scheduler.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return a.transition(cmd, args[0], to, orchestrator.TransitionOptions{Reason: reason, ExpectedVersion: version})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why; recorded in the event log")
	cmd.Flags().Int64Var(&version, "version", 0, "Fail unless the task is at this version")
	return cmd
}

func newReadyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ready <task-id>",
		Short: "Mark a task ready for delegation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.transition(cmd, args[0], scheduler.StatusReady, orchestrator.TransitionOptions{})
		},
	}
}

func (a *app) transition(cmd *cobra.Command, taskID string, to scheduler.Status, opts orchestrator.TransitionOptions) error {
	svc, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	task, err := svc.Transition(cmd.Context(), taskID, to, opts)
	if err != nil {
		return err
	}
	printTaskLine(cmd.OutOrStdout(), task)
	return nil
}

func newDependCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "depend <task-id> <depends-on-id>",
		Short: "Make a task wait for another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return svc.AddDependency(cmd.Context(), args[0], args[1])
		},
	}
}

func newUndependCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "undepend <task-id> <depends-on-id>",
		Short: "Remove a dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return svc.RemoveDependency(cmd.Context(), args[0], args[1])
		},
	}
}

func newEventsCmd(a *app) *cobra.Command {
	var q orchestrator.EventQuery

	cmd := &cobra.Command{
		Use:   "events <task-id>",
		Short: "Show a task's status history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			evs, err := svc.ListEvents(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				printEvent(cmd.OutOrStdout(), ev)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "Maximum number of events")
	cmd.Flags().Int64Var(&q.BeforeID, "before", 0, "Only events older than this event ID")
	return cmd
}
