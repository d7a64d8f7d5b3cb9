package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/taskpilot/internal/config"
)

// NewRootCmd builds the taskpilot command tree.
func NewRootCmd(version string) *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:          "taskpilot",
		Short:        "Plan, order and delegate coding-agent tasks",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			globalPath, err := config.GlobalPath()
			if err != nil {
				return err
			}
			projectPath := a.configPath
			if projectPath == "" {
				projectPath = config.ProjectPath()
			}
			cfg, err := config.Load(globalPath, projectPath)
			if err != nil {
				return err
			}
			level, _ := cfg.Level()
			if a.verbose {
				level = slog.LevelDebug
			}
			a.cfg = cfg
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Project config file (default: .taskpilot/config.json)")
	cmd.PersistentFlags().StringVarP(&a.project, "project", "p", "default", "Project the command works on")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log at debug level")

	cmd.AddCommand(newCreateCmd(a))
	cmd.AddCommand(newUpdateCmd(a))
	cmd.AddCommand(newDeleteCmd(a))
	cmd.AddCommand(newListCmd(a))
	cmd.AddCommand(newShowCmd(a))
	cmd.AddCommand(newTransitionCmd(a))
	cmd.AddCommand(newReadyCmd(a))
	cmd.AddCommand(newDependCmd(a))
	cmd.AddCommand(newUndependCmd(a))
	cmd.AddCommand(newEventsCmd(a))

	cmd.AddCommand(newDelegateCmd(a))
	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newCancelCmd(a))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	if version == "" {
		version = "dev"
	}
	cmd.Version = version
	cmd.SetVersionTemplate("{{.Version}}\n")

	return cmd
}
