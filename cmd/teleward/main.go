package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by subcommands.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "teleward",
		Short: "Forwarding worker supervisor with crash-safe sessions",
		Long: `Teleward supervises a Telegram forwarding worker: it persists session
state, restarts crashed workers, resumes after reboots, and runs the
random posting scheduler.

Examples:
  teleward serve --config=config.toml  # Start daemon
  teleward status                      # Worker status via local daemon
  teleward start --mode=live           # Start the worker
  teleward stop                        # Stop the worker (no auto resume)`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8080)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		createServeCommand(flags),
		createStatusCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createRestartCommand(flags),
		createResetDegradedCommand(flags),
		createLogsCommand(flags),
		createSessionsCommand(flags),
		createCleanupCommand(flags),
		createSchedulerCommand(flags),
		createVersionCommand(),
	)
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("teleward", version)
		},
	}
}
