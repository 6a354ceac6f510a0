package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teleward/teleward"
)

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Daemonize bool
	LogFile   string
	PIDFile   string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the teleward daemon",
		Long: `Start the teleward daemon. All configuration is loaded from the TOML
config file.

Examples:
  teleward serve --config=config.toml
  teleward serve config.toml
  teleward serve config.toml --daemonize`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(globalFlags, serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in background as daemon")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "daemon log file (with --daemonize)")
	cmd.Flags().StringVar(&serveFlags.PIDFile, "pidfile", "", "daemon pid file (with --daemonize)")
	return cmd
}

func runServe(globalFlags *GlobalFlags, serveFlags *ServeFlags, args []string) error {
	configPath := globalFlags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required: use --config=config.toml or pass it as argument")
	}

	if serveFlags.Daemonize {
		return daemonize(serveFlags.PIDFile, serveFlags.LogFile)
	}

	d, err := teleward.NewDaemonFromFile(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}
