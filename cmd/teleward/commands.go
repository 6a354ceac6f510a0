package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teleward/teleward/pkg/client"
)

func apiClient(flags *GlobalFlags) *client.Client {
	cfg := client.DefaultConfig()
	if flags.APIUrl != "" {
		cfg.BaseURL = flags.APIUrl
	}
	if flags.APITimeout > 0 {
		cfg.Timeout = flags.APITimeout
	}
	return client.New(cfg)
}

func requireDaemon(ctx context.Context, flags *GlobalFlags) (*client.Client, error) {
	c := apiClient(flags)
	if !c.IsReachable(ctx) {
		url := flags.APIUrl
		if url == "" {
			url = "http://127.0.0.1:8080"
		}
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'teleward serve'", url)
	}
	return c, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireDaemon(cmd.Context(), flags)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(st)
			return nil
		},
	}
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	var mode string
	var force bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the forwarding worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireDaemon(cmd.Context(), flags)
			if err != nil {
				return err
			}
			if err := c.Start(cmd.Context(), mode, force); err != nil {
				return err
			}
			fmt.Println("worker started in", mode, "mode")
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "live", "worker mode (live or past)")
	cmd.Flags().BoolVar(&force, "force", false, "start even if the session was marked ended")
	return cmd
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the forwarding worker",
		Long:  "Stop the worker. The session is marked as manually stopped, so it will not auto resume on the next daemon start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireDaemon(cmd.Context(), flags)
			if err != nil {
				return err
			}
			if err := c.Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("worker stopped")
			return nil
		},
	}
}

func createRestartCommand(flags *GlobalFlags) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the forwarding worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireDaemon(cmd.Context(), flags)
			if err != nil {
				return err
			}
			if err := c.Restart(cmd.Context(), mode); err != nil {
				return err
			}
			fmt.Println("worker restarted")
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "switch mode on restart (live or past, default keeps current)")
	return cmd
}

func createResetDegradedCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-degraded",
		Short: "Clear the degraded flag after the restart limit was hit",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireDaemon(cmd.Context(), flags)
			if err != nil {
				return err
			}
			if err := c.ResetDegraded(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("degraded flag cleared")
			return nil
		},
	}
}

func createLogsCommand(flags *GlobalFlags) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent worker log lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireDaemon(cmd.Context(), flags)
			if err != nil {
				return err
			}
			out, err := c.Logs(cmd.Context(), lines)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 50, "number of log lines")
	return cmd
}

func createSessionsCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireDaemon(cmd.Context(), flags)
			if err != nil {
				return err
			}
			sessions, err := c.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(sessions)
			return nil
		},
	}
}

func createCleanupCommand(flags *GlobalFlags) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old sessions, keeping the most recent",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireDaemon(cmd.Context(), flags)
			if err != nil {
				return err
			}
			removed, err := c.CleanupSessions(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d sessions, kept %d most recent\n", removed, keep)
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 5, "sessions to keep")
	return cmd
}

func createSchedulerCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Random posting scheduler commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show scheduler task status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireDaemon(cmd.Context(), flags)
			if err != nil {
				return err
			}
			st, err := c.SchedulerStatus(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(st)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Clear today's posting counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireDaemon(cmd.Context(), flags)
			if err != nil {
				return err
			}
			if err := c.SchedulerReset(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("counters reset")
			return nil
		},
	})

	return cmd
}
