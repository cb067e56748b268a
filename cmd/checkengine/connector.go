//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/checkengine"
)

func createConnectorCommand() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "connector",
		Short: "Serve the connector protocol on stdin/stdout",
		Long: `Act as a connector: read execute queries from stdin, run each check as a
child process and write the responses to stdout. Logs go to stderr.

Configure it in the engine like any other connector:
  [[connectors]]
  name = "local"
  command = "/usr/bin/checkengine connector"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
			defer stop()
			return checkengine.ServeConnector(ctx, os.Stdin, os.Stdout, stderrLogger(level))
		},
	}
	cmd.Flags().StringVar(&level, "log-level", "warn", "stderr log level")
	return cmd
}
