//go:build unix

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/checkengine"
)

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run <command> [args...]",
		Short: "Run a configured command once",
		Long: `Run one command from the config file locally, print its result as JSON
and exit with the check's state (0 ok, 1 warning, 2 critical, 3 unknown).
Arguments replace $ARG1$, $ARG2$, ... in the command line.

Examples:
  checkengine run --config=checkengine.toml check_load 5 10
  checkengine run --config=checkengine.toml --timeout=5s ping 10.0.0.1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runFlags.ConfigPath = globalFlags.ConfigPath
			return runConfigured(cmd.Context(), runFlags, args[0], args[1:])
		},
	}
	cmd.Flags().DurationVar(&runFlags.Timeout, "timeout", 0, "check timeout (defaults to the command's)")
	return cmd
}

func runConfigured(ctx context.Context, flags *RunFlags, name string, args []string) error {
	if flags.ConfigPath == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := checkengine.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	// Results go to stdout; history and metrics are daemon concerns.
	cfg.History.DSNs = nil
	cfg.Metrics.Enabled = false
	eng, err := checkengine.Open(cfg, stderrLogger(cfg.Log.Level))
	if err != nil {
		return err
	}
	return runOnce(ctx, eng, name, args, flags.Timeout)
}

func createExecCommand() *cobra.Command {
	execFlags := &ExecFlags{}
	cmd := &cobra.Command{
		Use:   "exec <command line>",
		Short: "Execute a command line as a check",
		Long: `Execute a command line as a short-lived check process, print its result as
JSON and exit with the check's state.

Examples:
  checkengine exec "/usr/lib/nagios/plugins/check_disk -w 10% -p /"
  checkengine exec --timeout=2s "sleep 5"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := checkengine.New(stderrLogger("warn"))
			if err != nil {
				return err
			}
			if err := eng.AddCommand("exec", args[0], "", execFlags.Timeout); err != nil {
				_ = eng.Close(context.Background())
				return err
			}
			return runOnce(cmd.Context(), eng, "exec", nil, 0)
		},
	}
	cmd.Flags().DurationVar(&execFlags.Timeout, "timeout", 60*time.Second, "check timeout")
	return cmd
}

func runOnce(ctx context.Context, eng *checkengine.Engine, name string, args []string, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := eng.Run(ctx, name, args, timeout)
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := eng.Close(closeCtx); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	printJSON(os.Stdout, map[string]any{
		"command":     name,
		"command_id":  res.CommandID,
		"state":       res.State(),
		"status":      res.Status.String(),
		"exit_code":   res.ExitCode,
		"executed":    res.Executed,
		"timed_out":   res.TimedOut,
		"duration_ms": float64(res.Duration().Microseconds()) / 1000,
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
	})
	if res.ExitCode != 0 {
		return exitError{code: res.ExitCode}
	}
	return nil
}
