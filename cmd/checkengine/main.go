//go:build unix

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitError carries the exit status of a check to main.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createRunCommand(globalFlags),
		createExecCommand(),
		createConnectorCommand(),
		createCheckCommand(),
		createCommandsCommand(),
		createConnectorsCommand(),
		createTemplateCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "checkengine",
		Short: "Monitoring check execution engine",
		Long: `Checkengine runs monitoring checks as short-lived child processes or
through long-lived connector processes, and reports their results.

Examples:
  checkengine serve --config=checkengine.toml       # Start daemon with HTTP API
  checkengine run --config=checkengine.toml ping 10.0.0.1
  checkengine exec --timeout=5s "/usr/lib/nagios/plugins/check_load -w 5"
  checkengine connector                             # Reference connector on stdin/stdout
  checkengine check --api-url=http://host:8080/api ping 10.0.0.1`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}
