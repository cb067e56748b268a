package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/checkengine/pkg/client"
)

func addRemoteFlags(cmd *cobra.Command, f *RemoteFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default "+client.DefaultBaseURL+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 0, "request timeout (default 70s)")
	cmd.Flags().StringVar(&f.APICACert, "api-ca-cert", "", "CA certificate that signed the daemon's TLS certificate")
	cmd.Flags().BoolVar(&f.APIInsecure, "api-insecure", false, "skip TLS certificate verification")
}

func newClient(f *RemoteFlags) (*client.Client, error) {
	cfg := client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, Insecure: f.APIInsecure}
	if f.APICACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: f.APICACert}
	}
	return client.New(cfg)
}

func createCheckCommand() *cobra.Command {
	f := &RemoteFlags{}
	cmd := &cobra.Command{
		Use:   "check <command> [args...]",
		Short: "Run a command on a running daemon",
		Long: `Ask a running daemon to run one of its commands, print the result and exit
with the check's state.

Examples:
  checkengine check ping 10.0.0.1
  checkengine check --api-url=https://remote:8443/api --api-ca-cert=tls_ca.crt --timeout=5s check_load 5 10`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(f)
			if err != nil {
				return err
			}
			res, err := c.RunCheck(cmd.Context(), client.CheckRequest{Command: args[0], Args: args[1:], Timeout: f.Timeout})
			if err != nil {
				return err
			}
			printJSON(os.Stdout, res)
			if res.ExitCode != 0 {
				return exitError{code: res.ExitCode}
			}
			return nil
		},
	}
	addRemoteFlags(cmd, f)
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "check timeout (defaults to the command's)")
	return cmd
}

func createCommandsCommand() *cobra.Command {
	return createListCommand("commands", "List the commands of a running daemon",
		func(ctx context.Context, c *client.Client) (any, error) { return c.Commands(ctx) })
}

func createConnectorsCommand() *cobra.Command {
	return createListCommand("connectors", "Show the connectors of a running daemon",
		func(ctx context.Context, c *client.Client) (any, error) { return c.Connectors(ctx) })
}

func createListCommand(use, short string, list func(context.Context, *client.Client) (any, error)) *cobra.Command {
	f := &RemoteFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(f)
			if err != nil {
				return err
			}
			out, err := list(cmd.Context(), c)
			if err != nil {
				return err
			}
			printJSON(os.Stdout, out)
			return nil
		},
	}
	addRemoteFlags(cmd, f)
	return cmd
}
