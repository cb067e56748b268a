//go:build unix

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/checkengine"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the checkengine daemon",
		Long: `Start the checkengine daemon: spawn the configured connectors and serve
the HTTP API until SIGINT or SIGTERM.

Examples:
  checkengine serve --config=checkengine.toml
  checkengine serve checkengine.toml --listen=:8080
  checkengine serve checkengine.toml --daemonize --pidfile=/run/checkengine.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), serveFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "HTTP listen address (overrides [server].listen)")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	cmd.Flags().BoolVar(&serveFlags.NonBlocking, "non-blocking", false, "return once started (testing)")
	return cmd
}

func runServe(ctx context.Context, flags *ServeFlags) error {
	if flags.ConfigPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=checkengine.toml or provide as argument")
	}
	cfg, err := checkengine.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	log, logCloser, err := cfg.Log.New()
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(log)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := checkengine.Open(cfg, log)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		// Connectors that failed are retried by their next check.
		log.Warn("Some connectors did not start", "error", err)
	}

	listen := flags.Listen
	if listen == "" {
		listen = cfg.Server.Listen
	}
	var srv *http.Server
	if listen != "" {
		if srv, err = eng.NewHTTPServer(listen, cfg.Server.BasePath); err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return errors.Join(err, eng.Close(closeCtx))
		}
		log.Info("HTTP API listening", "addr", listen, "base_path", cfg.Server.BasePath,
			"tls", cfg.Server.TLS != nil && cfg.Server.TLS.Enabled)
	}
	log.Info("Checkengine started", "commands", len(eng.Commands()), "connectors", len(eng.Connectors()))

	if !flags.NonBlocking {
		<-ctx.Done()
		log.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var errs []error
	if srv != nil {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	errs = append(errs, eng.Close(shutdownCtx))
	return errors.Join(errs...)
}
