//go:build unix

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/checkengine"
	"github.com/loykin/checkengine/pkg/client"
)

func TestHelpListsSubcommands(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	if err := root.Execute(); err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, sub := range []string{"serve", "run", "exec", "connector", "check"} {
		if !strings.Contains(out.String(), sub) {
			t.Fatalf("help output missing %q: %s", sub, out.String())
		}
	}
}

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "checkengine.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestRunConfiguredExitsWithState(t *testing.T) {
	p := writeConfig(t, `
[[commands]]
name = "crit"
command = "/bin/sh -c 'echo down; exit $ARG1$'"
`)
	err := runConfigured(context.Background(), &RunFlags{ConfigPath: p}, "crit", []string{"2"})
	var ee exitError
	if !errors.As(err, &ee) || ee.code != 2 {
		t.Fatalf("expected exit status 2, got %v", err)
	}
	if err := runConfigured(context.Background(), &RunFlags{ConfigPath: p}, "crit", []string{"0"}); err != nil {
		t.Fatalf("ok check should not fail: %v", err)
	}
	if err := runConfigured(context.Background(), &RunFlags{ConfigPath: p}, "missing", nil); !errors.Is(err, checkengine.ErrUnknownCommand) {
		t.Fatalf("expected unknown command, got %v", err)
	}
	if err := runConfigured(context.Background(), &RunFlags{}, "crit", nil); err == nil {
		t.Fatalf("expected error without --config")
	}
}

func TestExecCommand(t *testing.T) {
	root := buildRoot()
	root.SetArgs([]string{"exec", "--timeout=5s", "/bin/sh -c 'exit 1'"})
	err := root.Execute()
	var ee exitError
	if !errors.As(err, &ee) || ee.code != 1 {
		t.Fatalf("expected exit status 1, got %v", err)
	}
}

func TestServeNonBlocking(t *testing.T) {
	p := writeConfig(t, `
[server]
listen = "127.0.0.1:0"

[[commands]]
name = "true"
command = "/bin/true"
`)
	pidFile := filepath.Join(t.TempDir(), "checkengine.pid")
	if err := runServe(context.Background(), &ServeFlags{ConfigPath: p, PidFile: pidFile, NonBlocking: true}); err != nil {
		t.Fatalf("serve non-blocking failed: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("PID file should be removed on exit")
	}
	if err := runServe(context.Background(), &ServeFlags{}); err == nil {
		t.Fatalf("expected error without config")
	}
}

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "test_daemon.pid")
	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile failed: %v", err)
	}
	b, err := os.ReadFile(pidFile)
	if err != nil || len(b) == 0 {
		t.Fatalf("PID file not written: %v", err)
	}
	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile failed: %v", err)
	}
	if err := removePidFile(""); err != nil {
		t.Fatalf("empty pidfile should be ignored: %v", err)
	}
}

func TestRemoteCheck(t *testing.T) {
	eng, err := checkengine.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = eng.Close(context.Background()) }()
	if err := eng.AddCommand("warn", "/bin/sh -c 'echo $ARG1$; exit 1'", "", time.Second); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(eng.Handler("/api"))
	defer srv.Close()

	c, err := newClient(&RemoteFlags{APIUrl: srv.URL + "/api", APITimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.RunCheck(context.Background(), client.CheckRequest{Command: "warn", Args: []string{"slow disk"}, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("run check: %v", err)
	}
	if res.Stdout != "slow disk\n" || res.ExitCode != 1 || res.State != "warning" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := c.RunCheck(context.Background(), client.CheckRequest{Command: "missing"}); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected API error, got %v", err)
	}
	cmds, err := c.Commands(context.Background())
	if err != nil {
		t.Fatalf("commands: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Name != "warn" {
		t.Fatalf("unexpected commands: %v", cmds)
	}
}

func TestCheckCommandExitsWithState(t *testing.T) {
	eng, err := checkengine.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = eng.Close(context.Background()) }()
	if err := eng.AddCommand("crit", "/bin/sh -c 'exit 2'", "", time.Second); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(eng.Handler("/api"))
	defer srv.Close()

	root := buildRoot()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"check", "--api-url", srv.URL + "/api", "crit"})
	err = root.Execute()
	var ee exitError
	if !errors.As(err, &ee) || ee.code != 2 {
		t.Fatalf("expected exit code 2, got %v", err)
	}
}

func TestTemplateWritesLoadableConfig(t *testing.T) {
	out := filepath.Join(t.TempDir(), "checkengine.toml")
	root := buildRoot()
	root.SetArgs([]string{"template", "scheduled", "ping", "--output", out})
	if err := root.Execute(); err != nil {
		t.Fatalf("template: %v", err)
	}
	cfg, err := checkengine.LoadConfig(out)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Command != "ping" {
		t.Fatalf("unexpected schedules: %+v", cfg.Schedules)
	}

	root = buildRoot()
	root.SetArgs([]string{"template", "scheduled", "ping", "--output", out})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	root = buildRoot()
	root.SetArgs([]string{"template", "bogus"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected unknown type error")
	}
}
