//go:build unix

package checkengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/checkengine/internal/check"
	"github.com/loykin/checkengine/internal/history/sqlite"
)

func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_CONNECTOR") == "1" {
		if err := ServeConnector(context.Background(), os.Stdin, os.Stdout, nil); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	data := fmt.Sprintf(`
check_timeout = "10s"
env = ["GO_WANT_HELPER_CONNECTOR=1"]
macros = ["PLUGINS=/bin"]

[log.file]
dir = %q

[history]
dsns = [%q]

[[connectors]]
name = "local"
command = "'%s'"
log_stderr = true

[[commands]]
name = "local_exit"
command = "$PLUGINS$/sh -c 'echo via connector; exit $ARG1$'"
connector = "local"

[[commands]]
name = "raw_echo"
command = "$PLUGINS$/echo $ARG1$"
`, dir, filepath.Join(dir, "history.db"), os.Args[0])
	p := filepath.Join(dir, "checkengine.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestOpenRunsConfiguredChecks(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(writeConfig(t, dir))
	require.NoError(t, err)
	e, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	r, err := e.Run(context.Background(), "local_exit", []string{"2"}, 0)
	require.NoError(t, err)
	assert.Equal(t, check.StateCritical, r.ExitCode)
	assert.Equal(t, "via connector\n", r.Stdout)

	r, err = e.Run(context.Background(), "raw_echo", []string{"direct"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "direct\n", r.Stdout)

	_, err = e.Run(context.Background(), "nope", nil, 0)
	require.ErrorIs(t, err, ErrUnknownCommand)

	conns := e.Connectors()
	require.Len(t, conns, 1)
	assert.Equal(t, "running", conns[0].State)
	assert.Len(t, e.Commands(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))

	sink, err := sqlite.New(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(context.Background(), "local_exit")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandlerRunsChecks(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	defer func() { _ = e.Close(context.Background()) }()
	require.NoError(t, e.AddCommand("hello", "/bin/echo hello $ARG1$", "", time.Second))

	srv := httptest.NewServer(e.Handler("/api"))
	defer srv.Close()
	resp, err := http.Post(srv.URL+"/api/checks", "application/json", strings.NewReader(`{"command":"hello","args":["http"]}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitThroughFacade(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	defer func() { _ = e.Close(context.Background()) }()
	require.NoError(t, e.AddCommand("hello", "/bin/echo async", "", time.Second))

	got := make(chan Result, 1)
	require.NoError(t, e.Submit("hello", nil, 0, ListenerFunc(func(r Result) { got <- r })))
	select {
	case r := <-got:
		assert.Equal(t, "async\n", r.Stdout)
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
}

func TestScheduledChecksRun(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	defer func() { _ = e.Close(context.Background()) }()
	require.NoError(t, e.AddCommand("tick", "/bin/true", "", time.Second))
	require.NoError(t, e.AddSchedule("tick-often", "tick", nil, "@every 50ms", 0))
	require.Error(t, e.AddSchedule("bad", "tick", nil, "5m", 0))
	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool {
		st := e.Schedules()
		return len(st) == 1 && st[0].Runs >= 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHTTPServerWithGeneratedCertificate(t *testing.T) {
	cfg, err := LoadConfig(writeTLSConfig(t))
	require.NoError(t, err)
	e, err := Open(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = e.Close(context.Background()) }()

	srv, err := e.NewHTTPServer("127.0.0.1:18443", "/api")
	require.NoError(t, err)
	defer func() { _ = srv.Shutdown(context.Background()) }()

	// #nosec G402 self-signed test certificate
	client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	require.Eventually(t, func() bool {
		resp, err := client.Get("https://127.0.0.1:18443/api/commands")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)
}

func writeTLSConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	data := fmt.Sprintf(`
[server.tls]
enabled = true
dir = %q
auto_generate = true

[[commands]]
name = "hello"
command = "/bin/echo hello"
`, filepath.Join(dir, "tls"))
	p := filepath.Join(dir, "checkengine.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}
