//go:build unix

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/checkengine/internal/engine"
	"github.com/loykin/checkengine/internal/metrics"
	"github.com/loykin/checkengine/internal/process"
)

func setupRouter(t *testing.T, base string, opts ...Option) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mgr, err := process.NewManager(process.WithPollInterval(20 * time.Millisecond))
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	eng := engine.New(mgr, engine.Options{})
	t.Cleanup(func() {
		_ = eng.Close(context.Background())
		_ = mgr.Close()
	})
	for name, line := range map[string]string{
		"echo":  "/bin/echo $ARG1$",
		"warn":  "/bin/sh -c 'echo degraded; exit 1'",
		"sleep": "/bin/sleep 5",
	} {
		if err := eng.AddCommand(name, line, "", 0); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	return NewRouter(eng, base, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunCheck(t *testing.T) {
	h := setupRouter(t, "/api/") // ensure base sanitization works
	rec := doReq(t, h, http.MethodPost, "/api/checks", checkRequest{Command: "echo", Args: []string{"hi"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to parse json: %v", err)
	}
	if got["stdout"] != "hi\n" || got["state"] != "ok" || got["status"] != "normal" || got["executed"] != true {
		t.Fatalf("unexpected result: %v", got)
	}

	rec = doReq(t, h, http.MethodPost, "/api/checks", checkRequest{Command: "warn"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got["state"] != "warning" || got["exit_code"] != float64(1) {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestRunCheckTimeout(t *testing.T) {
	h := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/checks", checkRequest{Command: "sleep", Timeout: "100ms"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got["timed_out"] != true || got["status"] != "timeout" || got["state"] != "unknown" {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestRunCheckBadRequests(t *testing.T) {
	h := setupRouter(t, "")
	cases := []struct {
		body any
		want int
	}{
		{checkRequest{}, http.StatusBadRequest},
		{checkRequest{Command: "../echo"}, http.StatusBadRequest},
		{checkRequest{Command: "echo", Timeout: "soon"}, http.StatusBadRequest},
		{checkRequest{Command: "echo", Timeout: "-1s"}, http.StatusBadRequest},
		{checkRequest{Command: "missing"}, http.StatusNotFound},
		{"not an object", http.StatusBadRequest},
	}
	for _, c := range cases {
		if rec := doReq(t, h, http.MethodPost, "/checks", c.body); rec.Code != c.want {
			t.Fatalf("%+v: expected %d, got %d: %s", c.body, c.want, rec.Code, rec.Body.String())
		}
	}
}

func TestListCommandsAndConnectors(t *testing.T) {
	h := setupRouter(t, "/x")
	rec := doReq(t, h, http.MethodGet, "/x/commands", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var cmds []engine.CommandInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &cmds); err != nil {
		t.Fatalf("failed to parse json: %v", err)
	}
	if len(cmds) != 3 || cmds[0].Name != "echo" || cmds[0].Runner != engine.RunnerRaw {
		t.Fatalf("unexpected commands: %+v", cmds)
	}

	rec = doReq(t, h, http.MethodGet, "/x/connectors", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("unexpected connectors: %d %s", rec.Code, rec.Body.String())
	}
}

func TestResources(t *testing.T) {
	h := setupRouter(t, "")
	if rec := doReq(t, h, http.MethodGet, "/connectors/any/resources", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled sampling expected 404, got %d", rec.Code)
	}

	rc := metrics.NewResourceCollector(metrics.ResourceConfig{Enabled: true})
	rc.Collect(map[string]int32{"self": int32(os.Getpid())})
	h = setupRouter(t, "", WithResources(rc))
	rec := doReq(t, h, http.MethodGet, "/connectors/self/resources", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var samples []metrics.Usage
	if err := json.Unmarshal(rec.Body.Bytes(), &samples); err != nil || len(samples) != 1 {
		t.Fatalf("unexpected samples: %v %s", err, rec.Body.String())
	}
	if rec := doReq(t, h, http.MethodGet, "/connectors/other/resources", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown connector expected 404, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatal(err)
	}
	h := setupRouter(t, "/api", WithMetrics(metrics.HandlerFor(reg)))
	if rec := doReq(t, h, http.MethodPost, "/api/checks", checkRequest{Command: "echo", Args: []string{"m"}}); rec.Code != http.StatusOK {
		t.Fatalf("check expected 200, got %d", rec.Code)
	}
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `checkengine_check_results_total{command="echo",kind="raw",state="ok"}`) {
		t.Fatalf("metrics output missing results_total: %s", rec.Body.String())
	}
}

func TestNewServerStartShutdown(t *testing.T) {
	mgr, err := process.NewManager()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = mgr.Close() }()
	srv := NewServer("127.0.0.1:0", NewRouter(engine.New(mgr, engine.Options{}), "/x"), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
