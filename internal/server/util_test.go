package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/checkengine/internal/engine"
)

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"/":         "",
		"api":       "/api",
		"/api/":     "/api",
		" api ":     "/api",
		"//a//b/":   "/a/b",
		"/a/../b":   "/b",
		"/checks/.": "/checks",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", in, got, want)
		}
	}
}

func TestValidCommandName(t *testing.T) {
	for _, s := range []string{"check_load", "CPU.usage-1", "a"} {
		if !validCommandName(s) {
			t.Fatalf("expected valid name %q", s)
		}
	}
	for _, s := range []string{"", "..", "a..b", "a/b", `a\b`, "check load", "disk*", "디스크"} {
		if validCommandName(s) {
			t.Fatalf("expected invalid name %q", s)
		}
	}
}

func TestCheckRequestValidate(t *testing.T) {
	d, err := checkRequest{Command: "load", Timeout: "1500ms"}.validate()
	if err != nil || d != 1500*time.Millisecond {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := (checkRequest{Command: "load"}).validate(); err != nil || d != 0 {
		t.Fatalf("empty timeout should defer to the command: %v, %v", d, err)
	}
	many := checkRequest{Command: "load", Args: strings.Split(strings.Repeat("x,", maxArgs), ",")}
	if _, err := many.validate(); !errors.Is(err, errBadRequest) {
		t.Fatalf("expected too many args to fail, got %v", err)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", errBadRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: x", engine.ErrUnknownCommand), http.StatusNotFound},
		{engine.ErrClosed, http.StatusServiceUnavailable},
		{context.Canceled, statusClientClosed},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v)=%d want %d", c.err, got, c.want)
		}
	}
}

func TestWriteError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeError(c, engine.ErrClosed) })
	r.GET("/gone", func(c *gin.Context) { writeError(c, context.Canceled) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
	if !strings.Contains(rec.Body.String(), `"error":"engine closed"`) {
		t.Fatalf("body: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gone", nil))
	if rec.Code != statusClientClosed || rec.Body.Len() != 0 {
		t.Fatalf("client-closed should have no body: %d %q", rec.Code, rec.Body.String())
	}
}
