package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/checkengine/internal/engine"
)

// statusClientClosed is nginx's code for a client that went away.
const statusClientClosed = 499

// maxArgs bounds $ARGn$ values accepted per request.
const maxArgs = 32

var errBadRequest = errors.New("bad request")

type errorResp struct {
	Error string `json:"error"`
}

// sanitizeBase turns a configured base path into "" or "/a/b".
func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

// validCommandName accepts the characters configured command names use:
// A-Z a-z 0-9 . _ - and no "..".
func validCommandName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// validate checks req and returns its timeout; zero means the command's own.
func (req checkRequest) validate() (time.Duration, error) {
	if !validCommandName(req.Command) {
		return 0, fmt.Errorf("%w: invalid command %q: allowed [A-Za-z0-9._-] and no '..'", errBadRequest, req.Command)
	}
	if len(req.Args) > maxArgs {
		return 0, fmt.Errorf("%w: at most %d args", errBadRequest, maxArgs)
	}
	if req.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(req.Timeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: invalid timeout %q", errBadRequest, req.Timeout)
	}
	return d, nil
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == statusClientClosed {
		c.Status(code)
		return
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
