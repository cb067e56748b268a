//go:build unix

package server

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/checkengine/internal/check"
	"github.com/loykin/checkengine/internal/engine"
	"github.com/loykin/checkengine/internal/metrics"
)

// Router provides embeddable HTTP handlers for running checks.
// Endpoints:
//
//	POST {basePath}/checks                       body: checkRequest JSON
//	GET  {basePath}/commands
//	GET  {basePath}/connectors
//	GET  {basePath}/connectors/:name/resources   sampled CPU and memory
//	GET  /metrics                                when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	eng       *engine.Engine
	basePath  string
	metrics   http.Handler
	resources *metrics.ResourceCollector
	log       *slog.Logger
}

type Option func(*Router)

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

// WithResources exposes connector resource samples.
func WithResources(c *metrics.ResourceCollector) Option {
	return func(r *Router) { r.resources = c }
}

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/checks, /api/commands, ...
func NewRouter(eng *engine.Engine, basePath string, opts ...Option) *Router {
	r := &Router{eng: eng, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.POST("/checks", r.handleCheck)
	group.GET("/commands", r.handleCommands)
	group.GET("/connectors", r.handleConnectors)
	group.GET("/connectors/:name/resources", r.handleResources)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Use Shutdown on the returned server to stop it.
func NewServer(addr string, r *Router, tlsConfig *tls.Config) *http.Server {
	server := &http.Server{
		TLSConfig:         tlsConfig,
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Checks may run for their full timeout before answering.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		var err error
		if tlsConfig != nil {
			// Certificates come from TLSConfig.GetCertificate.
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("HTTP server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

// --- Handlers ---

type checkRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	// Timeout is a Go duration string; empty uses the command's timeout.
	Timeout string `json:"timeout"`
}

type checkResp struct {
	check.Result
	Command    string  `json:"command"`
	State      string  `json:"state"`
	Status     string  `json:"status"`
	DurationMS float64 `json:"duration_ms"`
}

func (r *Router) handleCheck(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	timeout, err := req.validate()
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := r.eng.Run(c.Request.Context(), req.Command, req.Args, timeout)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			r.log.Warn("Check request failed", "command", req.Command, "error", err)
		}
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, checkResp{
		Result:     res,
		Command:    req.Command,
		State:      res.State(),
		Status:     res.Status.String(),
		DurationMS: float64(res.Duration().Microseconds()) / 1000,
	})
}

func (r *Router) handleCommands(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.eng.Commands())
}

func (r *Router) handleConnectors(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.eng.Connectors())
}

func (r *Router) handleResources(c *gin.Context) {
	name := c.Param("name")
	if r.resources == nil || !r.resources.Enabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	h, ok := r.resources.History(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples for connector " + name})
		return
	}
	writeJSON(c, http.StatusOK, h)
}
