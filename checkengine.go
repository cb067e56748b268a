//go:build unix

// Package checkengine runs monitoring checks as short-lived child processes
// or through long-lived connector processes speaking the framed connector
// protocol.
package checkengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/checkengine/internal/check"
	"github.com/loykin/checkengine/internal/config"
	"github.com/loykin/checkengine/internal/connector"
	"github.com/loykin/checkengine/internal/cron"
	"github.com/loykin/checkengine/internal/engine"
	"github.com/loykin/checkengine/internal/history"
	"github.com/loykin/checkengine/internal/history/factory"
	"github.com/loykin/checkengine/internal/metrics"
	"github.com/loykin/checkengine/internal/process"
	"github.com/loykin/checkengine/internal/raw"
	iapi "github.com/loykin/checkengine/internal/server"
	itls "github.com/loykin/checkengine/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Result = check.Result

type Listener = check.Listener

type ListenerFunc = check.ListenerFunc

type CommandInfo = engine.CommandInfo

type ConnectorInfo = connector.Info

type ConnectorOptions = connector.Options

type Config = config.Config

type HistorySink = history.Sink

type Usage = metrics.Usage

type ScheduleStats = cron.Stats

var (
	ErrUnknownCommand = engine.ErrUnknownCommand
	ErrClosed         = engine.ErrClosed
)

// Engine is a facade over the process manager, the command registry and the
// optional history, metrics and stderr log plumbing built from a Config.
type Engine struct {
	mgr       *process.Manager
	inner     *engine.Engine
	recorder  *history.Recorder
	resources *metrics.ResourceCollector
	scheduler *cron.Scheduler
	cfg       *Config
	log       *slog.Logger
	closers   []io.Closer
}

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// New returns an empty engine. Commands and connectors are added with
// AddCommand and AddConnector.
func New(log *slog.Logger) (*Engine, error) {
	cfg, err := config.Default()
	if err != nil {
		return nil, err
	}
	return build(cfg, log, nil)
}

// Open builds an engine from cfg: connectors and commands are registered,
// history sinks opened and metrics registered with the default registerer
// when enabled. Connectors are spawned by Start.
func Open(cfg *Config, log *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	e, err := build(cfg, log, sinks)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			_ = e.Close(context.Background())
			return nil, err
		}
		if err := e.resources.Register(prometheus.DefaultRegisterer); err != nil {
			_ = e.Close(context.Background())
			return nil, err
		}
	}
	stderr := make(map[string]io.WriteCloser)
	for _, cc := range cfg.Connectors {
		opts, err := cc.ConnectorOptions()
		if err != nil {
			_ = e.Close(context.Background())
			return nil, err
		}
		if cc.LogStderr {
			opts.Stderr = e.stderrWriter(cc.Name, stderr)
		}
		if err := e.inner.AddConnector(cc.Name, cc.Command, opts); err != nil {
			_ = e.Close(context.Background())
			return nil, err
		}
	}
	for _, cm := range cfg.Commands {
		if err := e.inner.AddCommand(cm.Name, cm.Command, cm.Connector, cm.Timeout); err != nil {
			_ = e.Close(context.Background())
			return nil, err
		}
	}
	for _, sc := range cfg.Schedules {
		job := &cron.Job{Name: sc.Name, Command: sc.Command, Args: sc.Args, Schedule: sc.Schedule,
			Timeout: sc.Timeout, AllowOverlap: sc.AllowOverlap}
		if err := e.scheduler.Add(job); err != nil {
			_ = e.Close(context.Background())
			return nil, err
		}
	}
	return e, nil
}

func build(cfg *Config, log *slog.Logger, sinks []history.Sink) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	macros, err := cfg.MacroMap()
	if err != nil {
		return nil, err
	}
	environment, err := cfg.Environment()
	if err != nil {
		return nil, err
	}
	mgr, err := process.NewManager(process.WithLogger(log))
	if err != nil {
		return nil, err
	}
	e := &Engine{
		mgr:       mgr,
		cfg:       cfg,
		log:       log,
		resources: metrics.NewResourceCollector(cfg.Metrics.Resources),
	}
	if len(sinks) > 0 {
		e.recorder = history.NewRecorder(sinks, history.RecorderOptions{
			QueueSize:   cfg.History.QueueSize,
			SendTimeout: cfg.History.SendTimeout,
			Logger:      log,
		})
	}
	e.inner = engine.New(mgr, engine.Options{
		DefaultTimeout: cfg.CheckTimeout,
		Env:            environment,
		Macros:         macros,
		Setpgid:        cfg.UseSetpgid,
		Recorder:       e.recorder,
		Logger:         log,
	})
	e.scheduler = cron.NewScheduler(e.inner, log)
	return e, nil
}

// stderrWriter shares one writer between connectors logging to the same
// explicit stderr_path.
func (e *Engine) stderrWriter(name string, shared map[string]io.WriteCloser) io.Writer {
	key := e.cfg.Log.File.StderrPath
	if key != "" {
		if w, ok := shared[key]; ok {
			return w
		}
	}
	w := e.cfg.Log.StderrWriter(name)
	if w == nil {
		return nil
	}
	if key != "" {
		shared[key] = w
	}
	e.closers = append(e.closers, w)
	return w
}

func (e *Engine) AddConnector(name, commandLine string, opts ConnectorOptions) error {
	return e.inner.AddConnector(name, commandLine, opts)
}

func (e *Engine) AddCommand(name, commandLine, connectorName string, timeout time.Duration) error {
	return e.inner.AddCommand(name, commandLine, connectorName, timeout)
}

// AddSchedule runs the registered command every period given as
// "@every <duration>" once Start is called. A tick is skipped while the
// previous run is still active.
func (e *Engine) AddSchedule(name, command string, args []string, schedule string, timeout time.Duration) error {
	return e.scheduler.Add(&cron.Job{Name: name, Command: command, Args: args, Schedule: schedule, Timeout: timeout})
}

// Start spawns the connectors, then begins resource sampling and scheduled
// checks. Connectors that fail to start are retried by their next check, so
// the error is informational.
func (e *Engine) Start(ctx context.Context) error {
	err := e.inner.Start(ctx)
	e.resources.Start(ctx, e.connectorPIDs)
	if serr := e.scheduler.Start(ctx); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

// Schedules reports run counters of every scheduled check.
func (e *Engine) Schedules() []ScheduleStats { return e.scheduler.Stats() }

func (e *Engine) connectorPIDs() map[string]int32 {
	out := make(map[string]int32)
	for _, c := range e.inner.Connectors() {
		if c.PID > 0 {
			out[c.Name] = int32(c.PID)
		}
	}
	return out
}

func (e *Engine) Run(ctx context.Context, name string, args []string, timeout time.Duration) (Result, error) {
	return e.inner.Run(ctx, name, args, timeout)
}

func (e *Engine) Submit(name string, args []string, timeout time.Duration, l Listener) error {
	return e.inner.Submit(name, args, timeout, l)
}

func (e *Engine) Commands() []CommandInfo     { return e.inner.Commands() }
func (e *Engine) Connectors() []ConnectorInfo { return e.inner.Connectors() }

// Resources returns the latest resource sample of every connector.
func (e *Engine) Resources() []Usage { return e.resources.All() }

// Handler returns the HTTP API mounted under basePath. /metrics is served
// from the default gatherer when metrics are enabled.
func (e *Engine) Handler(basePath string) http.Handler {
	return iapi.NewRouter(e.inner, basePath, e.routerOptions()...).Handler()
}

// NewHTTPServer starts the HTTP API on addr, over TLS when the
// configuration enables it. Shut it down before Close.
func (e *Engine) NewHTTPServer(addr, basePath string) (*http.Server, error) {
	tlsConfig, err := itls.SetupTLS(e.cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	return iapi.NewServer(addr, iapi.NewRouter(e.inner, basePath, e.routerOptions()...), tlsConfig), nil
}

func (e *Engine) routerOptions() []iapi.Option {
	opts := []iapi.Option{iapi.WithResources(e.resources), iapi.WithLogger(e.log)}
	if e.cfg.Metrics.Enabled {
		opts = append(opts, iapi.WithMetrics(metrics.Handler()))
	}
	return opts
}

// Close stops every connector and running check, flushes history and
// releases log files.
func (e *Engine) Close(ctx context.Context) error {
	e.scheduler.Stop()
	e.resources.Stop()
	errs := []error{e.inner.Close(ctx)}
	if e.recorder != nil {
		errs = append(errs, e.recorder.Close(ctx))
	}
	errs = append(errs, e.mgr.Close())
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// RegisterMetrics registers the engine metrics with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// ServeConnector serves the connector protocol on r and w, running each
// check as a child process. It returns when the engine sends quit_query or
// closes r.
func ServeConnector(ctx context.Context, r io.Reader, w io.Writer, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	mgr, err := process.NewManager(process.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	var ids check.IDGenerator
	runner := raw.New("connector", "", mgr, &ids, raw.WithSetpgid(true), raw.WithLogger(log))
	defer func() { _ = runner.Close(context.Background()) }()
	return connector.Serve(ctx, r, w, connector.NewRawHandler(runner), connector.ServeOptions{Logger: log})
}
