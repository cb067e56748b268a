//go:build unix

// Package engine keeps the registry of named check commands and routes each
// check to the runner it is bound to: a fresh child process or a connector.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/checkengine/internal/check"
	"github.com/loykin/checkengine/internal/connector"
	"github.com/loykin/checkengine/internal/env"
	"github.com/loykin/checkengine/internal/history"
	"github.com/loykin/checkengine/internal/metrics"
	"github.com/loykin/checkengine/internal/process"
	"github.com/loykin/checkengine/internal/raw"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrUnknownConnector = errors.New("unknown connector")
	ErrDuplicateName    = errors.New("duplicate name")
	ErrClosed           = errors.New("engine closed")
)

// RunnerRaw is the runner name of commands executed as child processes.
const RunnerRaw = "raw"

const DefaultTimeout = 60 * time.Second

// Options configures an Engine.
type Options struct {
	// DefaultTimeout applies to commands registered without a timeout.
	DefaultTimeout time.Duration
	// Env is the environment of checks and connectors. Nil inherits the
	// engine's own environment.
	Env *env.Env
	// Macros are substituted as $NAME$ in command lines.
	Macros  map[string]string
	Setpgid bool
	// Recorder, when set, receives every result.
	Recorder *history.Recorder
	Logger   *slog.Logger
}

// CommandInfo describes a registered command.
type CommandInfo struct {
	Name        string        `json:"name"`
	CommandLine string        `json:"command_line"`
	Runner      string        `json:"runner"`
	Timeout     time.Duration `json:"timeout"`
}

type command struct {
	CommandInfo
	exec check.Command
}

// Engine routes checks to raw processes or connectors.
type Engine struct {
	mgr  *process.Manager
	ids  check.IDGenerator
	opts Options
	log  *slog.Logger
	env  []string

	mu         sync.RWMutex
	closed     bool
	connectors map[string]*connector.Connector
	commands   map[string]*command
	raws       []*raw.Command
}

func New(mgr *process.Manager, opts Options) *Engine {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		mgr:        mgr,
		opts:       opts,
		log:        opts.Logger,
		connectors: make(map[string]*connector.Connector),
		commands:   make(map[string]*command),
	}
	if opts.Env != nil {
		e.env = opts.Env.Merge(nil)
	}
	return e
}

// AddConnector registers a connector. It is spawned by Start or by its
// first check. Unset Env, Logger and Setpgid options are taken from the
// engine.
func (e *Engine) AddConnector(name, commandLine string, opts connector.Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.connectors[name]; ok {
		return fmt.Errorf("%w: connector %s", ErrDuplicateName, name)
	}
	if opts.Env == nil {
		opts.Env = e.env
	}
	if opts.Logger == nil {
		opts.Logger = e.log
	}
	opts.Setpgid = opts.Setpgid || e.opts.Setpgid
	e.connectors[name] = connector.New(name, Expand(commandLine, nil, e.opts.Macros), e.mgr, &e.ids, opts)
	return nil
}

// AddCommand registers a command. An empty connectorName runs it as a raw
// process.
func (e *Engine) AddCommand(name, commandLine, connectorName string, timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.commands[name]; ok {
		return fmt.Errorf("%w: command %s", ErrDuplicateName, name)
	}
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	c := &command{CommandInfo: CommandInfo{Name: name, CommandLine: commandLine, Timeout: timeout}}
	if connectorName == "" {
		r := raw.New(name, commandLine, e.mgr, &e.ids,
			raw.WithEnv(e.env), raw.WithSetpgid(e.opts.Setpgid), raw.WithLogger(e.log.With("command", name)))
		e.raws = append(e.raws, r)
		c.Runner, c.exec = RunnerRaw, r
	} else {
		conn, ok := e.connectors[connectorName]
		if !ok {
			return fmt.Errorf("%w: %s (command %s)", ErrUnknownConnector, connectorName, name)
		}
		c.Runner, c.exec = connectorName, conn
	}
	e.commands[name] = c
	return nil
}

// Start spawns every connector. Connectors that fail are reported and
// retried on their next check.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.RLock()
	conns := make([]*connector.Connector, 0, len(e.connectors))
	for _, c := range e.connectors {
		conns = append(conns, c)
	}
	e.mu.RUnlock()

	var errs []error
	for _, c := range conns {
		if err := c.Start(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run executes the named command with args and waits for its result. A zero
// timeout uses the command's own.
func (e *Engine) Run(ctx context.Context, name string, args []string, timeout time.Duration) (check.Result, error) {
	c, err := e.lookup(name)
	if err != nil {
		return check.Result{}, err
	}
	return e.execute(ctx, c, Expand(c.CommandLine, args, e.opts.Macros), timeout)
}

// Submit is Run without waiting: the result is handed to l. Errors are only
// returned for checks that were not accepted.
func (e *Engine) Submit(name string, args []string, timeout time.Duration, l check.Listener) error {
	c, err := e.lookup(name)
	if err != nil {
		return err
	}
	line := Expand(c.CommandLine, args, e.opts.Macros)
	go func() {
		r, err := e.execute(context.Background(), c, line, timeout)
		if err != nil {
			e.log.Warn("Check not accepted", "command", c.Name, "error", err)
			r = e.notExecuted(c, "("+err.Error()+")")
		}
		if l != nil {
			l.Finished(r)
		}
	}()
	return nil
}

func (e *Engine) lookup(name string) (*command, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	c, ok := e.commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return c, nil
}

func (e *Engine) execute(ctx context.Context, c *command, line string, timeout time.Duration) (check.Result, error) {
	if timeout <= 0 {
		timeout = c.Timeout
	}
	r, err := c.exec.RunSync(ctx, line, timeout)
	if errors.Is(err, connector.ErrConnectorUnusable) {
		conn := c.exec.(*connector.Connector)
		if serr := conn.Start(ctx); serr == nil {
			r, err = c.exec.RunSync(ctx, line, timeout)
		}
		if errors.Is(err, connector.ErrConnectorUnusable) {
			e.log.Warn("Connector unusable", "command", c.Name, "connector", c.Runner, "error", err)
			r, err = e.notExecuted(c, "(Failed to execute command with connector '"+c.Runner+"')"), nil
		}
	}
	if err != nil {
		return check.Result{}, err
	}
	e.observe(c, line, r)
	return r, nil
}

func (e *Engine) notExecuted(c *command, stderr string) check.Result {
	now := time.Now()
	return check.Result{
		CommandID: e.ids.Next(),
		StartTime: now,
		EndTime:   now,
		ExitCode:  check.StateUnknown,
		Status:    check.StatusCrash,
		Stderr:    stderr,
	}
}

func (e *Engine) observe(c *command, line string, r check.Result) {
	metrics.ObserveCheck(c.Name, c.Runner, r.State(), r.Duration().Seconds(), r.TimedOut, r.Executed)
	e.log.Debug("Check finished", "command", c.Name, "id", r.CommandID, "state", r.State(),
		"status", r.Status.String(), "duration", r.Duration())
	if e.opts.Recorder != nil {
		if err := e.opts.Recorder.Record(history.NewEvent(c.Name, c.Runner, line, r)); err != nil {
			e.log.Debug("History not recorded", "command", c.Name, "error", err)
		}
	}
}

// Commands lists the registered commands by name.
func (e *Engine) Commands() []CommandInfo {
	e.mu.RLock()
	out := make([]CommandInfo, 0, len(e.commands))
	for _, c := range e.commands {
		out = append(out, c.CommandInfo)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Connectors returns a snapshot of every connector by name.
func (e *Engine) Connectors() []connector.Info {
	e.mu.RLock()
	conns := make([]*connector.Connector, 0, len(e.connectors))
	for _, c := range e.connectors {
		conns = append(conns, c)
	}
	e.mu.RUnlock()
	out := make([]connector.Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops every connector and raw runner. Pending checks are resolved
// before it returns unless ctx ends first.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var cmds []check.Command
	for _, c := range e.connectors {
		cmds = append(cmds, c)
	}
	for _, r := range e.raws {
		cmds = append(cmds, r)
	}
	e.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range cmds {
		wg.Add(1)
		go func(c check.Command) {
			defer wg.Done()
			if err := c.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return errors.Join(errs...)
}
