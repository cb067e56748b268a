//go:build unix

// Package connector runs checks through a long-lived helper process that
// speaks the framed request protocol on its stdin and stdout.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/loykin/checkengine/internal/check"
	"github.com/loykin/checkengine/internal/metrics"
	"github.com/loykin/checkengine/internal/process"
	"github.com/loykin/checkengine/internal/protocol"
)

var (
	ErrConnectorUnusable = errors.New("connector unusable")
	ErrClosed            = errors.New("connector closed")
)

const (
	DefaultMaxChecksBeforeRestart = 10000
	DefaultStartTimeout           = 5 * time.Second
	DefaultQuitTimeout            = 5 * time.Second
	DefaultSweepInterval          = time.Second

	timeoutMessage = "(Process Timeout)"
)

// Options configures a Connector.
type Options struct {
	// Listener receives the results of Run.
	Listener check.Listener
	// MinVersion is the oldest protocol version accepted from the helper.
	MinVersion Version
	// StartTimeout bounds the version handshake.
	StartTimeout time.Duration
	// QuitTimeout bounds each step of a graceful stop.
	QuitTimeout time.Duration
	// MaxChecksBeforeRestart restarts the helper once it has been sent that
	// many checks. Zero selects DefaultMaxChecksBeforeRestart, a negative
	// value disables it.
	MaxChecksBeforeRestart int
	// SweepInterval is how often pending requests are checked for timeout.
	SweepInterval time.Duration
	Setpgid       bool
	// Env replaces the helper's inherited environment when not nil.
	Env []string
	// Stderr receives the helper's stderr. When nil it is logged at debug
	// level.
	Stderr io.Writer
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.QuitTimeout <= 0 {
		o.QuitTimeout = DefaultQuitTimeout
	}
	if o.MaxChecksBeforeRestart == 0 {
		o.MaxChecksBeforeRestart = DefaultMaxChecksBeforeRestart
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type state int

const (
	stateStopped state = iota
	stateStarting
	stateRunning
	stateRestarting
	stateFailed
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateStopped:
		return "stopped"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateRestarting:
		return "restarting"
	case stateFailed:
		return "failed"
	default:
		return "closed"
	}
}

// pending is a request sent, or waiting to be sent, to the helper.
type pending struct {
	id      uint64
	frame   []byte
	start   time.Time
	timeout time.Duration
	deliver func(check.Result)
}

type handshake struct {
	v   Version
	err error
}

// Info is a snapshot of a connector's state.
type Info struct {
	Name        string `json:"name"`
	CommandLine string `json:"command_line"`
	State       string `json:"state"`
	PID         int    `json:"pid,omitempty"`
	Version     string `json:"version,omitempty"`
	Pending     int    `json:"pending"`
	Restarts    uint64 `json:"restarts"`
	Sent        int    `json:"sent_since_start"`
}

// Connector multiplexes checks over one helper process. It restarts the
// helper when it crashes, reports an error or has run too many checks, and
// replays the requests that were not answered.
type Connector struct {
	name        string
	commandLine string
	mgr         *process.Manager
	ids         *check.IDGenerator
	opts        Options
	log         *slog.Logger
	builder     *protocol.Builder

	mu        sync.Mutex
	state     state
	gen       uint64
	proc      *process.Process
	dec       protocol.Decoder
	pending   map[uint64]*pending
	sent      int
	version   Version
	handshake chan handshake
	quitCh    chan struct{}
	sweep     *time.Timer
	restarts  uint64
	bg        sync.WaitGroup
}

var _ check.Command = (*Connector)(nil)

// New returns a stopped Connector. The helper is spawned by Start or by the
// first Run.
func New(name, commandLine string, mgr *process.Manager, ids *check.IDGenerator, opts Options) *Connector {
	opts.applyDefaults()
	return &Connector{
		name:        name,
		commandLine: commandLine,
		mgr:         mgr,
		ids:         ids,
		opts:        opts,
		log:         opts.Logger.With("connector", name),
		builder:     protocol.NewBuilder(),
		pending:     make(map[uint64]*pending),
	}
}

func (c *Connector) Name() string        { return c.name }
func (c *Connector) CommandLine() string { return c.commandLine }

// Start spawns the helper and waits for a usable version_response. It is a
// no-op when the helper is already running or being started.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	case stateRunning, stateStarting, stateRestarting:
		c.mu.Unlock()
		return nil
	}
	gen, hs, p := c.beginStartLocked()
	c.mu.Unlock()
	return c.finishStart(ctx, gen, hs, p)
}

func (c *Connector) beginStartLocked() (uint64, chan handshake, *process.Process) {
	c.gen++
	c.state = stateStarting
	c.dec.Reset()
	c.sent = 0
	hs := make(chan handshake, 1)
	c.handshake = hs
	c.proc = process.New(c.mgr, &events{c: c, gen: c.gen}, process.WithSetpgid(c.opts.Setpgid))
	return c.gen, hs, c.proc
}

func (c *Connector) finishStart(ctx context.Context, gen uint64, hs chan handshake, p *process.Process) error {
	err := p.Exec(c.commandLine, c.opts.Env, 0)
	var v Version
	if err == nil {
		_, err = p.Write((&protocol.VersionQuery{}).Encode())
	}
	if err == nil {
		t := time.NewTimer(c.opts.StartTimeout)
		select {
		case h := <-hs:
			v, err = h.v, h.err
			if err == nil && v.Less(c.opts.MinVersion) {
				err = fmt.Errorf("version %s is older than %s", v, c.opts.MinVersion)
			}
		case <-t.C:
			err = fmt.Errorf("no version response within %s", c.opts.StartTimeout)
		case <-ctx.Done():
			err = ctx.Err()
		}
		t.Stop()
	}

	c.mu.Lock()
	if c.handshake == hs {
		c.handshake = nil
	}
	if err == nil && (c.state == stateClosed || c.gen != gen) {
		err = ErrClosed
	}
	if err != nil {
		if c.gen == gen && c.state != stateClosed {
			c.state = stateFailed
		}
		c.mu.Unlock()
		metrics.SetConnectorUp(c.name, false)
		_ = p.Kill()
		p.WaitTimeout(c.opts.QuitTimeout)
		c.log.Warn("Connector unusable", "command", c.commandLine, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrConnectorUnusable, c.name, err)
	}
	c.version = v
	c.state = stateRunning
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		c.writeLocked(c.pending[id])
	}
	c.armSweepLocked()
	c.mu.Unlock()

	metrics.SetConnectorUp(c.name, true)
	c.log.Info("Connector started", "pid", p.PID(), "version", v.String(), "replayed", len(ids))
	return nil
}

// Run sends cmdline to the helper and returns its command id. The result is
// delivered to Options.Listener exactly once.
func (c *Connector) Run(cmdline string, timeout time.Duration) (uint64, error) {
	return c.submit(cmdline, timeout, func(r check.Result) {
		if c.opts.Listener != nil {
			c.opts.Listener.Finished(r)
		}
	})
}

// RunSync sends cmdline to the helper and waits for its result. The wait is
// bounded by timeout when it is set, and by ctx.
func (c *Connector) RunSync(ctx context.Context, cmdline string, timeout time.Duration) (check.Result, error) {
	ch := make(chan check.Result, 1)
	id, err := c.submit(cmdline, timeout, func(r check.Result) { ch <- r })
	if err != nil {
		return check.Result{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		metrics.SetConnectorPending(c.name, len(c.pending))
		c.mu.Unlock()
		return check.Result{}, ctx.Err()
	}
}

func (c *Connector) submit(cmdline string, timeout time.Duration, deliver func(check.Result)) (uint64, error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateClosed:
		return 0, ErrClosed
	case stateFailed:
		return 0, fmt.Errorf("%w: %s failed to start", ErrConnectorUnusable, c.name)
	}

	id := c.ids.Next()
	q := protocol.ExecuteQuery{
		CommandID: id,
		Timeout:   timeoutSeconds(timeout),
		StartTime: now,
		Command:   cmdline,
	}
	pd := &pending{id: id, frame: q.Encode(), start: now, timeout: timeout, deliver: deliver}
	c.pending[id] = pd
	c.log.Debug("Connector query", "id", id, "command", cmdline, "timeout", timeout)

	switch c.state {
	case stateRunning:
		if limit := c.opts.MaxChecksBeforeRestart; limit > 0 && c.sent >= limit {
			c.restartLocked("max_checks", c.proc)
		} else {
			c.writeLocked(pd)
		}
	case stateStopped:
		reason := "exited"
		if c.gen == 0 {
			reason = ""
		}
		c.restartLocked(reason, nil)
	}
	c.armSweepLocked()
	metrics.SetConnectorPending(c.name, len(c.pending))
	return id, nil
}

func timeoutSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	s := (d + time.Second - 1) / time.Second
	if s > 1<<32-1 {
		return 1<<32 - 1
	}
	return uint32(s)
}

func (c *Connector) writeLocked(pd *pending) {
	c.sent++
	if _, err := c.proc.Write(pd.frame); err != nil {
		// the exit notification restarts the helper and replays pd
		c.log.Warn("Failed to send query", "id", pd.id, "error", err)
	}
}

// restartLocked replaces the helper in the background. old, when set, is
// stopped gracefully first. An empty reason is a first start, not counted as
// a restart.
func (c *Connector) restartLocked(reason string, old *process.Process) {
	switch c.state {
	case stateStarting, stateRestarting, stateClosed:
		return
	}
	c.state = stateRestarting
	if reason != "" {
		c.restarts++
		metrics.IncConnectorRestart(c.name, reason)
		c.log.Info("Restarting connector", "reason", reason, "pending", len(c.pending))
	}
	metrics.SetConnectorUp(c.name, false)
	c.bg.Add(1)
	go c.restart(old)
}

func (c *Connector) restart(old *process.Process) {
	defer c.bg.Done()
	if old != nil {
		c.stop(old)
	}
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		c.failPending()
		return
	}
	gen, hs, p := c.beginStartLocked()
	c.mu.Unlock()
	if err := c.finishStart(context.Background(), gen, hs, p); err != nil {
		c.failPending()
	}
}

// stop asks p to quit and kills it if it does not comply in time.
func (c *Connector) stop(p *process.Process) {
	qc := make(chan struct{})
	c.mu.Lock()
	c.quitCh = qc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.quitCh == qc {
			c.quitCh = nil
		}
		c.mu.Unlock()
	}()

	exited := make(chan struct{})
	go func() {
		p.Wait()
		close(exited)
	}()

	quit := false
	if _, err := p.Write((&protocol.QuitQuery{}).Encode()); err == nil {
		t := time.NewTimer(c.opts.QuitTimeout)
		select {
		case <-qc:
			quit = true
		case <-exited:
		case <-t.C:
			c.log.Warn("Connector did not answer quit query", "timeout", c.opts.QuitTimeout)
		}
		t.Stop()
	}
	if quit {
		select {
		case <-exited:
			return
		case <-time.After(c.opts.QuitTimeout):
		}
	}
	select {
	case <-exited:
		return
	default:
	}
	_ = p.Kill()
	select {
	case <-exited:
	case <-time.After(c.opts.QuitTimeout):
		c.log.Error("Connector still running after kill", "pid", p.PID())
	}
}

// failPending resolves every outstanding request as not executed.
func (c *Connector) failPending() {
	c.mu.Lock()
	list := make([]*pending, 0, len(c.pending))
	for _, pd := range c.pending {
		list = append(list, pd)
	}
	clear(c.pending)
	if c.sweep != nil {
		c.sweep.Stop()
		c.sweep = nil
	}
	metrics.SetConnectorPending(c.name, 0)
	c.mu.Unlock()

	now := time.Now()
	msg := "(Failed to execute command with connector '" + c.name + "')"
	for _, pd := range list {
		pd.deliver(check.Result{
			CommandID: pd.id,
			StartTime: pd.start,
			EndTime:   now,
			ExitCode:  check.StateUnknown,
			Status:    check.StatusCrash,
			Stderr:    msg,
		})
	}
}

func (c *Connector) armSweepLocked() {
	if c.sweep != nil || len(c.pending) == 0 || c.state == stateClosed {
		return
	}
	c.sweep = time.AfterFunc(c.opts.SweepInterval, c.sweepTimeouts)
}

// sweepTimeouts resolves every request past its timeout. One timer serves
// all pending requests.
func (c *Connector) sweepTimeouts() {
	now := time.Now()
	c.mu.Lock()
	c.sweep = nil
	var expired []*pending
	for id, pd := range c.pending {
		if pd.timeout > 0 && now.Sub(pd.start) >= pd.timeout {
			expired = append(expired, pd)
			delete(c.pending, id)
		}
	}
	c.armSweepLocked()
	metrics.SetConnectorPending(c.name, len(c.pending))
	c.mu.Unlock()

	for _, pd := range expired {
		c.log.Debug("Connector query timed out", "id", pd.id)
		pd.deliver(timeoutResult(pd, now))
	}
}

func timeoutResult(pd *pending, now time.Time) check.Result {
	return check.Result{
		CommandID: pd.id,
		StartTime: pd.start,
		EndTime:   now,
		ExitCode:  check.StateCritical,
		Status:    check.StatusTimeout,
		Stderr:    timeoutMessage,
		TimedOut:  true,
		Executed:  true,
	}
}

// events adapts one helper generation to process.Listener.
type events struct {
	c   *Connector
	gen uint64
}

func (e *events) DataAvailable(p *process.Process) { e.c.onData(e.gen, p.Available()) }

func (e *events) DataAvailableErr(p *process.Process) {
	out := p.AvailableErr()
	if w := e.c.opts.Stderr; w != nil {
		_, _ = io.WriteString(w, out)
		return
	}
	e.c.log.Debug("Connector stderr", "output", out)
}

func (e *events) Finished(p *process.Process) { e.c.onExit(e.gen, p) }

func (c *Connector) onData(gen uint64, data string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	frames := c.dec.Feed([]byte(data))
	c.mu.Unlock()

	for _, f := range frames {
		req, err := c.builder.Build(f)
		if err != nil {
			c.log.Warn("Dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(gen, req)
	}
}

func (c *Connector) dispatch(gen uint64, req protocol.Request) {
	switch r := req.(type) {
	case *protocol.ExecuteResponse:
		c.resolve(r)
	case *protocol.VersionResponse:
		c.mu.Lock()
		if gen == c.gen && c.handshake != nil {
			c.handshake <- handshake{v: Version{Major: r.Major, Minor: r.Minor}}
			c.handshake = nil
		} else {
			c.log.Debug("Ignoring unsolicited version response")
		}
		c.mu.Unlock()
	case *protocol.QuitResponse:
		c.mu.Lock()
		if c.quitCh != nil {
			close(c.quitCh)
			c.quitCh = nil
		}
		c.mu.Unlock()
	case *protocol.ErrorResponse:
		level := slog.LevelInfo
		switch r.Code {
		case protocol.ErrorWarning:
			level = slog.LevelWarn
		case protocol.ErrorError:
			level = slog.LevelError
		}
		c.log.Log(context.Background(), level, "Connector message", "message", r.Message)
		if r.Code == protocol.ErrorError {
			c.mu.Lock()
			if gen == c.gen && c.state == stateRunning {
				c.restartLocked("error_response", c.proc)
			}
			c.mu.Unlock()
		}
	case *protocol.VersionQuery, *protocol.ExecuteQuery, *protocol.QuitQuery:
		c.log.Warn("Connector sent a query", "type", r.Tag().String())
	}
}

func (c *Connector) resolve(r *protocol.ExecuteResponse) {
	now := time.Now()
	c.mu.Lock()
	pd, ok := c.pending[r.CommandID]
	if ok {
		delete(c.pending, r.CommandID)
	}
	metrics.SetConnectorPending(c.name, len(c.pending))
	c.mu.Unlock()
	if !ok {
		c.log.Debug("Discarding response for unknown or expired command", "id", r.CommandID)
		return
	}

	if pd.timeout > 0 && now.Sub(pd.start) > pd.timeout {
		pd.deliver(timeoutResult(pd, now))
		return
	}
	res := check.Result{
		CommandID: pd.id,
		StartTime: pd.start,
		EndTime:   now,
		ExitCode:  check.ClampExitCode(r.ExitCode),
		Stdout:    r.Stdout,
		Stderr:    r.Stderr,
		Executed:  r.Executed,
	}
	if !r.Executed {
		res.Status = check.StatusCrash
		res.Stderr = "(" + r.Stderr + ")"
	}
	pd.deliver(res)
}

func (c *Connector) onExit(gen uint64, p *process.Process) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.dec.Reset()
	switch c.state {
	case stateStarting:
		if c.handshake != nil {
			c.handshake <- handshake{err: fmt.Errorf("exited during handshake (%s)", p.ExitStatus())}
			c.handshake = nil
		}
	case stateRunning:
		c.log.Warn("Connector exited", "pid", p.PID(), "status", p.ExitStatus().String(),
			"exit_code", p.ExitCode(), "pending", len(c.pending))
		c.state = stateStopped
		metrics.SetConnectorUp(c.name, false)
		if len(c.pending) > 0 {
			c.restartLocked("crash", nil)
		}
	}
}

// Info returns a snapshot of the connector.
func (c *Connector) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	in := Info{
		Name:        c.name,
		CommandLine: c.commandLine,
		State:       c.state.String(),
		Pending:     len(c.pending),
		Restarts:    c.restarts,
		Sent:        c.sent,
	}
	if c.state == stateRunning {
		in.Version = c.version.String()
		if c.proc != nil {
			in.PID = c.proc.PID()
		}
	}
	return in
}

// Close stops the helper and resolves the requests still pending as not
// executed. New checks are rejected with ErrClosed.
func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = stateClosed
	p := c.proc
	if c.sweep != nil {
		c.sweep.Stop()
		c.sweep = nil
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.bg.Wait()
		if p != nil && (prev == stateRunning || prev == stateStarting) {
			c.stop(p)
		}
		c.failPending()
		metrics.SetConnectorUp(c.name, false)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
