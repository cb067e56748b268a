//go:build unix

// Package raw runs checks as short-lived child processes, one per check.
package raw

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/checkengine/internal/check"
	"github.com/loykin/checkengine/internal/process"
)

var ErrClosed = errors.New("raw command closed")

const timeoutMessage = "(Process Timeout)"

// Option configures a Command.
type Option func(*Command)

// WithListener sets where results of Run are delivered.
func WithListener(l check.Listener) Option {
	return func(c *Command) { c.listener = l }
}

// WithEnv replaces the environment inherited by checks. Nil inherits.
func WithEnv(env []string) Option {
	return func(c *Command) { c.env = env }
}

// WithSetpgid runs each check in its own process group so a timeout kills
// the whole tree.
func WithSetpgid(v bool) Option {
	return func(c *Command) { c.setpgid = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Command) {
		if l != nil {
			c.log = l
		}
	}
}

// Command executes every check in a fresh child process.
type Command struct {
	name        string
	commandLine string
	mgr         *process.Manager
	ids         *check.IDGenerator
	listener    check.Listener
	env         []string
	setpgid     bool
	log         *slog.Logger

	mu      sync.Mutex
	running map[uint64]*process.Process
	closed  bool
	wg      sync.WaitGroup
}

var _ check.Command = (*Command)(nil)

// New returns a Command. commandLine is the unexpanded definition, kept for
// reference; Run receives the expanded line.
func New(name, commandLine string, mgr *process.Manager, ids *check.IDGenerator, opts ...Option) *Command {
	c := &Command{
		name:        name,
		commandLine: commandLine,
		mgr:         mgr,
		ids:         ids,
		log:         slog.Default(),
		running:     make(map[uint64]*process.Process),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Command) Name() string        { return c.name }
func (c *Command) CommandLine() string { return c.commandLine }

// Run starts cmdline and returns its command id. The result goes to the
// listener; a child that cannot be spawned still produces one.
func (c *Command) Run(cmdline string, timeout time.Duration) (uint64, error) {
	id := c.ids.Next()
	err := c.start(id, cmdline, timeout, func(r check.Result) {
		if c.listener != nil {
			c.listener.Finished(r)
		}
	}, true)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RunSync runs cmdline and waits for its result. Cancelling ctx kills the
// child.
func (c *Command) RunSync(ctx context.Context, cmdline string, timeout time.Duration) (check.Result, error) {
	id := c.ids.Next()
	ch := make(chan check.Result, 1)
	if err := c.start(id, cmdline, timeout, func(r check.Result) { ch <- r }, false); err != nil {
		return check.Result{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		c.mu.Lock()
		p := c.running[id]
		c.mu.Unlock()
		if p != nil {
			_ = p.Kill()
		}
		return check.Result{}, ctx.Err()
	}
}

func (c *Command) start(id uint64, cmdline string, timeout time.Duration, deliver func(check.Result), async bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	p := process.New(c.mgr, process.ListenerFuncs{
		OnFinished: func(p *process.Process) {
			r := resultOf(id, p)
			c.mu.Lock()
			delete(c.running, id)
			c.mu.Unlock()
			c.log.Debug("Raw command finished", "name", c.name, "id", id,
				"exit_code", r.ExitCode, "status", r.Status.String())
			deliver(r)
			c.wg.Done()
		},
	}, process.WithStreams(false, true, true), process.WithSetpgid(c.setpgid))

	// registered before Exec so a fast child cannot finish unseen
	c.mu.Lock()
	c.running[id] = p
	c.mu.Unlock()

	c.log.Debug("Raw command starting", "name", c.name, "id", id, "command", cmdline)
	start := time.Now()
	if err := p.Exec(cmdline, c.env, timeout); err != nil {
		c.mu.Lock()
		delete(c.running, id)
		c.mu.Unlock()
		c.log.Warn("Raw command failed to start", "name", c.name, "id", id, "error", err)
		r := check.Result{
			CommandID: id,
			StartTime: start,
			EndTime:   time.Now(),
			ExitCode:  check.StateCritical,
			Status:    check.StatusCrash,
			Stderr:    "(" + err.Error() + ")",
		}
		if async {
			go func() {
				deliver(r)
				c.wg.Done()
			}()
		} else {
			deliver(r)
			c.wg.Done()
		}
	}
	return nil
}

func resultOf(id uint64, p *process.Process) check.Result {
	r := check.Result{
		CommandID: id,
		StartTime: p.StartTime(),
		EndTime:   p.EndTime(),
	}
	switch p.ExitStatus() {
	case process.ExitTimeout:
		r.ExitCode = check.StateCritical
		r.Status = check.StatusTimeout
		r.Stderr = timeoutMessage
		r.TimedOut = true
		r.Executed = true
	case process.ExitCrash:
		// started, then killed by a signal
		r.ExitCode = check.StateCritical
		r.Status = check.StatusCrash
		r.Stdout = p.Read()
		r.Stderr = p.ReadErr()
		r.Executed = true
	default:
		r.ExitCode = check.ClampExitCode(p.ExitCode())
		r.Status = check.StatusNormal
		r.Stdout = p.Read()
		r.Stderr = p.ReadErr()
		r.Executed = true
	}
	return r
}

// Running returns the number of checks in flight.
func (c *Command) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// Close rejects new checks, kills the running ones and waits until their
// results are delivered or ctx is done.
func (c *Command) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	procs := make([]*process.Process, 0, len(c.running))
	for _, p := range c.running {
		procs = append(procs, p)
	}
	c.mu.Unlock()
	for _, p := range procs {
		_ = p.Kill()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
