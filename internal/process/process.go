//go:build unix

// Package process supervises short and long lived child processes. A Process
// owns the pipes of one child; a Manager owns the single poll loop that moves
// data out of those pipes, reaps children and enforces timeouts.
package process

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/checkengine/internal/cmdline"
	"github.com/loykin/checkengine/internal/sysio"
)

var (
	ErrSpawnFailed    = errors.New("spawn failed")
	ErrAlreadyRunning = errors.New("process already running")
	ErrStreamClosed   = errors.New("stream closed")
)

// State is the lifecycle state of a Process.
type State int32

const (
	StateNotRunning State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateNotRunning:
		return "not_running"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stream identifies one of the standard streams of the child.
type Stream int

const (
	Stdin Stream = iota
	Stdout
	Stderr
	// deadman is the read end of the pipe whose write end the child inherits
	// as fd 3. It hangs up once the child and all its descendants are gone.
	deadman
)

func (s Stream) String() string {
	switch s {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "deadman"
	}
}

// ExitStatus tells how the child ended.
type ExitStatus int

const (
	ExitNormal ExitStatus = iota
	ExitCrash
	ExitTimeout
)

func (s ExitStatus) String() string {
	switch s {
	case ExitNormal:
		return "normal"
	case ExitCrash:
		return "crash"
	default:
		return "timeout"
	}
}

// Listener receives process events. Callbacks run on the Manager goroutine
// without any Process lock held; they must not block for long.
type Listener interface {
	DataAvailable(p *Process)
	DataAvailableErr(p *Process)
	Finished(p *Process)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnStdout   func(p *Process)
	OnStderr   func(p *Process)
	OnFinished func(p *Process)
}

func (l ListenerFuncs) DataAvailable(p *Process) {
	if l.OnStdout != nil {
		l.OnStdout(p)
	}
}

func (l ListenerFuncs) DataAvailableErr(p *Process) {
	if l.OnStderr != nil {
		l.OnStderr(p)
	}
}

func (l ListenerFuncs) Finished(p *Process) {
	if l.OnFinished != nil {
		l.OnFinished(p)
	}
}

// Option configures a Process.
type Option func(*Process)

// WithStreams selects which standard streams are piped to the parent.
// Disabled streams are connected to /dev/null.
func WithStreams(stdin, stdout, stderr bool) Option {
	return func(p *Process) {
		p.enabled = [3]bool{stdin, stdout, stderr}
	}
}

// WithSetpgid places the child in its own process group so Kill and
// Terminate reach its descendants too.
func WithSetpgid(v bool) Option {
	return func(p *Process) { p.setpgid = v }
}

// maxDrain bounds how much one readiness event reads from a stream.
const maxDrain = 64 << 10

// Process supervises one child at a time. It can be reused once it is back in
// StateNotRunning.
type Process struct {
	mgr      *Manager
	listener Listener
	enabled  [3]bool
	setpgid  bool

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	seq      uint64 // bumped on every Exec
	pid      int
	fds      [4]int
	ents     [4]*entry
	reaped   bool
	lost     bool
	status   unix.WaitStatus
	timedOut bool
	out      bytes.Buffer
	errOut   bytes.Buffer
	in       []byte
	inClose  bool
	start    time.Time
	end      time.Time
	deadline time.Time
	done     chan struct{}
	rbuf     []byte
}

// New returns an idle Process registered on mgr when it runs. listener may be
// nil.
func New(mgr *Manager, listener Listener, opts ...Option) *Process {
	p := &Process{
		mgr:      mgr,
		listener: listener,
		enabled:  [3]bool{true, true, true},
		fds:      [4]int{-1, -1, -1, -1},
		done:     make(chan struct{}),
	}
	close(p.done)
	p.cond = sync.NewCond(&p.mu)
	for _, o := range opts {
		o(p)
	}
	return p
}

// Exec starts cmd, a command line split with shell-like quoting. A nil env
// inherits the parent environment. A zero timeout means no limit.
func (p *Process) Exec(cmd string, env []string, timeout time.Duration) error {
	return p.ExecIn("", cmd, env, timeout)
}

// ExecIn is Exec with the child's working directory set to dir.
func (p *Process) ExecIn(dir, cmd string, env []string, timeout time.Duration) error {
	p.mu.Lock()
	if p.state != StateNotRunning {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.state = StateStarting
	p.seq++
	p.pid = 0
	p.reaped = false
	p.lost = false
	p.status = 0
	p.timedOut = false
	p.out.Reset()
	p.errOut.Reset()
	p.in = nil
	p.inClose = false
	p.start = time.Now()
	p.end = time.Time{}
	p.deadline = time.Time{}
	if timeout > 0 {
		p.deadline = p.start.Add(timeout)
	}
	p.done = make(chan struct{})
	p.mu.Unlock()

	pid, fds, err := p.spawn(dir, cmd, env)
	if err != nil {
		p.mu.Lock()
		p.state = StateNotRunning
		p.end = time.Now()
		close(p.done)
		p.cond.Broadcast()
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	p.pid = pid
	p.fds = fds
	p.state = StateRunning
	var ents [4]*entry
	for i, fd := range fds {
		if fd < 0 {
			continue
		}
		// stdin is only polled while there is something to flush
		if Stream(i) == Stdin {
			ents[i] = &entry{fd: fd, p: p, kind: Stdin}
			continue
		}
		ents[i] = &entry{fd: fd, p: p, kind: Stream(i), events: unix.POLLIN}
	}
	p.ents = ents
	deadline := p.deadline
	seq := p.seq
	p.cond.Broadcast()
	p.mu.Unlock()

	if err := p.mgr.add(p, pid, ents, deadline, seq); err != nil {
		_ = sysio.Kill(pid, unix.SIGKILL)
		p.abandon()
		return fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	return nil
}

// spawn forks and execs the child with its streams mapped through the fd
// table handed to ForkExec. The parent's own stdio is never touched.
func (p *Process) spawn(dir, cmd string, env []string) (int, [4]int, error) {
	parent := [4]int{-1, -1, -1, -1}
	child := [4]int{-1, -1, -1, -1}
	cleanup := func() {
		for i := range parent {
			_ = sysio.Close(parent[i])
			_ = sysio.Close(child[i])
		}
	}

	args, err := cmdline.Split(cmd)
	if err != nil {
		return 0, parent, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	path, err := lookPath(args[0], env)
	if err != nil {
		return 0, parent, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	for i := Stdin; i <= deadman; i++ {
		if i != deadman && !p.enabled[i] {
			mode := unix.O_WRONLY
			if i == Stdin {
				mode = unix.O_RDONLY
			}
			fd, err := sysio.OpenDevNull(mode)
			if err != nil {
				cleanup()
				return 0, parent, fmt.Errorf("%w: open /dev/null: %w", ErrSpawnFailed, err)
			}
			child[i] = fd
			continue
		}
		r, w, err := sysio.Pipe()
		if err != nil {
			cleanup()
			return 0, parent, fmt.Errorf("%w: pipe: %w", ErrSpawnFailed, err)
		}
		if i == Stdin {
			child[i], parent[i] = r, w
		} else {
			parent[i], child[i] = r, w
		}
		if err := sysio.SetNonblock(parent[i]); err != nil {
			cleanup()
			return 0, parent, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
		}
	}

	if env == nil {
		env = syscall.Environ()
	}
	attr := &syscall.ProcAttr{
		Dir:   dir,
		Env:   env,
		Files: []uintptr{uintptr(child[0]), uintptr(child[1]), uintptr(child[2]), uintptr(child[3])},
		Sys:   &syscall.SysProcAttr{Setpgid: p.setpgid},
	}
	pid, err := syscall.ForkExec(path, args, attr)
	for i := range child {
		_ = sysio.Close(child[i])
		child[i] = -1
	}
	if err != nil {
		cleanup()
		return 0, parent, fmt.Errorf("%w: %s: %w", ErrSpawnFailed, args[0], err)
	}
	return pid, parent, nil
}

// abandon tears down a child that could not be registered.
func (p *Process) abandon() {
	p.mu.Lock()
	pid := p.pid
	for i := range p.fds {
		_ = sysio.Close(p.fds[i])
		p.fds[i] = -1
		p.ents[i] = nil
	}
	if pid > 0 && !p.reaped {
		if ws, err := sysio.WaitBlocking(pid); err == nil {
			p.status = ws
		}
		p.reaped = true
	}
	p.end = time.Now()
	p.state = StateNotRunning
	close(p.done)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Kill sends SIGKILL to the child. It is a no-op without a running child.
func (p *Process) Kill() error { return p.signal(unix.SIGKILL) }

// Terminate sends SIGTERM to the child. It is a no-op without a running child.
func (p *Process) Terminate() error { return p.signal(unix.SIGTERM) }

func (p *Process) signal(sig unix.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signalLocked(sig)
}

func (p *Process) signalLocked(sig unix.Signal) error {
	if p.pid <= 0 || p.reaped {
		return nil
	}
	target := p.pid
	if p.setpgid {
		target = -p.pid
	}
	return sysio.Kill(target, sig)
}

// expire kills the child started by Exec number seq for exceeding its timeout.
// It reports whether a signal was sent.
func (p *Process) expire(seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seq != seq || p.state != StateRunning || p.reaped {
		return false
	}
	p.timedOut = true
	return p.signalLocked(unix.SIGKILL) == nil
}

// Wait blocks until the current run has finished.
func (p *Process) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	<-done
}

// WaitTimeout is Wait bounded by d. It reports whether the run finished.
func (p *Process) WaitTimeout(d time.Duration) bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// WaitStarted blocks while the process is starting.
func (p *Process) WaitStarted() {
	p.mu.Lock()
	for p.state == StateStarting {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// Read blocks until stdout has data or is closed, then returns and clears
// what was buffered.
func (p *Process) Read() string { return p.read(Stdout, &p.out) }

// ReadErr is Read for stderr.
func (p *Process) ReadErr() string { return p.read(Stderr, &p.errOut) }

// Available returns and clears buffered stdout without blocking.
func (p *Process) Available() string { return p.take(&p.out) }

// AvailableErr returns and clears buffered stderr without blocking.
func (p *Process) AvailableErr() string { return p.take(&p.errOut) }

func (p *Process) take(b *bytes.Buffer) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := b.String()
	b.Reset()
	return v
}

func (p *Process) read(s Stream, b *bytes.Buffer) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for b.Len() == 0 && p.fds[s] >= 0 {
		p.cond.Wait()
	}
	v := b.String()
	b.Reset()
	return v
}

// Write queues data for the child's stdin. It never blocks: what the pipe
// cannot take now is flushed by the Manager.
func (p *Process) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := p.fds[Stdin]
	if fd < 0 || p.inClose {
		return 0, ErrStreamClosed
	}
	total := len(data)
	if len(p.in) == 0 {
		n, err := sysio.Write(fd, data)
		switch {
		case err == nil:
			data = data[n:]
		case errors.Is(err, unix.EAGAIN):
		default:
			p.closeStreamLocked(Stdin)
			return 0, fmt.Errorf("write stdin: %w", err)
		}
		if len(data) == 0 {
			return total, nil
		}
		p.mgr.watchWrite(p.ents[Stdin], true)
	}
	p.in = append(p.in, data...)
	return total, nil
}

// CloseStdin closes the child's stdin once queued data has been flushed.
func (p *Process) CloseStdin() {
	p.mu.Lock()
	if p.fds[Stdin] < 0 {
		p.mu.Unlock()
		return
	}
	if len(p.in) > 0 {
		p.inClose = true
		p.mu.Unlock()
		return
	}
	p.closeStreamLocked(Stdin)
	p.mu.Unlock()
	p.checkFinished()
}

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PID returns the pid of the last child, 0 if none was started.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Process) StartTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.start
}

func (p *Process) EndTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.end
}

// ExitCode returns the child's exit code, or 0 if it did not exit normally.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaped && !p.lost && p.status.Exited() {
		return p.status.ExitStatus()
	}
	return 0
}

// ExitStatus classifies how the child ended.
func (p *Process) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.timedOut:
		return ExitTimeout
	case p.reaped && !p.lost && p.status.Exited():
		return ExitNormal
	default:
		return ExitCrash
	}
}

// handle processes a readiness event for e. It runs on the Manager goroutine.
func (p *Process) handle(e *entry, revents int16) {
	switch e.kind {
	case Stdout, Stderr:
		p.drain(e)
	case Stdin:
		p.flush(e, revents)
	case deadman:
		p.hangup(e)
	}
}

func (p *Process) drain(e *entry) {
	p.mu.Lock()
	if p.ents[e.kind] != e {
		p.mu.Unlock()
		return
	}
	if p.rbuf == nil {
		p.rbuf = make([]byte, 4096)
	}
	b := &p.out
	if e.kind == Stderr {
		b = &p.errOut
	}
	var got, closed bool
	for total := 0; total < maxDrain; {
		n, err := sysio.Read(e.fd, p.rbuf)
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		if err != nil || n == 0 {
			p.closeStreamLocked(e.kind)
			closed = true
			break
		}
		b.Write(p.rbuf[:n])
		got = true
		total += n
	}
	if got || closed {
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	if got && p.listener != nil {
		if e.kind == Stdout {
			p.listener.DataAvailable(p)
		} else {
			p.listener.DataAvailableErr(p)
		}
	}
	if closed {
		p.checkFinished()
	}
}

func (p *Process) flush(e *entry, revents int16) {
	p.mu.Lock()
	if p.ents[Stdin] != e {
		p.mu.Unlock()
		return
	}
	closed := false
	for len(p.in) > 0 {
		n, err := sysio.Write(e.fd, p.in)
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		if err != nil {
			p.closeStreamLocked(Stdin)
			closed = true
			break
		}
		p.in = p.in[n:]
	}
	if !closed && len(p.in) == 0 {
		p.in = nil
		if p.inClose {
			p.closeStreamLocked(Stdin)
			closed = true
		} else {
			p.mgr.watchWrite(e, false)
		}
	}
	if !closed && revents&(unix.POLLERR|unix.POLLHUP) != 0 {
		p.closeStreamLocked(Stdin)
		closed = true
	}
	p.mu.Unlock()
	if closed {
		p.checkFinished()
	}
}

func (p *Process) hangup(e *entry) {
	p.mu.Lock()
	if p.ents[deadman] != e {
		p.mu.Unlock()
		return
	}
	var buf [64]byte
	for {
		n, err := sysio.Read(e.fd, buf[:])
		if errors.Is(err, unix.EAGAIN) {
			p.mu.Unlock()
			return
		}
		if err != nil || n == 0 {
			break
		}
	}
	p.closeStreamLocked(deadman)
	p.mu.Unlock()
	if !p.reap() {
		p.mgr.wantReap(p)
	}
}

// reap collects the child's exit status without blocking. It reports false
// while the child is still running.
func (p *Process) reap() bool {
	p.mu.Lock()
	if p.reaped || p.pid <= 0 {
		p.mu.Unlock()
		return true
	}
	wpid, ws, err := sysio.Wait4(p.pid)
	if err == nil && wpid == 0 {
		p.mu.Unlock()
		return false
	}
	if err != nil {
		p.lost = true
	} else {
		p.status = ws
	}
	p.reaped = true
	p.end = time.Now()
	if p.fds[Stdin] >= 0 {
		p.in = nil
		p.closeStreamLocked(Stdin)
	}
	p.cond.Broadcast()
	pid := p.pid
	p.mu.Unlock()

	p.mgr.untrack(pid)
	p.checkFinished()
	return true
}

func (p *Process) closeStreamLocked(s Stream) {
	if e := p.ents[s]; e != nil {
		p.mgr.remove(e)
		p.ents[s] = nil
	}
	_ = sysio.Close(p.fds[s])
	p.fds[s] = -1
}

// checkFinished moves a run to StateNotRunning once every stream is closed
// and the child is reaped, then notifies the listener exactly once.
func (p *Process) checkFinished() {
	p.mu.Lock()
	if p.state != StateRunning || !p.reaped {
		p.mu.Unlock()
		return
	}
	for _, fd := range p.fds {
		if fd >= 0 {
			p.mu.Unlock()
			return
		}
	}
	p.state = StateNotRunning
	done := p.done
	p.cond.Broadcast()
	p.mu.Unlock()

	// Waiters are released after the listener so they observe its effects.
	if p.listener != nil {
		p.listener.Finished(p)
	}
	close(done)
}

// shutdown force-finishes a run when the Manager closes.
func (p *Process) shutdown() {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	_ = p.signalLocked(unix.SIGKILL)
	for s := Stdin; s <= deadman; s++ {
		if s == Stdout || s == Stderr {
			p.drainRemainingLocked(s)
		}
		p.ents[s] = nil
		_ = sysio.Close(p.fds[s])
		p.fds[s] = -1
	}
	if !p.reaped && p.pid > 0 {
		ws, err := sysio.WaitBlocking(p.pid)
		if err != nil {
			p.lost = true
		} else {
			p.status = ws
		}
		p.reaped = true
		p.end = time.Now()
	}
	p.mu.Unlock()
	p.checkFinished()
}

func (p *Process) drainRemainingLocked(s Stream) {
	fd := p.fds[s]
	if fd < 0 {
		return
	}
	b := &p.out
	if s == Stderr {
		b = &p.errOut
	}
	var buf [4096]byte
	for {
		n, err := sysio.Read(fd, buf[:])
		if err != nil || n <= 0 {
			return
		}
		b.Write(buf[:n])
	}
}
