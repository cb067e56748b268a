//go:build unix

package process

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/checkengine/internal/sysio"
)

var ErrManagerClosed = errors.New("process manager closed")

const (
	defaultPollInterval  = 200 * time.Millisecond
	defaultSweepInterval = time.Second
)

// entry is one polled descriptor.
type entry struct {
	fd     int
	p      *Process
	kind   Stream
	events int16
}

type deadlineItem struct {
	at  time.Time
	p   *Process
	seq uint64
}

type deadlineHeap []deadlineItem

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadlineItem)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = deadlineItem{}
	*h = old[:n-1]
	return it
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithPollInterval bounds how long one poll call may block.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithSweepInterval sets how often every tracked child is checked for exit,
// which catches children whose dead-man pipe is held open by a descendant.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// Manager runs the poll loop shared by all processes started on it. All
// registration calls are non-blocking; the loop picks up changes through a
// self-pipe wake up.
type Manager struct {
	log           *slog.Logger
	pollInterval  time.Duration
	sweepInterval time.Duration

	mu       sync.Mutex
	fds      map[int]*entry
	procs    map[int]*Process
	reapQ    map[*Process]struct{}
	timeouts deadlineHeap
	dirty    bool
	closed   bool

	wakeR int
	wakeW int
	done  chan struct{}
}

// NewManager starts a Manager. Close must be called to stop it.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	r, w, err := sysio.Pipe()
	if err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	if err := sysio.SetNonblock(r); err != nil {
		_ = sysio.Close(r)
		_ = sysio.Close(w)
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	if err := sysio.SetNonblock(w); err != nil {
		_ = sysio.Close(r)
		_ = sysio.Close(w)
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	m := &Manager{
		log:           slog.Default(),
		pollInterval:  defaultPollInterval,
		sweepInterval: defaultSweepInterval,
		fds:           make(map[int]*entry),
		procs:         make(map[int]*Process),
		reapQ:         make(map[*Process]struct{}),
		dirty:         true,
		wakeR:         r,
		wakeW:         w,
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.loop()
	return m, nil
}

// Tracked returns the number of children not reaped yet.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// Close kills every child still running, stops the loop and reaps what is
// left. Processes still running get their Finished notification.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.closed = true
	m.wakeLocked()
	m.mu.Unlock()
	<-m.done

	m.mu.Lock()
	set := make(map[*Process]struct{}, len(m.procs))
	for _, p := range m.procs {
		set[p] = struct{}{}
	}
	for _, e := range m.fds {
		set[e.p] = struct{}{}
	}
	m.fds = make(map[int]*entry)
	m.procs = make(map[int]*Process)
	m.reapQ = make(map[*Process]struct{})
	m.timeouts = nil
	m.mu.Unlock()

	for p := range set {
		p.shutdown()
	}
	m.mu.Lock()
	_ = sysio.Close(m.wakeR)
	_ = sysio.Close(m.wakeW)
	m.wakeR, m.wakeW = -1, -1
	m.mu.Unlock()
	return nil
}

func (m *Manager) add(p *Process, pid int, ents [4]*entry, deadline time.Time, seq uint64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	for _, e := range ents {
		if e != nil {
			m.fds[e.fd] = e
		}
	}
	m.procs[pid] = p
	if !deadline.IsZero() {
		heap.Push(&m.timeouts, deadlineItem{at: deadline, p: p, seq: seq})
	}
	m.dirty = true
	m.wakeLocked()
	m.mu.Unlock()
	return nil
}

// remove unregisters e. It must be called before e.fd is closed.
func (m *Manager) remove(e *entry) {
	m.mu.Lock()
	if m.fds[e.fd] == e {
		delete(m.fds, e.fd)
		m.dirty = true
		m.wakeLocked()
	}
	m.mu.Unlock()
}

func (m *Manager) watchWrite(e *entry, on bool) {
	if e == nil {
		return
	}
	var ev int16
	if on {
		ev = unix.POLLOUT
	}
	m.mu.Lock()
	if m.fds[e.fd] != e || e.events == ev {
		m.mu.Unlock()
		return
	}
	e.events = ev
	m.dirty = true
	m.wakeLocked()
	m.mu.Unlock()
}

func (m *Manager) wantReap(p *Process) {
	m.mu.Lock()
	if !m.closed {
		m.reapQ[p] = struct{}{}
	}
	m.mu.Unlock()
}

func (m *Manager) untrack(pid int) {
	m.mu.Lock()
	if p, ok := m.procs[pid]; ok {
		delete(m.reapQ, p)
		delete(m.procs, pid)
	}
	m.mu.Unlock()
}

// wakeLocked interrupts the current poll. The pipe is non-blocking, so a
// full pipe just means a wake up is already pending.
func (m *Manager) wakeLocked() {
	if m.wakeW >= 0 {
		_, _ = sysio.Write(m.wakeW, []byte{1})
	}
}

func (m *Manager) drainWake() {
	var buf [64]byte
	for {
		n, err := sysio.Read(m.wakeR, buf[:])
		if err != nil || n <= 0 {
			return
		}
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	var (
		pfds []unix.PollFd
		ents []*entry
	)
	lastSweep := time.Now()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if m.dirty {
			pfds, ents = m.pollSetLocked(pfds[:0], ents[:0])
			m.dirty = false
		}
		m.mu.Unlock()

		n, err := sysio.Poll(pfds, m.pollInterval)
		if err != nil {
			m.log.Error("Poll failed", "fds", len(pfds), "error", err)
			time.Sleep(m.pollInterval)
		}
		if n > 0 {
			if pfds[0].Revents != 0 {
				m.drainWake()
			}
			for i := 1; i < len(pfds); i++ {
				rev := pfds[i].Revents
				if rev == 0 || rev&unix.POLLNVAL != 0 {
					continue
				}
				ents[i].p.handle(ents[i], rev)
			}
		}

		now := time.Now()
		sweep := now.Sub(lastSweep) >= m.sweepInterval
		if sweep {
			lastSweep = now
		}
		m.reapPending(sweep)
		m.expire(now)
	}
}

// pollSetLocked rebuilds the poll set. Slot 0 is the wake pipe.
func (m *Manager) pollSetLocked(pfds []unix.PollFd, ents []*entry) ([]unix.PollFd, []*entry) {
	pfds = append(pfds, unix.PollFd{Fd: int32(m.wakeR), Events: unix.POLLIN})
	ents = append(ents, nil)
	for fd, e := range m.fds {
		if e.events == 0 {
			continue
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: e.events})
		ents = append(ents, e)
	}
	return pfds, ents
}

func (m *Manager) reapPending(sweep bool) {
	m.mu.Lock()
	if len(m.reapQ) == 0 && !sweep {
		m.mu.Unlock()
		return
	}
	var list []*Process
	if sweep {
		list = make([]*Process, 0, len(m.procs))
		for _, p := range m.procs {
			list = append(list, p)
		}
	} else {
		list = make([]*Process, 0, len(m.reapQ))
		for p := range m.reapQ {
			list = append(list, p)
		}
	}
	m.mu.Unlock()

	for _, p := range list {
		if p.reap() {
			m.mu.Lock()
			delete(m.reapQ, p)
			m.mu.Unlock()
		}
	}
}

func (m *Manager) expire(now time.Time) {
	m.mu.Lock()
	var due []deadlineItem
	for len(m.timeouts) > 0 && !m.timeouts[0].at.After(now) {
		due = append(due, heap.Pop(&m.timeouts).(deadlineItem))
	}
	m.mu.Unlock()

	for _, it := range due {
		if it.p.expire(it.seq) {
			m.log.Debug("Killed process after timeout", "pid", it.p.PID())
		}
	}
}
