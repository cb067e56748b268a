package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a connector process.
type Usage struct {
	Name       string    `json:"name"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig configures connector resource sampling.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ring keeps the last samples of one connector. Once full the oldest entry
// is overwritten.
type ring struct {
	pid     int32
	samples []Usage
	start   int
	count   int
}

func (r *ring) add(u Usage) {
	if r.count < len(r.samples) {
		r.samples[r.count] = u
		r.count++
		return
	}
	r.samples[r.start] = u
	r.start = (r.start + 1) % len(r.samples)
}

func (r *ring) latest() Usage {
	if r.count < len(r.samples) {
		return r.samples[r.count-1]
	}
	return r.samples[(r.start-1+len(r.samples))%len(r.samples)]
}

func (r *ring) ordered() []Usage {
	out := make([]Usage, r.count)
	if r.count < len(r.samples) {
		copy(out, r.samples[:r.count])
		return out
	}
	n := copy(out, r.samples[r.start:])
	copy(out[n:], r.samples[:r.start])
	return out
}

// ResourceCollector samples CPU, memory, thread and fd usage of connector
// processes and exports the latest values as gauges.
type ResourceCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history map[string]*ring
	procs   map[int32]*process.Process

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu     *prometheus.GaugeVec
	memory  *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 60
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "checkengine",
			Subsystem: "connector",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		history:    make(map[string]*ring),
		procs:      make(map[int32]*process.Process),
		stopCh:     make(chan struct{}),
		cpu:        gauge("cpu_percent", "CPU usage percentage of connector processes."),
		memory:     gauge("memory_rss_bytes", "Resident memory of connector processes."),
		threads:    gauge("threads", "Number of threads of connector processes."),
		fds:        gauge("open_fds", "Number of open file descriptors of connector processes (Unix only)."),
	}
}

// Register registers the resource gauges with r.
func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpu, c.memory, c.threads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.fds)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the processes returned by pids (connector name to pid) every
// interval until ctx ends or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.Collect(pids())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every running process in pids and forgets
// connectors that are gone.
func (c *ResourceCollector) Collect(pids map[string]int32) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := c.sample(name, pid, now)
		if err != nil {
			slog.Debug("Failed to sample connector", "name", name, "pid", pid, "error", err)
			continue
		}
		h, ok := c.history[name]
		if !ok || h.pid != pid {
			// A restarted connector starts a fresh series.
			if ok {
				delete(c.procs, h.pid)
			}
			h = &ring{pid: pid, samples: make([]Usage, c.maxHistory)}
			c.history[name] = h
		}
		h.add(u)
		c.cpu.WithLabelValues(name).Set(u.CPUPercent)
		c.memory.WithLabelValues(name).Set(float64(u.MemoryRSS))
		c.threads.WithLabelValues(name).Set(float64(u.NumThreads))
		if runtime.GOOS != "windows" {
			c.fds.WithLabelValues(name).Set(float64(u.NumFDs))
		}
	}
	for name, h := range c.history {
		if pid, ok := pids[name]; ok && pid == h.pid {
			continue
		}
		delete(c.history, name)
		delete(c.procs, h.pid)
		c.cpu.DeleteLabelValues(name)
		c.memory.DeleteLabelValues(name)
		c.threads.DeleteLabelValues(name)
		c.fds.DeleteLabelValues(name)
	}
}

func (c *ResourceCollector) sample(name string, pid int32, now time.Time) (Usage, error) {
	// The handle is cached so CPUPercent measures against the previous call.
	p, ok := c.procs[pid]
	if !ok {
		var err error
		if p, err = process.NewProcess(pid); err != nil {
			return Usage{}, fmt.Errorf("process handle: %w", err)
		}
		c.procs[pid] = p
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		delete(c.procs, pid)
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	u := Usage{Name: name, PID: pid, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS, Timestamp: now}
	if u.CPUPercent, err = p.CPUPercent(); err != nil {
		slog.Debug("Failed to get CPU percent", "name", name, "pid", pid, "error", err)
	}
	if u.NumThreads, err = p.NumThreads(); err != nil {
		slog.Debug("Failed to get thread count", "name", name, "pid", pid, "error", err)
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// Latest returns the most recent sample of the named connector.
func (c *ResourceCollector) Latest(name string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.history[name]
	if !ok || h.count == 0 {
		return Usage{}, false
	}
	return h.latest(), true
}

// History returns the kept samples of the named connector, oldest first.
func (c *ResourceCollector) History(name string) ([]Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.history[name]
	if !ok || h.count == 0 {
		return nil, false
	}
	return h.ordered(), true
}

// All returns the latest sample of every sampled connector, by name.
func (c *ResourceCollector) All() []Usage {
	c.mu.RLock()
	out := make([]Usage, 0, len(c.history))
	for _, h := range c.history {
		if h.count > 0 {
			out = append(out, h.latest())
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *ResourceCollector) Enabled() bool { return c.enabled }
