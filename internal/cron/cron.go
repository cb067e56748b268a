// Package cron runs registered check commands on a fixed period.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/checkengine/internal/check"
)

// Runner executes a registered command and waits for its result.
type Runner interface {
	Run(ctx context.Context, name string, args []string, timeout time.Duration) (check.Result, error)
}

// Job defines a periodic check.
// Schedule supports only the form "@every <duration>" (e.g., "@every 30s").
// A tick is skipped while the previous run of the same job is still active
// unless AllowOverlap is set.
//
// Name must be unique across jobs inside the same Scheduler.
type Job struct {
	Name         string
	Command      string
	Args         []string
	Schedule     string
	Timeout      time.Duration // zero uses the command's own
	AllowOverlap bool

	period  time.Duration
	running atomic.Int32
	runs    atomic.Int64
	skipped atomic.Int64
}

// Stats reports how often a job ran and how many ticks it skipped.
type Stats struct {
	Name    string `json:"name"`
	Runs    int64  `json:"runs"`
	Skipped int64  `json:"skipped"`
}

// ParseEvery parses schedules of the form "@every <duration>".
func ParseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Command == "" {
		return fmt.Errorf("cron job %s requires a command", j.Name)
	}
	if j.Timeout < 0 {
		return fmt.Errorf("cron job %s has a negative timeout", j.Name)
	}
	d, err := ParseEvery(j.Schedule)
	if err != nil {
		return fmt.Errorf("cron job %s: %w", j.Name, err)
	}
	j.period = d
	return nil
}

// Scheduler runs jobs through a shared Runner.
// Use Start to launch the background tickers, and Stop to cancel them.
type Scheduler struct {
	run Runner
	log *slog.Logger

	mu     sync.Mutex
	jobs   []*Job
	names  map[string]bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(r Runner, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{run: r, log: log, names: make(map[string]bool)}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	if s.names[job.Name] {
		return fmt.Errorf("duplicate cron job %s", job.Name)
	}
	s.names[job.Name] = true
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches all job loops. They end when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, j)
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j *Job) {
	defer s.wg.Done()
	t := time.NewTicker(j.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !j.AllowOverlap && !j.running.CompareAndSwap(0, 1) {
				j.skipped.Add(1)
				s.log.Debug("Cron tick skipped, previous run active", "job", j.Name)
				continue
			}
			if j.AllowOverlap {
				j.running.Add(1)
			}
			// The check runs beside the ticker so a long check cannot delay it.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer j.running.Add(-1)
				j.runs.Add(1)
				r, err := s.run.Run(ctx, j.Command, j.Args, j.Timeout)
				if err != nil {
					if ctx.Err() == nil {
						s.log.Warn("Cron check failed", "job", j.Name, "command", j.Command, "error", err)
					}
					return
				}
				s.log.Debug("Cron check finished", "job", j.Name, "state", r.State(), "duration", r.Duration())
			}()
		}
	}
}

// Stop cancels all jobs and waits for running checks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Stats returns per-job counters in registration order.
func (s *Scheduler) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Stats{Name: j.Name, Runs: j.runs.Load(), Skipped: j.skipped.Load()})
	}
	return out
}
