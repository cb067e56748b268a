package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRecorderClosed is returned by Record after Close.
var ErrRecorderClosed = errors.New("history recorder closed")

const (
	defaultQueueSize   = 1024
	defaultSendTimeout = 5 * time.Second
)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	QueueSize   int
	SendTimeout time.Duration
	Logger      *slog.Logger
}

// Recorder fans events out to its sinks from a single goroutine so callers
// on hot paths never wait on a database. Events are dropped when the queue is
// full.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger

	mu      sync.RWMutex
	closed  bool
	ch      chan Event
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(sinks []Sink, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		timeout: opts.SendTimeout,
		log:     opts.Logger,
		ch:      make(chan Event, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues e without blocking.
func (r *Recorder) Record(e Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}
	select {
	case r.ch <- e:
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("History queue full, dropping events", "queue", cap(r.ch))
		}
	}
	return nil
}

// Dropped returns the number of events discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Failed returns the number of sink writes that returned an error.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.failed.Add(1)
				r.log.Warn("History sink failed", "command", e.Command, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events and closes the sinks that implement io.Closer.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
