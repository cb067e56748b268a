package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/checkengine/internal/check"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
	block  chan struct{}
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("boom")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func TestNewEvent(t *testing.T) {
	r := check.Result{CommandID: 7, ExitCode: check.StateWarning}
	a := NewEvent("check_disk", "raw", "/bin/check_disk -w 10", r)
	b := NewEvent("check_disk", "raw", "/bin/check_disk -w 10", r)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID, b.ID)
	}
	if a.State() != "warning" {
		t.Fatalf("state = %q", a.State())
	}
	if a.OccurredAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp")
	}
}

func TestRecorderFansOut(t *testing.T) {
	s1, s2 := &memSink{}, &memSink{fail: true}
	r := NewRecorder([]Sink{s1, s2}, RecorderOptions{})
	for i := 0; i < 10; i++ {
		if err := r.Record(NewEvent("c", "raw", "true", check.Result{CommandID: uint64(i)})); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(s1.events) != 10 {
		t.Fatalf("sink got %d events, want 10", len(s1.events))
	}
	for i, e := range s1.events {
		if e.Result.CommandID != uint64(i) {
			t.Fatalf("event %d out of order: %d", i, e.Result.CommandID)
		}
	}
	if r.Failed() != 10 {
		t.Fatalf("failed = %d, want 10", r.Failed())
	}
	if !s1.closed || !s2.closed {
		t.Fatalf("sinks not closed")
	}
	if err := r.Record(Event{}); !errors.Is(err, ErrRecorderClosed) {
		t.Fatalf("expected ErrRecorderClosed, got %v", err)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	s := &memSink{block: make(chan struct{})}
	r := NewRecorder([]Sink{s}, RecorderOptions{QueueSize: 2})
	for i := 0; i < 10; i++ {
		_ = r.Record(Event{})
	}
	// one event may be held by the worker, two in the queue
	if d := r.Dropped(); d < 7 {
		t.Fatalf("dropped = %d, want at least 7", d)
	}
	close(s.block)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRecorderCloseHonoursContext(t *testing.T) {
	s := &memSink{block: make(chan struct{})}
	r := NewRecorder([]Sink{s}, RecorderOptions{})
	_ = r.Record(Event{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(s.block)
}
