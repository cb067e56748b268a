package check

import (
	"sync"
	"testing"
	"time"
)

func TestClampExitCode(t *testing.T) {
	for code, want := range map[int]int{
		-1: StateUnknown, 0: StateOK, 1: StateWarning, 2: StateCritical,
		3: StateUnknown, 4: StateUnknown, 127: StateUnknown, 255: StateUnknown,
	} {
		if got := ClampExitCode(code); got != want {
			t.Fatalf("ClampExitCode(%d) = %d, want %d", code, got, want)
		}
	}
}

func TestResultStateAndDuration(t *testing.T) {
	start := time.Unix(1000, 0)
	r := Result{StartTime: start, EndTime: start.Add(1500 * time.Millisecond), ExitCode: StateCritical}
	if r.State() != "critical" {
		t.Fatalf("state = %s", r.State())
	}
	if r.Duration() != 1500*time.Millisecond {
		t.Fatalf("duration = %s", r.Duration())
	}
	r.EndTime = start.Add(-time.Second)
	if r.Duration() != 0 {
		t.Fatalf("negative duration not clamped: %s", r.Duration())
	}
	if (Result{ExitCode: 42}).State() != "unknown" {
		t.Fatalf("out of range exit code should be unknown")
	}
}

func TestIDGeneratorUniqueUnderConcurrency(t *testing.T) {
	var g IDGenerator
	const workers, per = 8, 500
	seen := make(chan uint64, workers*per)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < per; j++ {
				seen <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(seen)
	ids := make(map[uint64]bool, workers*per)
	for id := range seen {
		if id == 0 || ids[id] {
			t.Fatalf("duplicate or zero id %d", id)
		}
		ids[id] = true
	}
	if len(ids) != workers*per {
		t.Fatalf("got %d ids", len(ids))
	}
}

func TestStatusString(t *testing.T) {
	if StatusTimeout.String() != "timeout" || StatusCrash.String() != "crash" || Status(9).String() != "unknown" {
		t.Fatalf("unexpected status strings")
	}
}
