package cron

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/checkengine/internal/check"
)

type fakeRunner struct {
	delay   time.Duration
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32

	mu   sync.Mutex
	args [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, _ time.Duration) (check.Result, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.args = append(f.args, append([]string{name}, args...))
	f.mu.Unlock()
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return check.Result{}, ctx.Err()
	}
	return check.Result{Executed: true}, nil
}

func TestParseEvery(t *testing.T) {
	d, err := ParseEvery("@every 100ms")
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, d)
	for _, bad := range []string{"* * * * *", "@every", "@every x", "@every -1s", "@every 0s"} {
		_, err := ParseEvery(bad)
		assert.Error(t, err, bad)
	}
}

func TestSchedulerRunsAndNonOverlap(t *testing.T) {
	r := &fakeRunner{delay: 250 * time.Millisecond}
	sch := NewScheduler(r, nil)
	job := &Job{Name: "j1", Command: "disk", Args: []string{"/"}, Schedule: "@every 50ms"}
	require.NoError(t, sch.Add(job))
	require.NoError(t, sch.Start(context.Background()))

	require.Eventually(t, func() bool { return r.calls.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	sch.Stop()

	assert.Equal(t, int32(1), r.maxSeen.Load(), "runs of one job never overlap")
	assert.Equal(t, int32(0), r.active.Load(), "Stop waits for running checks")
	st := sch.Stats()
	require.Len(t, st, 1)
	assert.Positive(t, st[0].Skipped)
	assert.Equal(t, int64(r.calls.Load()), st[0].Runs)
	r.mu.Lock()
	assert.Equal(t, []string{"disk", "/"}, r.args[0])
	r.mu.Unlock()
}

func TestSchedulerAllowOverlap(t *testing.T) {
	r := &fakeRunner{delay: 300 * time.Millisecond}
	sch := NewScheduler(r, nil)
	require.NoError(t, sch.Add(&Job{Name: "j", Command: "c", Schedule: "@every 40ms", AllowOverlap: true}))
	require.NoError(t, sch.Start(context.Background()))
	require.Eventually(t, func() bool { return r.maxSeen.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	sch.Stop()
}

func TestSchedulerRejectsInvalidJobs(t *testing.T) {
	sch := NewScheduler(&fakeRunner{}, nil)
	require.Error(t, sch.Add(&Job{Command: "c", Schedule: "@every 1s"}))
	require.Error(t, sch.Add(&Job{Name: "a", Schedule: "@every 1s"}))
	require.Error(t, sch.Add(&Job{Name: "a", Command: "c", Schedule: "0 * * * *"}))
	require.Error(t, sch.Add(&Job{Name: "a", Command: "c", Schedule: "@every 1s", Timeout: -1}))
	require.NoError(t, sch.Add(&Job{Name: "a", Command: "c", Schedule: "@every 1s"}))
	require.Error(t, sch.Add(&Job{Name: "a", Command: "c", Schedule: "@every 1s"}), "duplicate name")

	require.NoError(t, sch.Start(context.Background()))
	require.Error(t, sch.Start(context.Background()))
	require.Error(t, sch.Add(&Job{Name: "b", Command: "c", Schedule: "@every 1s"}))
	sch.Stop()
	sch.Stop()
}
