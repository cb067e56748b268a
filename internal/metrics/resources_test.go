package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingKeepsNewestSamples(t *testing.T) {
	r := &ring{samples: make([]Usage, 3)}
	for i := int32(1); i <= 5; i++ {
		r.add(Usage{PID: i})
	}
	assert.Equal(t, int32(5), r.latest().PID)
	got := r.ordered()
	require.Len(t, got, 3)
	assert.Equal(t, []int32{3, 4, 5}, []int32{got[0].PID, got[1].PID, got[2].PID})
}

func TestCollectSamplesOwnProcess(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true, MaxHistory: 2})
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	pid := int32(os.Getpid())
	for i := 0; i < 3; i++ {
		c.Collect(map[string]int32{"self": pid, "stopped": 0})
	}

	u, ok := c.Latest("self")
	require.True(t, ok)
	assert.Equal(t, pid, u.PID)
	assert.NotZero(t, u.MemoryRSS)
	assert.Positive(t, u.NumThreads)

	h, ok := c.History("self")
	require.True(t, ok)
	assert.Len(t, h, 2)
	_, ok = c.Latest("stopped")
	assert.False(t, ok)
	assert.Equal(t, 1, testutil.CollectAndCount(c.memory))

	c.Collect(map[string]int32{})
	_, ok = c.Latest("self")
	assert.False(t, ok, "connectors that are gone are forgotten")
	assert.Empty(t, c.All())
	assert.Equal(t, 0, testutil.CollectAndCount(c.memory))
}

func TestRestartedConnectorStartsNewSeries(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true})
	c.Collect(map[string]int32{"ssh": int32(os.Getpid())})
	c.Collect(map[string]int32{"ssh": int32(os.Getppid())})
	h, ok := c.History("ssh")
	require.True(t, ok)
	require.Len(t, h, 1)
	assert.Equal(t, int32(os.Getppid()), h[0].PID)
}

func TestDisabledCollectorDoesNothing(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{})
	assert.False(t, c.Enabled())
	require.NoError(t, c.Register(prometheus.NewRegistry()))
	c.Start(context.Background(), func() map[string]int32 { t.Fatal("sampled while disabled"); return nil })
	c.Stop()
}

func TestStartSamplesPeriodically(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx, func() map[string]int32 { return map[string]int32{"self": int32(os.Getpid())} })
	defer c.Stop()
	require.Eventually(t, func() bool {
		h, _ := c.History("self")
		return len(h) >= 2
	}, 5*time.Second, 10*time.Millisecond)
}
