package metrics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(10)
	for i := 1; i <= 11; i++ {
		w.Push(Sample{Latency: time.Duration(i) * time.Millisecond, Success: i%2 == 0})
	}

	require.Equal(t, 10, w.Len())
	samples := w.Samples()
	assert.Equal(t, 2*time.Millisecond, samples[0].Latency, "first sample evicted")
	assert.Equal(t, 11*time.Millisecond, samples[9].Latency)
}

func TestWindowDefaultCapacity(t *testing.T) {
	w := NewWindow(0)
	assert.Equal(t, DefaultWindowSize, w.Cap())
	assert.Empty(t, w.Samples())
}

func TestTrackerStats(t *testing.T) {
	tr := NewTracker(3, "gpt4")

	empty := tr.Stats("gpt4")
	assert.Equal(t, 3, empty.Capacity)
	assert.Empty(t, empty.LatenciesMs)
	assert.Zero(t, empty.SuccessRate)

	tr.Record("gpt4", 100*time.Millisecond, true)
	tr.Record("gpt4", 300*time.Millisecond, false)
	tr.Record("gpt4", 200*time.Millisecond, true)
	tr.Record("gpt4", 400*time.Millisecond, true)

	s := tr.Stats("gpt4")
	assert.Equal(t, []float64{300, 200, 400}, s.LatenciesMs)
	assert.Equal(t, []bool{false, true, true}, s.Successes)
	assert.InDelta(t, 300.0, s.MeanLatencyMs, 1e-9)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
}

func TestTrackerSnapshotSorted(t *testing.T) {
	tr := NewTracker(DefaultWindowSize, "deepseek", "claude")
	tr.Record("gpt4", time.Second, true)

	snap := tr.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "claude", snap[0].AgentID)
	assert.Equal(t, "deepseek", snap[1].AgentID)
	assert.Equal(t, "gpt4", snap[2].AgentID)
	assert.Len(t, snap[2].LatenciesMs, 1)
}

func TestTrackerConcurrentRecord(t *testing.T) {
	tr := NewTracker(DefaultWindowSize)
	var wg sync.WaitGroup
	for a := 0; a < 4; a++ {
		id := fmt.Sprintf("agent-%d", a)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tr.Record(id, time.Millisecond, true)
			}()
		}
	}
	wg.Wait()

	for _, s := range tr.Snapshot() {
		assert.Len(t, s.Successes, DefaultWindowSize, "window never exceeds capacity")
	}
}
