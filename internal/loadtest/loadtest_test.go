package loadtest

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localboard/boardsync/internal/remote"
)

func quietLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

func TestRunConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	mem := remote.NewMemory()
	cfg := DefaultConfig()
	cfg.Collaborators = 5
	cfg.Edits = 10
	cfg.Interval = 2 * time.Millisecond
	cfg.Debounce = 50 * time.Millisecond
	cfg.Remote = mem

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := Run(ctx, cfg, quietLogger())
	require.NoError(t, err)

	assert.Equal(t, 50, res.Edits)
	assert.True(t, res.Converged, "all replicas should hold the remote copy")
	assert.Less(t, res.RemoteWrites, int64(res.Edits), "debouncing should coalesce edits")

	payload, ok := mem.Payload(cfg.Key)
	require.True(t, ok)
	assert.Equal(t, payload, res.FinalPayload)

	require.NotNil(t, res.Latency)
	assert.Equal(t, 50, res.Latency.Samples)
	assert.LessOrEqual(t, res.Latency.Min, res.Latency.P50)
	assert.LessOrEqual(t, res.Latency.P50, res.Latency.P99)
	assert.LessOrEqual(t, res.Latency.P99, res.Latency.Max)

	t.Logf("edits=%d writes=%d coalescing=%.1f converge=%v p50=%v p99=%v",
		res.Edits, res.RemoteWrites, res.Coalescing(), res.ConvergeTime, res.Latency.P50, res.Latency.P99)
}

func TestRunRejectsEmptyConfig(t *testing.T) {
	_, err := Run(context.Background(), Config{}, quietLogger())
	assert.Error(t, err)

	_, err = Run(context.Background(), Config{Collaborators: 2}, quietLogger())
	assert.Error(t, err)
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	assert.Equal(t, 100, stats.Samples)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 51*time.Millisecond, stats.P50)
	assert.Equal(t, 96*time.Millisecond, stats.P95)
	assert.Equal(t, 100*time.Millisecond, stats.P99)
	assert.Equal(t, 50500*time.Microsecond, stats.Mean)

	// Input order is left alone.
	assert.Equal(t, 100*time.Millisecond, durations[0])

	empty := computeLatencyStats(nil)
	assert.Equal(t, 0, empty.Samples)
}

func TestPrint(t *testing.T) {
	res := &Result{
		Collaborators: 3,
		Edits:         30,
		RemoteWrites:  6,
		Converged:     true,
		ConvergeTime:  120 * time.Millisecond,
		Latency:       computeLatencyStats([]time.Duration{time.Microsecond}),
	}
	assert.InDelta(t, 5.0, res.Coalescing(), 0.001)

	var buf bytes.Buffer
	res.Print(&buf)
	out := buf.String()
	assert.True(t, strings.Contains(out, "Remote writes:   6 (5.0 edits/write)"), out)
	assert.Contains(t, out, "Converged:       true in 120ms")
	assert.Contains(t, out, "P50 (Median)")

	assert.Zero(t, (&Result{}).Coalescing())
}
