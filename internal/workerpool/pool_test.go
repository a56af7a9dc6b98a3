package workerpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSignalsBackpressureAtThresholds(t *testing.T) {
	p := New(Options{HighWatermark: 3, LowWatermark: 1})
	var transitions []bool
	p.OnBackpressure(func(isPaused bool) { transitions = append(transitions, isPaused) })

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(Request{ID: "r"}))
	}
	assert.True(t, p.Paused())

	p.OnResultConsumed("r")
	assert.True(t, p.Paused(), "still above LowWatermark")

	p.OnResultConsumed("r")
	assert.False(t, p.Paused(), "dropped to LowWatermark, should resume")

	require.Equal(t, []bool{true, false}, transitions)
}

func TestPoolResultConsumedNeverUnderflows(t *testing.T) {
	p := New(Options{HighWatermark: 5, LowWatermark: 2})
	p.OnResultConsumed("never-submitted")
	p.OnResultConsumed("never-submitted")
	assert.Equal(t, 0, p.Pending())
}

func TestPoolTerminateRejectsSubmit(t *testing.T) {
	p := New(Options{})
	p.Terminate()
	assert.True(t, p.Terminated())
	err := p.Submit(Request{ID: "x"})
	assert.ErrorIs(t, err, ErrPoolTerminated)
}

func TestPoolTerminateIdempotent(t *testing.T) {
	p := New(Options{})
	p.Terminate()
	p.Terminate()
	assert.True(t, p.Terminated())
}

func TestGetPartitionStableAndWithinRange(t *testing.T) {
	p := New(Options{Partitions: 8})
	first := p.GetPartition("stream-42")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.GetPartition("stream-42"))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 8)
}

func TestGetPartitionDistributesAcrossKeys(t *testing.T) {
	p := New(Options{Partitions: 4})
	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		seen[p.GetPartition(randishKey(i))] = true
	}
	assert.Greater(t, len(seen), 1, "200 distinct keys across 4 partitions should not all collide")
}

func TestGetPartitionWithoutRingAlwaysZero(t *testing.T) {
	p := New(Options{})
	assert.Equal(t, 0, p.GetPartition("anything"))
}

func randishKey(i int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 0, 12)
	n := i*2654435761 + 1
	for len(b) < 12 {
		b = append(b, alphabet[n%len(alphabet)])
		n /= len(alphabet)
		n += i
	}
	return string(b)
}
