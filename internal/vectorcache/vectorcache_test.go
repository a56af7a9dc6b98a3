package vectorcache

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	mu      sync.Mutex
	saved   map[string]PersistedVector
	deleted map[string]bool
	failIDs map[string]bool
}

func newFakePersister() *fakePersister {
	return &fakePersister{saved: map[string]PersistedVector{}, deleted: map[string]bool{}, failIDs: map[string]bool{}}
}

func (f *fakePersister) SaveVector(e PersistedVector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[e.ID] {
		return assertError
	}
	f.saved[e.ID] = e
	return nil
}

func (f *fakePersister) DeleteVector(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, id)
	f.deleted[id] = true
	return nil
}

func (f *fakePersister) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = map[string]PersistedVector{}
	f.deleted = map[string]bool{}
	return nil
}

func (f *fakePersister) LoadAll() ([]PersistedVector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PersistedVector, 0, len(f.saved))
	for _, v := range f.saved {
		out = append(out, v)
	}
	return out, nil
}

var assertError = fakeErr("vectorcache_test: simulated persistence failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestUpsertGetRoundTrip(t *testing.T) {
	c := New(DefaultOptions())
	defer c.Close()
	c.Upsert("v1", []float32{1, 2, 3}, "payload")

	e, ok := c.Get("v1")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, e.Vector)
	assert.Equal(t, "payload", e.Payload)
}

func TestGetMissIncrementsMissCounter(t *testing.T) {
	c := New(DefaultOptions())
	defer c.Close()
	_, ok := c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.GetStats().LRU.Misses)
}

// Cap exactly equal to entry count: no eviction occurs.
func TestCapEqualToEntryCountNoEviction(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxVectors = floorCap // cap of 100, filled with exactly 100 entries
	c := New(opts)
	defer c.Close()

	for i := 0; i < floorCap; i++ {
		c.Upsert(idFor(i), []float32{float32(i)}, nil)
	}

	assert.Equal(t, int64(0), c.GetStats().LRU.EvictionCount)
	assert.Equal(t, floorCap, c.GetStats().Count)
}

// Scenario 5: maxVectors=5. Insert v0..v4. Pin v0. Insert v5. Expected:
// cache holds {v0 (pinned), v2, v3, v4, v5}; evicted = v1.
func TestEvictionWithPinningScenario5(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxVectors = 5
	c := New(opts)
	defer c.Close()

	for i := 0; i <= 4; i++ {
		c.Upsert(idFor(i), []float32{float32(i)}, nil)
	}
	require.NoError(t, c.Pin("v0"))
	c.Upsert("v5", []float32{5}, nil)

	for _, id := range []string{"v0", "v2", "v3", "v4", "v5"} {
		_, ok := c.Get(id)
		assert.True(t, ok, "%s should remain cached", id)
	}
	_, ok := c.Get("v1")
	assert.False(t, ok, "v1 is the least-recent unpinned entry and must be evicted")
}

// P7: upsert of N+M items, first N pinned, cap=N: cache holds all N
// pinned plus the M most recently inserted unpinned items.
func TestPinnedEntriesNeverEvictedCacheMayOverflowCap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxVectors = 3
	c := New(opts)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.Upsert(idFor(i), []float32{float32(i)}, nil)
		require.NoError(t, c.Pin(idFor(i)))
	}
	for i := 3; i < 6; i++ {
		c.Upsert(idFor(i), []float32{float32(i)}, nil)
	}

	stats := c.GetStats()
	assert.Equal(t, 6, stats.Count, "pinned entries let the cache exceed cap")
	assert.Equal(t, 3, stats.LRU.PinnedCount)
	for i := 0; i < 6; i++ {
		_, ok := c.Get(idFor(i))
		assert.True(t, ok, "%s should still be present", idFor(i))
	}
}

func TestGetOnPinnedEntryDoesNotAlterRecency(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxVectors = 2
	c := New(opts)
	defer c.Close()

	c.Upsert("a", []float32{1}, nil)
	require.NoError(t, c.Pin("a"))
	c.Upsert("b", []float32{2}, nil)

	for i := 0; i < 5; i++ {
		_, _ = c.Get("a")
	}
	c.Upsert("c", []float32{3}, nil)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should be evicted, not a, despite a's repeated pinned gets")
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestDeleteRemovesFromCacheAndCancelsRetry(t *testing.T) {
	fp := newFakePersister()
	opts := DefaultOptions()
	opts.Persister = fp
	opts.BaseDelayMs = 5000
	opts.MaxDelayMs = 5000
	c := New(opts)
	defer c.Close()

	fp.mu.Lock()
	fp.failIDs["v1"] = true
	fp.mu.Unlock()

	c.Upsert("v1", []float32{1}, nil)
	require.Eventually(t, func() bool {
		return c.GetStats().RetryQueue.Size == 1
	}, time.Second, 5*time.Millisecond)

	c.Delete("v1")

	_, ok := c.Get("v1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.GetStats().RetryQueue.Size)
}

func TestSetMaxVectorsEvictsDownToNewCap(t *testing.T) {
	c := New(DefaultOptions())
	defer c.Close()
	for i := 0; i < 10; i++ {
		c.Upsert(idFor(i), []float32{float32(i)}, nil)
	}
	c.SetMaxVectors(floorCap) // clamped up to the floor, well above 10: no-op here
	assert.Equal(t, 10, c.GetStats().Count)

	c2 := New(DefaultOptions())
	defer c2.Close()
	for i := 0; i < floorCap+20; i++ {
		c2.Upsert(idFor(i), []float32{float32(i)}, nil)
	}
	c2.SetMaxVectors(5) // clamped up to the floor of 100
	assert.Equal(t, floorCap, c2.GetStats().Count)
}

func TestPersistenceFailureIsRetriedUntilSuccess(t *testing.T) {
	fp := newFakePersister()
	fp.failIDs["v1"] = true

	opts := DefaultOptions()
	opts.Persister = fp
	opts.BaseDelayMs = 5
	opts.MaxDelayMs = 10
	c := New(opts)
	defer c.Close()

	c.Upsert("v1", []float32{1}, nil)

	require.Eventually(t, func() bool {
		return c.GetStats().RetryQueue.Size == 1
	}, time.Second, 5*time.Millisecond)

	fp.mu.Lock()
	delete(fp.failIDs, "v1")
	fp.mu.Unlock()

	require.Eventually(t, func() bool {
		return c.GetStats().RetryQueue.Size == 0
	}, time.Second, 5*time.Millisecond)

	fp.mu.Lock()
	_, saved := fp.saved["v1"]
	fp.mu.Unlock()
	assert.True(t, saved)
}

func TestInitHydratesFromPersister(t *testing.T) {
	fp := newFakePersister()
	fp.saved["v1"] = PersistedVector{ID: "v1", Vector: []float32{1, 1}}
	fp.saved["v2"] = PersistedVector{ID: "v2", Vector: []float32{2, 2}}

	opts := DefaultOptions()
	opts.Persister = fp
	c := New(opts)
	defer c.Close()

	n, err := c.Init()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := c.Get("v1")
	assert.True(t, ok)
}

func idFor(i int) string {
	return "v" + strconv.Itoa(i)
}
