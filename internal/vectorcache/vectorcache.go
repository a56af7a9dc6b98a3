// Package vectorcache implements an in-process LRU cache for
// high-dimensional vectors with pinning, optional quota-driven
// auto-sizing, and asynchronous persistence backed by a retry queue.
package vectorcache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned by Pin/Unpin for an unknown id.
var ErrNotFound = errors.New("vectorcache: id not found")

const (
	minCap      = 1_000
	maxCap      = 50_000
	floorCap    = 100
	defaultCap  = 10_000
	perVectorKB = 8 // quota-estimator divisor, bytes-per-vector-ish estimate
)

// Entry is one cached vector (spec.md §3 "vector cache entry").
type Entry struct {
	ID     string
	Vector []float32
	Payload any
	Pinned bool
}

// PersistedVector is what crosses the Persister boundary; Cache never
// assumes anything about how it is stored beyond round-tripping.
type PersistedVector struct {
	ID      string
	Vector  []float32
	Payload any
}

// Persister is VC's storage boundary. Cache mutations enqueue a
// persistence task against it; a failing task is retried with
// exponential backoff rather than surfaced synchronously.
type Persister interface {
	SaveVector(entry PersistedVector) error
	DeleteVector(id string) error
	Clear() error
	LoadAll() ([]PersistedVector, error)
}

// QuotaEstimator reports free bytes available for auto-scaling
// maxVectors, mirroring navigator.storage.estimate().
type QuotaEstimator func() (freeBytes int64, err error)

type node struct {
	id     string
	vector []float32
	payload any
}

// Stats mirrors spec.md §4.E's getStats() shape.
type Stats struct {
	Count       int
	Utilization float64
	Dimensions  struct{ Min, Max, Avg int }
	Storage     struct {
		Bytes     int64
		Megabytes float64
	}
	LRU struct {
		Hits, Misses      int64
		HitRate           float64
		EvictionCount     int64
		AutoScaleEnabled  bool
		PinnedCount       int
	}
	RetryQueue struct {
		Size       int
		OldestAge  time.Duration
		MaxRetries int
	}
}

// Options configures a Cache.
type Options struct {
	MaxVectors      int
	AutoScale       bool
	Persister       Persister
	Quota           QuotaEstimator
	MaxRetries      int
	BaseDelayMs     int64
	MaxDelayMs      int64
	BackoffMultiplier float64
}

// DefaultOptions returns spec.md §6.4's vc defaults.
func DefaultOptions() Options {
	return Options{
		MaxVectors: defaultCap, AutoScale: false,
		MaxRetries: 3, BaseDelayMs: 500, MaxDelayMs: 5000, BackoffMultiplier: 2,
	}
}

type retryTask struct {
	kind      string // "save" or "delete"
	entry     PersistedVector
	id        string
	attempts  int
	queuedAt  time.Time
	nextAfter time.Time
}

// Cache is the VC module (spec.md §4.E): a doubly-linked recency list
// plus a map keyed by vector id, a pinned set, and an async
// persistence retry queue. Cache state is guarded by mu and the retry
// queue by retryMu, so background persistence never holds the cache
// lock.
type Cache struct {
	mu sync.Mutex

	opts Options

	recency *list.List // front = MRU
	byID    map[string]*list.Element
	pinned  map[string]bool

	hits, misses, evictions int64
	maxVectors               int
	autoScaleEnabled          bool

	retryMu sync.Mutex
	retries map[string]*retryTask
	stopCh  chan struct{}
}

// New constructs an empty Cache; call Init to hydrate it from the
// configured Persister.
func New(opts Options) *Cache {
	if opts.MaxVectors <= 0 {
		opts.MaxVectors = defaultCap
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelayMs <= 0 {
		opts.BaseDelayMs = 500
	}
	if opts.MaxDelayMs <= 0 {
		opts.MaxDelayMs = 5000
	}
	if opts.BackoffMultiplier <= 0 {
		opts.BackoffMultiplier = 2
	}
	c := &Cache{
		opts:         opts,
		recency:      list.New(),
		byID:         make(map[string]*list.Element),
		pinned:       make(map[string]bool),
		maxVectors:   opts.MaxVectors,
		autoScaleEnabled: opts.AutoScale,
		retries:      make(map[string]*retryTask),
		stopCh:       make(chan struct{}),
	}
	go c.retryLoop()
	return c
}

// Init loads persisted vectors (up to maxVectors) into the cache and
// returns the count loaded.
func (c *Cache) Init() (int, error) {
	if c.opts.Persister == nil {
		return 0, nil
	}
	all, err := c.opts.Persister.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("vectorcache: load: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := 0
	for _, pv := range all {
		if loaded >= c.maxVectors {
			break
		}
		c.insertLocked(pv.ID, pv.Vector, pv.Payload, false)
		loaded++
	}
	return loaded, nil
}

// Upsert inserts or overwrites id, evicting least-recently-used
// unpinned entries until the non-pinned count respects maxVectors, and
// enqueues a persistence task.
func (c *Cache) Upsert(id string, vector []float32, payload any) {
	c.mu.Lock()
	c.insertLocked(id, vector, payload, false)
	c.mu.Unlock()

	c.enqueuePersist(retryTask{kind: "save", entry: PersistedVector{ID: id, Vector: vector, Payload: payload}})
}

// UpsertBatch performs an atomic-best-effort bulk upsert: each entry's
// recency is updated exactly once, and per-entry persistence is fanned
// out concurrently via errgroup rather than sequentially.
func (c *Cache) UpsertBatch(entries []PersistedVector) {
	c.mu.Lock()
	for _, e := range entries {
		c.insertLocked(e.ID, e.Vector, e.Payload, false)
	}
	c.mu.Unlock()

	if c.opts.Persister == nil {
		return
	}
	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if err := c.opts.Persister.SaveVector(e); err != nil {
				c.enqueuePersist(retryTask{kind: "save", entry: e})
			}
			return nil
		})
	}
	_ = g.Wait()
}

// insertLocked must be called with c.mu held.
func (c *Cache) insertLocked(id string, vector []float32, payload any, skipEvict bool) {
	if el, ok := c.byID[id]; ok {
		n := el.Value.(*node)
		n.vector = vector
		n.payload = payload
		if !c.pinned[id] {
			c.recency.MoveToFront(el)
		}
		return
	}

	n := &node{id: id, vector: vector, payload: payload}
	el := c.recency.PushFront(n)
	c.byID[id] = el

	if skipEvict {
		return
	}
	c.evictLocked()
}

// evictLocked drops least-recently-used unpinned entries from the
// back of the recency list until nonPinnedCount <= maxVectors (I4;
// pinned entries are excluded from the count and may overflow it).
func (c *Cache) evictLocked() {
	for c.nonPinnedCountLocked() > c.maxVectors {
		el := c.lruUnpinnedLocked()
		if el == nil {
			return // everything left is pinned; allow the cap to be exceeded
		}
		n := el.Value.(*node)
		c.recency.Remove(el)
		delete(c.byID, n.id)
		c.evictions++
		c.enqueuePersist(retryTask{kind: "delete", id: n.id})
	}
}

func (c *Cache) nonPinnedCountLocked() int {
	count := 0
	for id := range c.byID {
		if !c.pinned[id] {
			count++
		}
	}
	return count
}

func (c *Cache) lruUnpinnedLocked() *list.Element {
	for el := c.recency.Back(); el != nil; el = el.Prev() {
		n := el.Value.(*node)
		if !c.pinned[n.id] {
			return el
		}
	}
	return nil
}

// Get returns entry and promotes it to MRU, unless it is pinned (a get
// on a pinned entry never alters recency).
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byID[id]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	c.hits++
	if !c.pinned[id] {
		c.recency.MoveToFront(el)
	}
	n := el.Value.(*node)
	return Entry{ID: n.id, Vector: n.vector, Payload: n.payload, Pinned: c.pinned[id]}, true
}

// Delete removes id from the cache and persistence, cancelling any
// pending retry for that key.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	if el, ok := c.byID[id]; ok {
		c.recency.Remove(el)
		delete(c.byID, id)
	}
	delete(c.pinned, id)
	c.mu.Unlock()

	c.retryMu.Lock()
	delete(c.retries, id)
	c.retryMu.Unlock()

	if c.opts.Persister != nil {
		_ = c.opts.Persister.DeleteVector(id)
	}
}

// Clear drops all cache state, the retry queue, and persistence.
func (c *Cache) Clear() error {
	c.mu.Lock()
	c.recency.Init()
	c.byID = make(map[string]*list.Element)
	c.pinned = make(map[string]bool)
	c.mu.Unlock()

	c.retryMu.Lock()
	c.retries = make(map[string]*retryTask)
	c.retryMu.Unlock()

	if c.opts.Persister == nil {
		return nil
	}
	return c.opts.Persister.Clear()
}

// Pin marks id non-evictable and exempt from recency-on-access
// updates.
func (c *Cache) Pin(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[id]; !ok {
		return ErrNotFound
	}
	c.pinned[id] = true
	return nil
}

// Unpin restores id to normal LRU eligibility.
func (c *Cache) Unpin(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[id]; !ok {
		return ErrNotFound
	}
	delete(c.pinned, id)
	return nil
}

// SetMaxVectors clamps n to the floor and, if the new cap is below the
// current non-pinned count, evicts least-recent unpinned entries until
// it is respected again.
func (c *Cache) SetMaxVectors(n int) {
	if n < floorCap {
		n = floorCap
	}
	c.mu.Lock()
	c.maxVectors = n
	c.evictLocked()
	c.mu.Unlock()
}

// EnableAutoScale toggles auto-scaling. When enabling, it calls the
// configured QuotaEstimator and sets maxVectors accordingly, clamped to
// [1_000, 50_000]; on estimator failure the current max is retained.
func (c *Cache) EnableAutoScale(enabled bool) {
	c.mu.Lock()
	c.autoScaleEnabled = enabled
	c.mu.Unlock()

	if !enabled || c.opts.Quota == nil {
		return
	}
	free, err := c.opts.Quota()
	if err != nil {
		return
	}
	n := int(free / (perVectorKB * 1024))
	if n < minCap {
		n = minCap
	}
	if n > maxCap {
		n = maxCap
	}
	c.mu.Lock()
	c.maxVectors = n
	c.evictLocked()
	c.mu.Unlock()
}

// GetStats returns spec.md §4.E's getStats() shape.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	var s Stats
	s.Count = len(c.byID)
	if c.maxVectors > 0 {
		s.Utilization = float64(s.Count) / float64(c.maxVectors)
	}

	minD, maxD, sumD := 0, 0, 0
	first := true
	var totalBytes int64
	for _, el := range c.byID {
		n := el.Value.(*node)
		d := len(n.vector)
		if first {
			minD, maxD = d, d
			first = false
		}
		if d < minD {
			minD = d
		}
		if d > maxD {
			maxD = d
		}
		sumD += d
		totalBytes += int64(d) * 4
	}
	s.Dimensions.Min = minD
	s.Dimensions.Max = maxD
	if s.Count > 0 {
		s.Dimensions.Avg = sumD / s.Count
	}
	s.Storage.Bytes = totalBytes
	s.Storage.Megabytes = float64(totalBytes) / (1024 * 1024)

	s.LRU.Hits = c.hits
	s.LRU.Misses = c.misses
	if total := c.hits + c.misses; total > 0 {
		s.LRU.HitRate = float64(c.hits) / float64(total)
	}
	s.LRU.EvictionCount = c.evictions
	s.LRU.AutoScaleEnabled = c.autoScaleEnabled
	s.LRU.PinnedCount = len(c.pinned)
	c.mu.Unlock()

	c.retryMu.Lock()
	s.RetryQueue.Size = len(c.retries)
	s.RetryQueue.MaxRetries = c.opts.MaxRetries
	var oldest time.Duration
	for _, t := range c.retries {
		age := time.Since(t.queuedAt)
		if age > oldest {
			oldest = age
		}
	}
	s.RetryQueue.OldestAge = oldest
	c.retryMu.Unlock()

	return s
}

// Close stops the background retry loop.
func (c *Cache) Close() {
	close(c.stopCh)
}
