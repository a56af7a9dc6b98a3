// Package workerpool implements the interface level of the abstract
// worker-pool contract spec.md §5/§6 describes: message shapes,
// pending-result backpressure thresholds, and the PoolTerminated error.
// Per spec.md §1 this is explicitly interface-only — no pattern-detection
// or embedding logic lives here, only the queue/backpressure/partition
// primitives the core's message shape depends on. The core itself never
// imports this package; it is consumed by whatever offloads
// algorithmic work to worker tasks.
package workerpool

import (
	"errors"
	"sync"

	"github.com/rhinos0608/kvengine/internal/events"
)

// ErrPoolTerminated is returned by every Submit call made after
// Terminate. Requests already submitted are not rejected by the pool;
// see Terminate.
var ErrPoolTerminated = errors.New("workerpool: pool terminated")

// Request is the message shape submitted to the pool. Payload is opaque
// to the pool itself — interpreting it is the concern of whatever
// implementation plugs in behind this interface.
type Request struct {
	ID        string
	Partition int
	Payload   any
}

// Result is the message shape a completed Request produces.
type Result struct {
	RequestID string
	Value     any
	Err       error
}

// BackpressureListener is notified when the pool transitions into or out
// of backpressure. isPaused is true on the H-crossing, false on the
// L-crossing (spec.md §5 "pause at H, resume at L < H").
type BackpressureListener func(isPaused bool)

// Options configures a Pool's backpressure thresholds and partition
// count.
type Options struct {
	// HighWatermark is the pending-result count at or above which the
	// pool signals backpressure ("pause at H").
	HighWatermark int
	// LowWatermark is the pending-result count at or below which the
	// pool signals relief ("resume at L < H").
	LowWatermark int
	// Partitions is the number of output partitions GetPartition
	// distributes requests across; 0 disables partitioning (GetPartition
	// always returns 0).
	Partitions int
	Bus        *events.Bus
}

// Pool tracks pending-result count and backpressure state for an
// externally implemented worker pool. It does not run any workers itself;
// callers call Submitted/Consumed around their own dispatch loop.
type Pool struct {
	mu sync.Mutex

	opts       Options
	pending    int
	paused     bool
	terminated bool

	listeners []BackpressureListener

	ring *partitionRing
}

// New constructs a Pool. A zero HighWatermark disables backpressure
// signaling entirely (pending count is still tracked).
func New(opts Options) *Pool {
	if opts.LowWatermark >= opts.HighWatermark && opts.HighWatermark > 0 {
		opts.LowWatermark = opts.HighWatermark - 1
	}
	if opts.Bus == nil {
		opts.Bus = events.New()
	}
	p := &Pool{opts: opts}
	if opts.Partitions > 0 {
		p.ring = newPartitionRing(opts.Partitions)
	}
	return p
}

// OnBackpressure registers a listener for pause/resume transitions and
// returns an unsubscribe function.
func (p *Pool) OnBackpressure(fn BackpressureListener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
	idx := len(p.listeners) - 1
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if idx < len(p.listeners) {
			p.listeners[idx] = nil
		}
	}
}

// Submit records a new in-flight request and returns ErrPoolTerminated if
// the pool has already been terminated. It is the caller's
// responsibility to actually dispatch req to a worker; Submit only
// tracks accounting and backpressure.
func (p *Pool) Submit(req Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return ErrPoolTerminated
	}
	p.pending++
	p.maybeSignalLocked()
	return nil
}

// OnResultConsumed must be called exactly once per delivered result
// (spec.md §5). Calling it more times than Submit was called would
// underflow the counter; guarded so it never goes negative.
func (p *Pool) OnResultConsumed(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending > 0 {
		p.pending--
	}
	p.maybeSignalLocked()
}

// maybeSignalLocked fires backpressure transitions when pending crosses
// HighWatermark (pause) or falls to/below LowWatermark (resume). Callers
// must hold p.mu.
func (p *Pool) maybeSignalLocked() {
	if p.opts.HighWatermark <= 0 {
		return
	}
	switch {
	case !p.paused && p.pending >= p.opts.HighWatermark:
		p.paused = true
		p.notifyLocked(true)
	case p.paused && p.pending <= p.opts.LowWatermark:
		p.paused = false
		p.notifyLocked(false)
	}
}

func (p *Pool) notifyLocked(isPaused bool) {
	for _, fn := range p.listeners {
		if fn != nil {
			fn(isPaused)
		}
	}
}

// Pending returns the current in-flight request count.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Paused reports whether the pool is currently signaling backpressure.
func (p *Pool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Terminate marks the pool closed; every future Submit call returns
// ErrPoolTerminated. It does not itself reject already-dispatched
// requests — callers drain their own in-flight set and resolve each with
// ErrPoolTerminated.
func (p *Pool) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return
	}
	p.terminated = true
	p.opts.Bus.Emit(events.TopicWorkerCleanupFailed, nil)
}

// Terminated reports whether Terminate has been called.
func (p *Pool) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// GetPartition returns which of Options.Partitions buckets key belongs
// to, using the same consistent-hash-ring algorithm the teacher's
// cluster.Ring uses for node selection — here repointed at partition IDs
// instead of physical nodes, since picking "which worker partition owns
// this message" is the same problem as picking "which node owns this
// key" once the output space is partition IDs.
func (p *Pool) GetPartition(key string) int {
	if p.ring == nil {
		return 0
	}
	return p.ring.Get(key)
}
