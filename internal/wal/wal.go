package wal

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/rhinos0608/kvengine/internal/coordinator"
	"github.com/rhinos0608/kvengine/internal/events"
)

// OpFunc executes one WAL operation against its eventual target (KOS, in
// practice) and returns a JSON-marshalable result.
type OpFunc func(args json.RawMessage) (any, error)

// OpOptions declares an operation's replay-safety, enforced at
// registration time per spec.md §9's open question: an op that isn't
// replay-safe and doesn't name an idempotent alias is a registration
// error, not a silent correctness bug discovered later.
type OpOptions struct {
	ReplaySafe      bool
	IdempotentAlias string
}

type opRegistration struct {
	fn   OpFunc
	opts OpOptions
}

// Options configures a WAL instance (spec.md §6.4 "wal:" block).
type Options struct {
	Dir             string
	Coordinator     coordinator.Coordinator
	Bus             *events.Bus
	Precondition    func() bool // e.g. "can the system encrypt right now"
	MaxSize         int
	MaxAgeMs        int64
	ResultsMaxAgeMs int64
	ReplayDelayMs   int64
	BatchSize       int
	MaxAttempts     int
}

// DefaultOptions returns spec.md §6.4's wal defaults rooted at dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir: dir, MaxSize: 100, MaxAgeMs: 86_400_000, ResultsMaxAgeMs: 300_000,
		ReplayDelayMs: 1000, BatchSize: 10, MaxAttempts: 3,
		Precondition: func() bool { return true },
	}
}

// WAL is a durable, prioritized, crash-recoverable queue of deferred
// operations (spec.md §4.D).
type WAL struct {
	mu   sync.Mutex
	dir  string
	opts Options
	bus  *events.Bus
	coord coordinator.Coordinator

	entries []*Entry
	seq     uint64

	results *xsync.Map // entryId -> Result
	waiters *xsync.Map // entryId -> chan Result, transient (never persisted)

	ops map[string]opRegistration

	drainSF      singleflight.Group // enforces "mutually exclusive with isProcessing/isReplaying"
	lastReplayAt time.Time

	unsubAuthority func()
	closed         bool
}

// New opens (creating if absent) a WAL rooted at opts.Dir, loading any
// persisted entries/sequence/results.
func New(opts Options) (*WAL, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.MaxAgeMs <= 0 {
		opts.MaxAgeMs = 86_400_000
	}
	if opts.ResultsMaxAgeMs <= 0 {
		opts.ResultsMaxAgeMs = 300_000
	}
	if opts.ReplayDelayMs <= 0 {
		opts.ReplayDelayMs = 1000
	}
	if opts.Precondition == nil {
		opts.Precondition = func() bool { return true }
	}
	if opts.Bus == nil {
		opts.Bus = events.New()
	}
	if opts.Coordinator == nil {
		opts.Coordinator = coordinator.NewInProcess()
	}

	w := &WAL{
		dir:     opts.Dir,
		opts:    opts,
		bus:     opts.Bus,
		coord:   opts.Coordinator,
		results: xsync.NewMap(),
		waiters: xsync.NewMap(),
		ops:     make(map[string]opRegistration),
	}

	w.mu.Lock()
	err := w.loadLocked()
	w.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("wal: load: %w", err)
	}

	w.filterAgedEntries()

	w.unsubAuthority = w.coord.OnAuthorityChange(func(isPrimary bool) {
		if isPrimary {
			w.scheduleProcess()
		}
	})

	return w, nil
}

// filterAgedEntries drops entries whose CreatedAt is older than
// MaxAgeMs, the load-time filter spec.md §4.D's WAL_MAX_AGE_MS gates.
func (w *WAL) filterAgedEntries() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Duration(w.opts.MaxAgeMs) * time.Millisecond
	kept := w.entries[:0:0]
	for _, e := range w.entries {
		if time.Since(e.CreatedAt) <= cutoff {
			kept = append(kept, e)
		}
	}
	w.entries = kept
}

// RegisterOp declares op as invokable from the WAL. Per spec.md §9, an
// op that is not itself replay-safe must name an IdempotentAlias (an
// already- or about-to-be-registered op to substitute during replay);
// failing to declare either is a registration-time error.
func (w *WAL) RegisterOp(name string, fn OpFunc, opts OpOptions) error {
	if !opts.ReplaySafe && opts.IdempotentAlias == "" {
		return fmt.Errorf("%w: %q", ErrOpNotReplaySafe, name)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ops[name] = opRegistration{fn: fn, opts: opts}
	return nil
}

// QueueWrite enqueues op with priority. If the configured precondition
// currently holds, it runs immediately and a synthetic committed result
// is returned without touching the durable queue at all. Otherwise the
// entry is appended, persisted, and processing is scheduled; the
// returned channel receives exactly one Result when the entry ultimately
// commits or exhausts its retries.
func (w *WAL) QueueWrite(op string, args any, priority Priority) (entryID string, result <-chan Result, err error) {
	w.mu.Lock()
	reg, ok := w.ops[op]
	w.mu.Unlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrOpNotRegistered, op)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return "", nil, fmt.Errorf("wal: encode args: %w", err)
	}

	if w.opts.Precondition() {
		id := uuid.NewString()
		ch := make(chan Result, 1)
		value, opErr := reg.fn(payload)
		res := w.settleResult(id, value, opErr)
		ch <- res
		close(ch)
		return id, ch, nil
	}

	w.mu.Lock()
	w.seq++
	entry := &Entry{
		ID: uuid.NewString(), Sequence: w.seq, Operation: op, Args: payload,
		Priority: priority, CreatedAt: time.Now().UTC(), Status: StatusPending,
	}
	w.entries = append(w.entries, entry)
	persistErr := w.persistEntriesLocked()
	w.mu.Unlock()
	if persistErr != nil {
		return "", nil, persistErr
	}

	ch := make(chan Result, 1)
	w.waiters.Store(entry.ID, ch)

	w.scheduleProcess()
	return entry.ID, ch, nil
}

func (w *WAL) settleResult(entryID string, value any, opErr error) Result {
	res := Result{EntryID: entryID, CompletedAt: time.Now().UTC()}
	if opErr != nil {
		res.Error = opErr.Error()
	} else {
		res.Success = true
		if data, err := json.Marshal(value); err == nil {
			res.Value = data
		}
	}
	w.results.Store(entryID, res)
	return res
}

// scheduleProcess runs processWal if this process currently holds write
// authority; it is always safe to call speculatively (a non-authoritative
// call is a cheap no-op), matching spec.md §4.D's cross-tab gating.
func (w *WAL) scheduleProcess() {
	if !w.coord.IsWriteAllowed() {
		return
	}
	go func() { _, _ = w.processWal(false) }()
}

// processWal drains all pending/failed entries in (priority, sequence)
// order, in batches of BatchSize, applying the idempotency adapter when
// replaying is true. It is mutually exclusive with any other in-flight
// processWal/replayWal via a shared singleflight key.
func (w *WAL) processWal(replaying bool) (int, error) {
	v, err, _ := w.drainSF.Do("drain", func() (any, error) {
		return w.drainOnce(replaying)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// drainOnce processes exactly one batch of up to BatchSize entries, the
// unit spec.md §4.D describes ("drains in batches of 10 ... after each
// batch, persist WAL"). If retry-eligible entries remain once this batch
// settles, another drain is scheduled asynchronously rather than looped
// in place here, standing in for the adaptive-delay heartbeat a real
// scheduler would use.
func (w *WAL) drainOnce(replaying bool) (int, error) {
	if !w.coord.IsWriteAllowed() {
		return 0, nil
	}

	w.mu.Lock()
	batch := w.selectBatchLocked()
	w.mu.Unlock()
	if len(batch) == 0 {
		return 0, nil
	}

	for _, entry := range batch {
		w.applyEntry(entry, replaying)
	}

	w.mu.Lock()
	persistErr := w.persistEntriesLocked()
	w.mu.Unlock()
	if persistErr != nil {
		return len(batch), persistErr
	}
	if err := w.persistResultsLocked(); err != nil {
		return len(batch), err
	}

	w.cleanupWal()

	w.mu.Lock()
	remaining := len(w.selectBatchLocked())
	w.mu.Unlock()
	if remaining > 0 {
		go func() { _, _ = w.processWal(replaying) }()
	}

	return len(batch), nil
}

// selectBatchLocked returns up to BatchSize retry-eligible entries in
// drain order. An entry that has exhausted MaxAttempts and is still
// StatusFailed is terminal and excluded — it stays in the WAL for
// Inspect/Result but is never retried again.
func (w *WAL) selectBatchLocked() []*Entry {
	candidates := make([]*Entry, 0)
	for _, e := range w.entries {
		switch e.Status {
		case StatusPending:
			candidates = append(candidates, e)
		case StatusFailed:
			if e.Attempts < w.opts.MaxAttempts {
				candidates = append(candidates, e)
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return drainOrder(candidates[i], candidates[j]) })
	if len(candidates) > w.opts.BatchSize {
		candidates = candidates[:w.opts.BatchSize]
	}
	return candidates
}

func (w *WAL) applyEntry(entry *Entry, replaying bool) {
	w.mu.Lock()
	entry.Status = StatusProcessing
	entry.Attempts++
	now := time.Now().UTC()
	entry.ProcessedAt = &now

	if !w.opts.Precondition() {
		entry.Status = StatusFailed
		entry.Error = "precondition not met"
		w.mu.Unlock()
		return
	}

	opName := entry.Operation
	reg, ok := w.ops[opName]
	if ok && replaying && !reg.opts.ReplaySafe && reg.opts.IdempotentAlias != "" {
		if alias, aliasOK := w.ops[reg.opts.IdempotentAlias]; aliasOK {
			reg = alias
		}
	}
	w.mu.Unlock()

	if !ok {
		w.mu.Lock()
		entry.Status = StatusFailed
		entry.Error = fmt.Sprintf("%v: %s", ErrOpNotRegistered, opName)
		w.mu.Unlock()
		w.finishEntry(entry, nil, fmt.Errorf("%w: %s", ErrOpNotRegistered, opName))
		return
	}

	value, opErr := reg.fn(entry.Args)

	w.mu.Lock()
	if opErr != nil {
		// Status is StatusFailed whether this attempt still has retries
		// left or just exhausted MaxAttempts; selectBatchLocked is what
		// distinguishes retry-eligible from terminal.
		entry.Error = opErr.Error()
		entry.Status = StatusFailed
	} else {
		entry.Status = StatusCommitted
		entry.Error = ""
	}
	w.mu.Unlock()

	w.finishEntry(entry, value, opErr)
}

func (w *WAL) finishEntry(entry *Entry, value any, opErr error) {
	terminal := opErr == nil || entry.Attempts >= w.opts.MaxAttempts
	if !terminal {
		return
	}
	res := w.settleResult(entry.ID, value, opErr)
	if chAny, ok := w.waiters.Load(entry.ID); ok {
		ch := chAny.(chan Result)
		select {
		case ch <- res:
		default:
		}
		close(ch)
		w.waiters.Delete(entry.ID)
	}
}

// cleanupWal drops committed entries older than 60s, per spec.md §4.D.
func (w *WAL) cleanupWal() {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.entries[:0:0]
	for _, e := range w.entries {
		if e.Status == StatusCommitted && e.ProcessedAt != nil && time.Since(*e.ProcessedAt) > 60*time.Second {
			continue
		}
		kept = append(kept, e)
	}
	w.entries = kept
	_ = w.persistEntriesLocked()
}

// ReplayWal runs at open: resets any `processing` entry whose
// ProcessedAt is at least 60s old (presumed crashed) to `pending`, then
// drains. It is throttled by ReplayDelayMs since the last replay and
// always publishes wal:replay_complete, success or failure, so blocked
// enqueuers can proceed (spec.md §4.D, P5, scenario 6).
func (w *WAL) ReplayWal() error {
	w.mu.Lock()
	if time.Since(w.lastReplayAt) < time.Duration(w.opts.ReplayDelayMs)*time.Millisecond && !w.lastReplayAt.IsZero() {
		w.mu.Unlock()
		return nil
	}
	w.lastReplayAt = time.Now().UTC()

	crashThreshold := 60 * time.Second
	for _, e := range w.entries {
		if e.Status == StatusProcessing && e.ProcessedAt != nil && time.Since(*e.ProcessedAt) >= crashThreshold {
			e.Status = StatusPending
		}
	}
	persistErr := w.persistEntriesLocked()
	w.mu.Unlock()
	if persistErr != nil {
		w.bus.Emit(events.TopicWALReplayComplete, map[string]any{
			"timestamp": time.Now().UTC(), "entriesReplayed": 0,
		})
		return persistErr
	}

	if !w.coord.IsWriteAllowed() {
		w.bus.Emit(events.TopicWALReplayComplete, map[string]any{
			"timestamp": time.Now().UTC(), "entriesReplayed": 0,
		})
		return nil
	}

	n, err := w.processWal(true)
	w.bus.Emit(events.TopicWALReplayComplete, map[string]any{
		"timestamp": time.Now().UTC(), "entriesReplayed": n,
	})
	return err
}

// Inspect returns the current state of entryID, if the WAL still holds
// it (supplemented read path, see SPEC_FULL.md).
func (w *WAL) Inspect(entryID string) (*Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		if e.ID == entryID {
			clone := *e
			return &clone, true
		}
	}
	return nil, false
}

// Result returns the recorded outcome for entryID, if retained within
// the recency window.
func (w *WAL) Result(entryID string) (Result, bool) {
	v, ok := w.results.Load(entryID)
	if !ok {
		return Result{}, false
	}
	return v.(Result), true
}

// Close unsubscribes from authority-change notifications. It does not
// block on in-flight processing; pending entries remain durable for the
// next Open to replay.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.unsubAuthority != nil {
		w.unsubAuthority()
	}
	return nil
}
