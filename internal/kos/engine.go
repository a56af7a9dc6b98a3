// Package kos implements the Keyed Object Store: schema-migrated,
// authority-checked, vector-clock-stamped CRUD over a fixed set of named
// stores, falling through to the fallback backend when the primary
// on-disk store can't be opened.
package kos

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/rhinos0608/kvengine/internal/clock"
	"github.com/rhinos0608/kvengine/internal/coordinator"
	"github.com/rhinos0608/kvengine/internal/events"
	"github.com/rhinos0608/kvengine/internal/fallback"
)

// ConnectionOptions controls openWithRetry's backoff (spec.md §6.4).
type ConnectionOptions struct {
	MaxRetries        int
	BaseDelayMs       int
	MaxDelayMs        int
	BackoffMultiplier float64
}

// AuthorityOptions controls write-authority enforcement (spec.md §4.C).
type AuthorityOptions struct {
	Enforce      bool
	ExemptStores map[string]bool
	StrictMode   bool
}

// RequestOptions controls the per-request timeout wrapping every
// primitive (spec.md §4.C "Timeout/abort contract").
type RequestOptions struct {
	TimeoutMs int
}

// Options configures Open/OpenWithRetry.
type Options struct {
	DataDir            string
	WriterID           string
	Connection         ConnectionOptions
	Authority          AuthorityOptions
	Request            RequestOptions
	Coordinator        coordinator.Coordinator
	Bus                *events.Bus
	EnableFallback     bool
	FallbackQuotaBytes int64

	// SimulateOpenError lets tests inject a transient primary-backend
	// failure on a given 1-indexed attempt number; nil in production.
	SimulateOpenError func(attempt int) error
}

// DefaultOptions returns the spec.md §6.4 configuration defaults rooted
// at dir.
func DefaultOptions(dir string) Options {
	return Options{
		DataDir: dir,
		Connection: ConnectionOptions{
			MaxRetries: 3, BaseDelayMs: 500, MaxDelayMs: 5000, BackoffMultiplier: 2,
		},
		Authority: AuthorityOptions{
			Enforce:      true,
			ExemptStores: map[string]bool{"migration": true},
		},
		Request: RequestOptions{TimeoutMs: 5000},
	}
}

// PutOptions customizes a single Put call.
type PutOptions struct {
	BypassAuthority bool
	SkipWriteEpoch  bool
}

// Direction is a getAllByIndex cursor direction.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// TxMode distinguishes a transaction that never writes (and so skips the
// authority check) from one that does.
type TxMode int

const (
	TxReadOnly TxMode = iota
	TxReadWrite
)

// Tx is the handle a Transaction callback operates through. Every method
// is deep-copy-safe: records crossing the boundary are cloned.
type Tx struct {
	getFn    func(key string) (map[string]any, bool, error)
	getAllFn func() ([]map[string]any, error)
	putFn    func(key string, value map[string]any) error
	deleteFn func(key string) error
}

func (t *Tx) Get(key string) (map[string]any, bool, error) { return t.getFn(key) }
func (t *Tx) GetAll() ([]map[string]any, error)             { return t.getAllFn() }
func (t *Tx) Put(key string, value map[string]any) error    { return t.putFn(key, value) }
func (t *Tx) Delete(key string) error                       { return t.deleteFn(key) }

// Stats is KOS's introspection snapshot, supplementing spec.md §6.2 with
// a read path a real embedded store needs (see SPEC_FULL.md).
type Stats struct {
	SchemaVersion int
	WriterID      string
	Mode          string // "primary" or "fallback"
	StoreCounts   map[string]int
}

// Engine is an open KOS handle.
type Engine struct {
	mu      sync.Mutex
	dir     string
	opts    Options
	bus     *events.Bus
	coord   coordinator.Coordinator
	ownCoor bool

	clockMu sync.Mutex
	vclock  *clock.Clock

	stores        map[string]*memStore
	schemaVersion int

	usingFallback bool
	fallback      *fallback.Backend

	closed bool
}

// openGroup is the package-level singleflight OpenWithRetry uses so
// concurrent callers opening the same data directory share one dial
// instead of racing independent attempts.
var openGroup singleflight.Group

// Open makes a single connection attempt: no retry, no fallback.
func Open(opts Options) (*Engine, error) {
	if opts.WriterID == "" {
		opts.WriterID = uuid.NewString()
	}
	if opts.Bus == nil {
		opts.Bus = events.New()
	}
	ownCoor := opts.Coordinator == nil
	if ownCoor {
		opts.Coordinator = coordinator.NewInProcess()
	}
	if opts.Authority.ExemptStores == nil {
		opts.Authority.ExemptStores = map[string]bool{}
	}

	if opts.SimulateOpenError != nil {
		if err := opts.SimulateOpenError(1); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		dir:     opts.DataDir,
		opts:    opts,
		bus:     opts.Bus,
		coord:   opts.Coordinator,
		ownCoor: ownCoor,
		vclock:  clock.New(opts.WriterID),
		stores:  make(map[string]*memStore),
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("kos: open: %w", err)
	}
	e.mu.Lock()
	if err := e.loadSnapshotLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.schemaVersion = CurrentSchemaVersion
	err := e.runMigrations(0, e.schemaVersion)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("kos: migrations: %w", err)
	}
	return e, nil
}

// OpenWithRetry loops Open up to Connection.MaxRetries times with
// exponential backoff, publishing the connection lifecycle events
// spec.md §4.C describes. Concurrent callers targeting the same
// DataDir are collapsed into one dial via singleflight. On exhaustion,
// if EnableFallback is set, it activates the fallback backend instead
// of failing outright.
func OpenWithRetry(opts Options) (*Engine, error) {
	v, err, _ := openGroup.Do(opts.DataDir, func() (any, error) {
		return openWithRetry(opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

func openWithRetry(opts Options) (*Engine, error) {
	conn := opts.Connection
	if conn.MaxRetries <= 0 {
		conn.MaxRetries = 3
	}
	if conn.BaseDelayMs <= 0 {
		conn.BaseDelayMs = 500
	}
	if conn.MaxDelayMs <= 0 {
		conn.MaxDelayMs = 5000
	}
	if conn.BackoffMultiplier <= 0 {
		conn.BackoffMultiplier = 2
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}

	var lastErr error
	for attempt := 1; attempt <= conn.MaxRetries; attempt++ {
		attemptOpts := opts
		attemptOpts.Bus = bus
		attemptOpts.Connection = conn
		if opts.SimulateOpenError != nil {
			capturedAttempt := attempt
			attemptOpts.SimulateOpenError = func(int) error { return opts.SimulateOpenError(capturedAttempt) }
		}

		eng, err := Open(attemptOpts)
		if err == nil {
			bus.Emit(events.TopicConnectionEstablished, map[string]any{"attempt": attempt})
			return eng, nil
		}
		lastErr = err
		if attempt < conn.MaxRetries {
			delay := backoffDelay(conn, attempt)
			bus.Emit(events.TopicConnectionRetry, map[string]any{
				"attempt": attempt, "delayMs": delay.Milliseconds(), "error": err.Error(),
			})
			time.Sleep(delay)
		}
	}

	bus.Emit(events.TopicConnectionFailed, map[string]any{"error": lastErr.Error()})

	if !opts.EnableFallback {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, lastErr)
	}

	fb := fallback.New(opts.DataDir, opts.FallbackQuotaBytes, bus)
	info := fb.Init(func() error { return lastErr })
	bus.Emit(events.TopicFallbackActivated, info)

	return newFallbackEngine(opts, bus, fb)
}

func newFallbackEngine(opts Options, bus *events.Bus, fb *fallback.Backend) (*Engine, error) {
	if opts.WriterID == "" {
		opts.WriterID = uuid.NewString()
	}
	ownCoor := opts.Coordinator == nil
	if ownCoor {
		opts.Coordinator = coordinator.NewInProcess()
	}
	if opts.Authority.ExemptStores == nil {
		opts.Authority.ExemptStores = map[string]bool{}
	}

	e := &Engine{
		dir:           opts.DataDir,
		opts:          opts,
		bus:           bus,
		coord:         opts.Coordinator,
		ownCoor:       ownCoor,
		vclock:        clock.New(opts.WriterID),
		stores:        make(map[string]*memStore),
		usingFallback: true,
		fallback:      fb,
		schemaVersion: CurrentSchemaVersion,
	}
	for _, def := range declaredStoresAt(e.schemaVersion) {
		e.stores[def.Name] = &memStore{def: def}
	}
	return e, nil
}

func backoffDelay(conn ConnectionOptions, attempt int) time.Duration {
	ms := float64(conn.BaseDelayMs) * math.Pow(conn.BackoffMultiplier, float64(attempt-1))
	if ms > float64(conn.MaxDelayMs) {
		ms = float64(conn.MaxDelayMs)
	}
	return time.Duration(ms) * time.Millisecond
}

// Close releases the engine's owned coordinator (if any) and marks the
// handle unusable. It never errors on a double Close.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.ownCoor {
		return e.coord.Close()
	}
	return nil
}

func (e *Engine) declaredLocked(store string) (StoreDef, bool) {
	ms, ok := e.stores[store]
	if !ok {
		return StoreDef{}, false
	}
	return ms.def, true
}

// checkWriteAuthorityLocked implements spec.md §4.C write authority:
// returns allowed=false with a nil error when enforcement denies the
// write but strictMode is off ("success-with-no-effect"), and a
// non-nil error only in strict mode.
func (e *Engine) checkWriteAuthorityLocked(store string, bypass bool) (allowed bool, err error) {
	if bypass || !e.opts.Authority.Enforce || e.opts.Authority.ExemptStores[store] {
		return true, nil
	}
	if e.coord == nil || e.coord.IsWriteAllowed() {
		return true, nil
	}
	if e.opts.Authority.StrictMode {
		return false, ErrWriteAuthorityDenied
	}
	return false, nil
}

func (e *Engine) stampLocked(rec map[string]any, skip bool) map[string]any {
	out := deepCloneRecord(rec)
	if skip || out == nil {
		return out
	}
	e.clockMu.Lock()
	state := e.vclock.Tick()
	e.clockMu.Unlock()
	out["writeEpoch"] = state
	out["writerId"] = e.opts.WriterID
	return out
}

func (e *Engine) requestTimeout() time.Duration {
	if e.opts.Request.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(e.opts.Request.TimeoutMs) * time.Millisecond
}

// runTimed wraps fn with the per-request timeout contract: on expiry it
// returns ErrTimeout and fn's eventual result (if it completes later) is
// discarded, matching "only the first terminal event resolves".
func (e *Engine) runTimed(fn func() (any, error)) (any, error) {
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{nil, fmt.Errorf("%w: %v", ErrTransactionAborted, r)}
			}
		}()
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case res := <-ch:
		return res.v, res.err
	case <-time.After(e.requestTimeout()):
		return nil, ErrTimeout
	}
}

func (e *Engine) snapshotPath() string {
	return filepath.Join(e.dir, "kos_snapshot.json")
}

func (e *Engine) persistLocked() error {
	if e.usingFallback {
		return nil
	}
	out := make(map[string]map[string]map[string]any, len(e.stores))
	for name, ms := range e.stores {
		out[name] = ms.records
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("kos: encode snapshot: %w", err)
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return err
	}
	tmp := e.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, e.snapshotPath())
}

func (e *Engine) loadSnapshotLocked() error {
	data, err := os.ReadFile(e.snapshotPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kos: read snapshot: %w", err)
	}
	var raw map[string]map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("kos: decode snapshot: %w", err)
	}
	for name, records := range raw {
		if records == nil {
			records = make(map[string]map[string]any)
		}
		e.stores[name] = &memStore{def: StoreDef{Name: name}, records: records}
	}
	return nil
}

// Stats returns a snapshot of per-store counts, schema version and
// current backend mode.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	mode := "primary"
	counts := make(map[string]int, len(e.stores))
	if e.usingFallback {
		mode = "fallback"
		for name := range e.stores {
			n, _ := e.fallback.Count(name)
			counts[name] = n
		}
	} else {
		for name, ms := range e.stores {
			counts[name] = len(ms.records)
		}
	}

	return Stats{
		SchemaVersion: e.schemaVersion,
		WriterID:      e.opts.WriterID,
		Mode:          mode,
		StoreCounts:   counts,
	}
}
