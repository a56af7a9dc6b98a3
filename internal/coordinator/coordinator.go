// Package coordinator answers the one question KOS and the WAL consult
// before every write: is this process currently write-authoritative?
//
// In the browser the question is "am I the primary tab"; here a
// process plays the role of a tab and an flock'd lease file plays the
// role of the browser's cross-tab leadership election (BroadcastChannel
// + a leader-election library in the original). Exactly one process can
// hold the lease at a time; everyone else reads freely but may not
// drain the WAL or bypass write-authority checks.
package coordinator

import (
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Coordinator is consulted read-only by KOS and the WAL. It is never
// imported globally; callers receive one through constructor injection.
type Coordinator interface {
	IsPrimary() bool
	IsWriteAllowed() bool
	OnAuthorityChange(cb func(isPrimary bool)) (unsubscribe func())
	Close() error
}

// FileLease arbitrates write authority across cooperating OS processes
// sharing the same lease file path, using an advisory flock. It polls the
// lock at pollInterval because flock has no "notify me when you become
// free" primitive on every platform this module targets.
type FileLease struct {
	mu            sync.Mutex
	lock          *flock.Flock
	isPrimary     bool
	pollInterval  time.Duration
	stop          chan struct{}
	stopped       bool
	subscribers   map[uint64]func(bool)
	nextSubID     uint64
	retryInterval time.Duration
}

const defaultPollInterval = 250 * time.Millisecond

// NewFileLease creates a coordinator that contends for path via an
// advisory file lock. It attempts to acquire the lease immediately and
// then keeps retrying in the background for as long as it doesn't hold
// it, so a non-primary process picks up authority shortly after the
// primary releases it (process exit, explicit Close).
func NewFileLease(path string) (*FileLease, error) {
	fl := &FileLease{
		lock:          flock.New(path),
		pollInterval:  defaultPollInterval,
		stop:          make(chan struct{}),
		subscribers:   make(map[uint64]func(bool)),
		retryInterval: defaultPollInterval,
	}

	ok, err := fl.lock.TryLock()
	if err != nil {
		return nil, err
	}
	fl.isPrimary = ok

	go fl.pollLoop()
	return fl, nil
}

// IsPrimary reports whether this process currently holds the write lease.
func (f *FileLease) IsPrimary() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isPrimary
}

// IsWriteAllowed is currently synonymous with IsPrimary: the lease is the
// sole gate on write authority. It is a distinct method because future
// policies (e.g. a grace period after losing the lease) would diverge
// the two without changing every call site.
func (f *FileLease) IsWriteAllowed() bool {
	return f.IsPrimary()
}

// OnAuthorityChange registers cb to be called whenever primacy flips. It
// returns a function that deregisters cb.
func (f *FileLease) OnAuthorityChange(cb func(isPrimary bool)) func() {
	f.mu.Lock()
	f.nextSubID++
	id := f.nextSubID
	f.subscribers[id] = cb
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subscribers, id)
		f.mu.Unlock()
	}
}

// Close releases the lease (if held) and stops the background poller.
func (f *FileLease) Close() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	close(f.stop)
	return f.lock.Unlock()
}

func (f *FileLease) pollLoop() {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.mu.Lock()
			if f.isPrimary {
				f.mu.Unlock()
				continue
			}
			f.mu.Unlock()

			ok, err := f.lock.TryLock()
			if err != nil || !ok {
				continue
			}

			f.mu.Lock()
			f.isPrimary = true
			cbs := f.snapshotSubscribersLocked()
			f.mu.Unlock()

			for _, cb := range cbs {
				cb(true)
			}
		}
	}
}

func (f *FileLease) snapshotSubscribersLocked() []func(bool) {
	out := make([]func(bool), 0, len(f.subscribers))
	for _, cb := range f.subscribers {
		out = append(out, cb)
	}
	return out
}

// InProcess is a trivial single-process coordinator: it is always
// primary. Useful for embedding the engine in a process that never
// shares its data directory with another writer, and for tests.
type InProcess struct {
	mu          sync.Mutex
	primary     bool
	subscribers map[uint64]func(bool)
	nextSubID   uint64
}

// NewInProcess creates a coordinator that is primary until SetPrimary(false)
// is called.
func NewInProcess() *InProcess {
	return &InProcess{primary: true, subscribers: make(map[uint64]func(bool))}
}

func (p *InProcess) IsPrimary() bool      { p.mu.Lock(); defer p.mu.Unlock(); return p.primary }
func (p *InProcess) IsWriteAllowed() bool { return p.IsPrimary() }

// SetPrimary flips authority and notifies subscribers, for tests that
// simulate losing or gaining write authority.
func (p *InProcess) SetPrimary(primary bool) {
	p.mu.Lock()
	if p.primary == primary {
		p.mu.Unlock()
		return
	}
	p.primary = primary
	cbs := make([]func(bool), 0, len(p.subscribers))
	for _, cb := range p.subscribers {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(primary)
	}
}

func (p *InProcess) OnAuthorityChange(cb func(isPrimary bool)) func() {
	p.mu.Lock()
	p.nextSubID++
	id := p.nextSubID
	p.subscribers[id] = cb
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
}

func (p *InProcess) Close() error { return nil }
