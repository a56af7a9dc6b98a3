package kos

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/rhinos0608/kvengine/internal/fallback"
)

// whitelistedFallbackIndexes mirrors spec.md §4.C: "Fallback performs
// in-memory sort by a whitelisted attribute".
var whitelistedFallbackIndexes = map[string]bool{
	"updatedAt": true, "timestamp": true, "startDate": true,
}

// Put stores value in store, stamping writeEpoch/writerId unless
// SkipWriteEpoch is set, and returns the record's key (minted via uuid
// if value carries none).
func (e *Engine) Put(store string, value map[string]any, opts PutOptions) (string, error) {
	v, err := e.runTimed(func() (any, error) { return e.putLocked(store, value, opts) })
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *Engine) putLocked(store string, value map[string]any, opts PutOptions) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.declaredLocked(store)
	if !ok {
		return "", ErrStoreNotDeclared
	}

	allowed, err := e.checkWriteAuthorityLocked(store, opts.BypassAuthority)
	if err != nil {
		return "", err
	}

	key, hasKey := recordKey(def, value)
	if !hasKey {
		key = uuid.NewString()
		value = deepCloneRecord(value)
		value[def.KeyField] = key
	}
	if !allowed {
		return key, nil // success-with-no-effect
	}

	stamped := e.stampLocked(value, opts.SkipWriteEpoch)

	if e.usingFallback {
		if err := e.fallback.Put(store, key, stamped); err != nil {
			return "", err
		}
		return key, nil
	}

	ms := e.stores[store]
	if err := checkUniqueIndexesLocked(def, ms, key, stamped); err != nil {
		return "", err
	}
	ms.records[key] = stamped
	if err := e.persistLocked(); err != nil {
		return "", err
	}
	return key, nil
}

// Get returns the record stored under key in store, if any.
func (e *Engine) Get(store, key string) (map[string]any, bool, error) {
	v, err := e.runTimed(func() (any, error) { return e.getLocked(store, key) })
	if err != nil {
		return nil, false, err
	}
	pair := v.([2]any)
	rec, _ := pair[0].(map[string]any)
	return rec, pair[1].(bool), nil
}

func (e *Engine) getLocked(store, key string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.declaredLocked(store); !ok {
		return [2]any{nil, false}, ErrStoreNotDeclared
	}

	if e.usingFallback {
		rec, ok, err := e.fallback.Get(store, key)
		if err != nil {
			return [2]any{nil, false}, err
		}
		return [2]any{rec, ok}, nil
	}

	ms := e.stores[store]
	rec, ok := ms.records[key]
	if !ok {
		return [2]any{nil, false}, nil
	}
	return [2]any{deepCloneRecord(rec), true}, nil
}

// GetAll returns every record in store, in unspecified order.
func (e *Engine) GetAll(store string) ([]map[string]any, error) {
	v, err := e.runTimed(func() (any, error) { return e.getAllLocked(store) })
	if err != nil {
		return nil, err
	}
	return v.([]map[string]any), nil
}

func (e *Engine) getAllLocked(store string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.declaredLocked(store); !ok {
		return nil, ErrStoreNotDeclared
	}
	if e.usingFallback {
		return e.fallback.GetAll(store)
	}
	ms := e.stores[store]
	out := make([]map[string]any, 0, len(ms.records))
	for _, rec := range ms.records {
		out = append(out, deepCloneRecord(rec))
	}
	return out, nil
}

// Delete removes key from store. Authority-checked.
func (e *Engine) Delete(store, key string) error {
	_, err := e.runTimed(func() (any, error) { return nil, e.deleteLocked(store, key) })
	return err
}

func (e *Engine) deleteLocked(store, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.declaredLocked(store); !ok {
		return ErrStoreNotDeclared
	}
	allowed, err := e.checkWriteAuthorityLocked(store, false)
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}

	if e.usingFallback {
		return e.fallback.Delete(store, key)
	}

	ms := e.stores[store]
	delete(ms.records, key)
	return e.persistLocked()
}

// Clear removes every record from store. Authority-checked.
func (e *Engine) Clear(store string) error {
	_, err := e.runTimed(func() (any, error) { return nil, e.clearLocked(store) })
	return err
}

func (e *Engine) clearLocked(store string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.declaredLocked(store); !ok {
		return ErrStoreNotDeclared
	}
	allowed, err := e.checkWriteAuthorityLocked(store, false)
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}

	if e.usingFallback {
		return e.fallback.Clear(store)
	}

	ms := e.stores[store]
	ms.records = make(map[string]map[string]any)
	return e.persistLocked()
}

// Count returns the number of records currently in store.
func (e *Engine) Count(store string) (int, error) {
	v, err := e.runTimed(func() (any, error) { return e.countLocked(store) })
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (e *Engine) countLocked(store string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.declaredLocked(store); !ok {
		return 0, ErrStoreNotDeclared
	}
	if e.usingFallback {
		return e.fallback.Count(store)
	}
	return len(e.stores[store].records), nil
}

// GetAllByIndex returns store's records sorted by index in direction.
// On the primary backend the index must be declared on the store; in
// fallback mode only the whitelisted attributes are supported.
func (e *Engine) GetAllByIndex(store, index string, direction Direction) ([]map[string]any, error) {
	v, err := e.runTimed(func() (any, error) { return e.getAllByIndexLocked(store, index, direction) })
	if err != nil {
		return nil, err
	}
	return v.([]map[string]any), nil
}

func (e *Engine) getAllByIndexLocked(store, index string, direction Direction) (any, error) {
	e.mu.Lock()
	def, ok := e.declaredLocked(store)
	usingFallback := e.usingFallback
	e.mu.Unlock()

	if !ok {
		return nil, ErrStoreNotDeclared
	}

	var all []map[string]any
	var err error
	if usingFallback {
		if !whitelistedFallbackIndexes[index] {
			return nil, fmt.Errorf("kos: index %q unsupported in fallback mode", index)
		}
		all, err = e.fallback.GetAll(store)
	} else {
		if _, has := def.hasIndex(index); !has {
			return nil, fmt.Errorf("kos: index %q not declared on store %q", index, store)
		}
		v, gerr := e.getAllLocked(store)
		if gerr != nil {
			return nil, gerr
		}
		all = v.([]map[string]any)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool {
		cmp := compareFieldValues(all[i][index], all[j][index])
		if direction == Descending {
			return cmp > 0
		}
		return cmp < 0
	})
	return all, nil
}

// AtomicUpdate opens key in store, deep-clones the existing value (nil
// if absent), invokes modifier, and stores the stamped result. If
// modifier returns an error (or panics) the update is aborted: nothing
// is persisted and the error is surfaced (spec.md scenario 4).
func (e *Engine) AtomicUpdate(store, key string, modifier func(existing map[string]any, found bool) (map[string]any, error)) (map[string]any, error) {
	v, err := e.runTimed(func() (any, error) { return e.atomicUpdateLocked(store, key, modifier) })
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func (e *Engine) atomicUpdateLocked(store, key string, modifier func(existing map[string]any, found bool) (map[string]any, error)) (result any, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.declaredLocked(store)
	if !ok {
		return map[string]any(nil), ErrStoreNotDeclared
	}
	allowed, err := e.checkWriteAuthorityLocked(store, false)
	if err != nil {
		return map[string]any(nil), err
	}

	var existing map[string]any
	var found bool
	if e.usingFallback {
		existing, found, err = e.fallback.Get(store, key)
		if err != nil {
			return map[string]any(nil), err
		}
	} else {
		rec, ok := e.stores[store].records[key]
		if ok {
			existing = deepCloneRecord(rec)
			found = true
		}
	}
	if !allowed {
		return existing, nil
	}

	newVal, modErr := invokeModifier(modifier, existing, found)
	if modErr != nil {
		return map[string]any(nil), modErr
	}

	stamped := e.stampLocked(newVal, false)

	if e.usingFallback {
		if err := e.fallback.Put(store, key, stamped); err != nil {
			return map[string]any(nil), err
		}
		return stamped, nil
	}

	ms := e.stores[store]
	if err := checkUniqueIndexesLocked(def, ms, key, stamped); err != nil {
		return map[string]any(nil), err
	}
	ms.records[key] = stamped
	if err := e.persistLocked(); err != nil {
		return map[string]any(nil), err
	}
	return stamped, nil
}

func invokeModifier(modifier func(existing map[string]any, found bool) (map[string]any, error), existing map[string]any, found bool) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: modifier panic: %v", ErrTransactionAborted, r)
		}
	}()
	return modifier(existing, found)
}

// Transaction runs operations against store through a Tx handle. On the
// primary backend, operations are staged against a scratch copy of the
// store's record map and only merged in on a nil return (real
// atomicity: a returning error leaves the live store untouched). In
// fallback mode it defers to fallback.Backend.RunTransaction's
// snapshot/rollback primitive, which is explicitly best-effort and
// non-isolated (spec.md §9 open question).
func (e *Engine) Transaction(store string, mode TxMode, operations func(tx *Tx) error) error {
	_, err := e.runTimed(func() (any, error) { return nil, e.transactionLocked(store, mode, operations) })
	return err
}

func (e *Engine) transactionLocked(store string, mode TxMode, operations func(tx *Tx) error) error {
	e.mu.Lock()
	_, ok := e.declaredLocked(store)
	if !ok {
		e.mu.Unlock()
		return ErrStoreNotDeclared
	}
	if mode == TxReadWrite {
		allowed, err := e.checkWriteAuthorityLocked(store, false)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		if !allowed {
			e.mu.Unlock()
			return nil
		}
	}

	if e.usingFallback {
		fb := e.fallback
		e.mu.Unlock()
		txErr := fb.RunTransaction(store, func() error {
			tx := &Tx{
				getFn:    func(key string) (map[string]any, bool, error) { return fb.Get(store, key) },
				getAllFn: func() ([]map[string]any, error) { return fb.GetAll(store) },
				putFn: func(key string, value map[string]any) error {
					e.mu.Lock()
					stamped := e.stampLocked(value, false)
					e.mu.Unlock()
					return fb.Put(store, key, stamped)
				},
				deleteFn: func(key string) error { return fb.Delete(store, key) },
			}
			return operations(tx)
		})
		if errors.Is(txErr, fallback.ErrRollbackFailed) {
			return fmt.Errorf("%w: %w", ErrRollbackFailed, txErr)
		}
		return txErr
	}

	ms := e.stores[store]
	def := ms.def
	scratch := make(map[string]map[string]any, len(ms.records))
	for k, v := range ms.records {
		scratch[k] = deepCloneRecord(v)
	}
	e.mu.Unlock()

	tx := &Tx{
		getFn: func(key string) (map[string]any, bool, error) {
			rec, ok := scratch[key]
			if !ok {
				return nil, false, nil
			}
			return deepCloneRecord(rec), true, nil
		},
		getAllFn: func() ([]map[string]any, error) {
			out := make([]map[string]any, 0, len(scratch))
			for _, rec := range scratch {
				out = append(out, deepCloneRecord(rec))
			}
			return out, nil
		},
		putFn: func(key string, value map[string]any) error {
			e.clockMu.Lock()
			state := e.vclock.Tick()
			e.clockMu.Unlock()
			stamped := deepCloneRecord(value)
			stamped["writeEpoch"] = state
			stamped["writerId"] = e.opts.WriterID
			scratch[key] = stamped
			return nil
		},
		deleteFn: func(key string) error { delete(scratch, key); return nil },
	}

	if err := operations(tx); err != nil {
		return err // scratch discarded; live store never touched
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := checkUniqueIndexesOverSetLocked(def, scratch); err != nil {
		return err
	}
	ms.records = scratch
	return e.persistLocked()
}

func checkUniqueIndexesLocked(def StoreDef, ms *memStore, key string, rec map[string]any) error {
	for _, idx := range def.Indexes {
		if !idx.Unique {
			continue
		}
		val, ok := rec[idx.Name]
		if !ok {
			continue
		}
		for otherKey, other := range ms.records {
			if otherKey == key {
				continue
			}
			if ov, ok := other[idx.Name]; ok && fmt.Sprint(ov) == fmt.Sprint(val) {
				return fmt.Errorf("%w: unique index %q", ErrConstraintViolation, idx.Name)
			}
		}
	}
	return nil
}

func checkUniqueIndexesOverSetLocked(def StoreDef, records map[string]map[string]any) error {
	for _, idx := range def.Indexes {
		if !idx.Unique {
			continue
		}
		seen := make(map[string]string)
		for key, rec := range records {
			val, ok := rec[idx.Name]
			if !ok {
				continue
			}
			s := fmt.Sprint(val)
			if otherKey, exists := seen[s]; exists && otherKey != key {
				return fmt.Errorf("%w: unique index %q", ErrConstraintViolation, idx.Name)
			}
			seen[s] = key
		}
	}
	return nil
}

// compareFieldValues orders two index values for getAllByIndex, handling
// the shapes JSON decoding actually produces (float64, string, bool) plus
// nil-sorts-first.
func compareFieldValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case bool:
		if bv, ok := b.(bool); ok {
			if av == bv {
				return 0
			}
			if !av {
				return -1
			}
			return 1
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
