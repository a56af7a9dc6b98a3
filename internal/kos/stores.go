package kos

import (
	"fmt"
	"time"
)

// IndexDef is a named secondary access path over a store (spec.md §3
// "Index"). Unique indexes reject a second record with the same index
// value; non-unique indexes only affect getAllByIndex ordering.
type IndexDef struct {
	Name   string
	Unique bool
}

// StoreDef declares one logical store: its primary-key field and the
// indexes available for getAllByIndex.
type StoreDef struct {
	Name     string
	KeyField string
	Indexes  []IndexDef
}

func (d StoreDef) hasIndex(name string) (IndexDef, bool) {
	for _, idx := range d.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDef{}, false
}

// migrationStep is one `v -> v+1` schema step (spec.md §4.C). Each step
// only ever adds stores or indexes; it never removes, matching I6
// (schema monotonicity).
type migrationStep struct {
	targetVersion int
	declare       []StoreDef
}

// migrations reproduces the union over all migration steps required by
// spec.md §6.2's declared-store table, including the one index
// (chunks.streamId) the table calls out as added at v7. declaredStoresAt
// folds the accumulated declarations from every step whose target is
// <= the schema version being opened at, so opening at the current
// version always yields exactly the §6.2 table.
var migrations = []migrationStep{
	{targetVersion: 1, declare: []StoreDef{
		{Name: "streams", KeyField: "id"},
		{Name: "embeddings", KeyField: "id"},
		{Name: "personality", KeyField: "id"},
		{Name: "settings", KeyField: "key"},
	}},
	{targetVersion: 2, declare: []StoreDef{
		{Name: "chunks", KeyField: "id", Indexes: []IndexDef{{Name: "type"}, {Name: "startDate"}}},
		{Name: "config", KeyField: "key"},
		{Name: "tokens", KeyField: "key"},
	}},
	{targetVersion: 3, declare: []StoreDef{
		{Name: "chat_sessions", KeyField: "id", Indexes: []IndexDef{{Name: "updatedAt"}}},
		{Name: "migration", KeyField: "id"},
	}},
	{targetVersion: 4, declare: []StoreDef{
		{Name: "event_log", KeyField: "id", Indexes: []IndexDef{
			{Name: "sequenceNumber", Unique: true}, {Name: "type"}, {Name: "timestamp"},
		}},
		{Name: "event_checkpoint", KeyField: "id", Indexes: []IndexDef{{Name: "sequenceNumber", Unique: true}}},
	}},
	{targetVersion: 5, declare: []StoreDef{
		{Name: "demo_streams", KeyField: "id", Indexes: []IndexDef{{Name: "timestamp"}, {Name: "type"}}},
		{Name: "demo_patterns", KeyField: "id", Indexes: []IndexDef{{Name: "timestamp"}}},
		{Name: "demo_personality", KeyField: "id"},
	}},
	{targetVersion: 6, declare: []StoreDef{
		{Name: "transaction_journal", KeyField: "id", Indexes: []IndexDef{{Name: "journalTime"}}},
		{Name: "transaction_compensation", KeyField: "id", Indexes: []IndexDef{{Name: "timestamp"}, {Name: "resolved"}}},
	}},
	{targetVersion: 7, declare: []StoreDef{
		// chunks already exists; re-declaring it here adds the streamId
		// index the §6.2 table calls out as introduced at v7, the one
		// case spec.md §4.C permits: "each migration step ... may create
		// stores, add indexes".
		{Name: "chunks", KeyField: "id", Indexes: []IndexDef{
			{Name: "type"}, {Name: "startDate"}, {Name: "streamId"},
		}},
	}},
}

// CurrentSchemaVersion is the schema version a fresh Open targets.
const CurrentSchemaVersion = 7

// declaredStoresAt folds every migration step with targetVersion <= version
// into one declared-store set, later declarations of the same store name
// overriding earlier ones (this is how the chunks.streamId index "arrives
// at v7" while keeping the store's earlier type/startDate indexes).
func declaredStoresAt(version int) map[string]StoreDef {
	out := make(map[string]StoreDef)
	for _, step := range migrations {
		if step.targetVersion > version {
			continue
		}
		for _, def := range step.declare {
			out[def.Name] = def
		}
	}
	return out
}

// runMigrations applies every step with targetVersion in (from, to] in
// order, recording each applied step as a record in the "migration"
// store so a reopen can see migration history. It never removes a
// store or index already present (I6).
func (e *Engine) runMigrations(from, to int) error {
	applied := make([]int, 0)
	for _, step := range migrations {
		if step.targetVersion <= from || step.targetVersion > to {
			continue
		}
		for _, def := range step.declare {
			e.ensureStoreLocked(def)
		}
		applied = append(applied, step.targetVersion)
	}

	// migration store may not exist yet on a brand-new database (it is
	// declared at step 3); guard so v1/v2-only opens don't panic.
	if ms, ok := e.stores["migration"]; ok {
		for _, v := range applied {
			rec := map[string]any{"id": fmt.Sprintf("v%d", v), "version": v, "appliedAt": time.Now().UTC()}
			ms.records[rec["id"].(string)] = rec
		}
	}
	return e.ensureStoresLocked()
}

// ensureStoresLocked is the safety-net store-creator spec.md §4.C
// requires to run after migrations: any store declared at the target
// schema version but still missing (e.g. a fresh open that skipped
// straight to the latest version) is created empty.
func (e *Engine) ensureStoresLocked() error {
	for _, def := range declaredStoresAt(e.schemaVersion) {
		e.ensureStoreLocked(def)
	}
	return nil
}

func (e *Engine) ensureStoreLocked(def StoreDef) {
	existing, ok := e.stores[def.Name]
	if !ok {
		e.stores[def.Name] = &memStore{def: def, records: make(map[string]map[string]any)}
		return
	}
	// def (the declared step) is authoritative for Name/KeyField: a store
	// loaded from the on-disk snapshot only knows its name
	// (loadSnapshotLocked has no schema to consult), so existing.def.KeyField
	// may be empty and must not win the merge. Indexes merge in both
	// directions so an already-present index survives even if a later
	// migration step re-declares the store without repeating it.
	merged := def
	for _, idx := range existing.def.Indexes {
		if _, has := merged.hasIndex(idx.Name); !has {
			merged.Indexes = append(merged.Indexes, idx)
		}
	}
	existing.def = merged
}

type memStore struct {
	def     StoreDef
	records map[string]map[string]any
}
