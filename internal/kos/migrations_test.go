package kos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reproduces the full spec.md §6.2 declared-store table, including the
// chunks.streamId index arriving at v7.
func TestDeclaredStoresAtCurrentVersionMatchesTable(t *testing.T) {
	declared := declaredStoresAt(CurrentSchemaVersion)

	want := map[string]string{
		"streams": "id", "chunks": "id", "embeddings": "id", "personality": "id",
		"settings": "key", "chat_sessions": "id", "config": "key", "tokens": "key",
		"migration": "id", "event_log": "id", "event_checkpoint": "id",
		"demo_streams": "id", "demo_patterns": "id", "demo_personality": "id",
		"transaction_journal": "id", "transaction_compensation": "id",
	}
	require.Len(t, declared, len(want))
	for name, keyField := range want {
		def, ok := declared[name]
		require.True(t, ok, "store %q must be declared", name)
		assert.Equal(t, keyField, def.KeyField, "store %q key field", name)
	}

	chunks := declared["chunks"]
	names := make([]string, 0, len(chunks.Indexes))
	for _, idx := range chunks.Indexes {
		names = append(names, idx.Name)
	}
	assert.ElementsMatch(t, []string{"type", "startDate", "streamId"}, names)
}

func TestOpenCreatesDeclaredStoresEmpty(t *testing.T) {
	opts := DefaultOptions(t.TempDir())
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	n, err := e.Count("settings")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = e.Count("not-a-real-store")
	assert.ErrorIs(t, err, ErrStoreNotDeclared)
}

func TestReopenPreservesRecordsAndSchema(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.Authority.Enforce = false

	e1, err := Open(opts)
	require.NoError(t, err)
	_, err = e1.Put("settings", map[string]any{"key": "a", "v": 1.0}, PutOptions{})
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()

	got, ok, err := e2.Get("settings", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, got["v"])
}

// Regression: a store's KeyField must survive a restart. Before the
// fix, reopening an existing database reloaded each store with a bare
// StoreDef{Name: name} (no KeyField), and ensureStoreLocked's merge kept
// that empty KeyField instead of restoring it from the declared schema —
// so a Put after reopen treated every record as keyless, minted a random
// uuid, and stored it under value[""] rather than value["id"].
func TestReopenPreservesKeyFieldForNewPuts(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.Authority.Enforce = false

	e1, err := Open(opts)
	require.NoError(t, err)
	_, err = e1.Put("streams", map[string]any{"id": "s1", "name": "first"}, PutOptions{})
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()

	key, err := e2.Put("streams", map[string]any{"id": "s2", "name": "second"}, PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, "s2", key, "streams is keyed by its declared id field, not a minted uuid")

	got, ok, err := e2.Get("streams", "s2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s2", got["id"])

	all, err := e2.GetAll("streams")
	require.NoError(t, err)
	assert.Len(t, all, 2, "both the pre- and post-reopen records must be addressable by their declared key")
}
