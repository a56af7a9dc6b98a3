package kos

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P8: emergency backup round-trip restores an equivalent messages
// prefix when the write is within the 1h window.
func TestEmergencyBackupRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	msgs := []map[string]any{{"role": "user", "text": "hi"}, {"role": "assistant", "text": "hello"}}

	require.NoError(t, e.SaveEmergencyBackup("sess-1", msgs))

	got, ok, err := e.LoadEmergencyBackup()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess-1", got.SessionID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hi", got.Messages[0]["text"])
}

func TestEmergencyBackupTruncatesToLast100(t *testing.T) {
	e := newTestEngine(t)
	msgs := make([]map[string]any, 150)
	for i := range msgs {
		msgs[i] = map[string]any{"i": float64(i)}
	}
	require.NoError(t, e.SaveEmergencyBackup("sess-2", msgs))

	got, ok, err := e.LoadEmergencyBackup()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Messages, 100)
	assert.Equal(t, float64(50), got.Messages[0]["i"], "must keep the most recent 100")
}

func TestEmergencyBackupDiscardedAfterOneHour(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SaveEmergencyBackup("sess-3", nil))

	// Rewrite the file with a timestamp two hours old, past the 1h window.
	backup := EmergencyBackup{SessionID: "sess-3", Timestamp: time.Now().UTC().Add(-2 * time.Hour)}
	rewritten, err := json.Marshal(backup)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(e.emergencyBackupPath(), rewritten, 0o644))

	_, ok, err := e.LoadEmergencyBackup()
	require.NoError(t, err)
	assert.False(t, ok, "backup older than 1h must be discarded at load")
}

func TestEmergencyBackupDiscardsInvalidJSON(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, os.MkdirAll(e.dir, 0o755))
	require.NoError(t, os.WriteFile(e.emergencyBackupPath(), []byte("not json"), 0o644))

	_, ok, err := e.LoadEmergencyBackup()
	require.NoError(t, err)
	assert.False(t, ok)
}
