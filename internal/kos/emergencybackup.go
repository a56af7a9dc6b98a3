package kos

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// emergencyBackupMaxAge is spec.md §6.1: records older than this are
// discarded at load rather than surfaced to a caller expecting a fresh
// session recovery.
const emergencyBackupMaxAge = time.Hour

// emergencyBackupMaxMessages caps the retained prefix (spec.md §6.1:
// "messages[<=100 most recent]").
const emergencyBackupMaxMessages = 100

// EmergencyBackup is the on-disk shape of the single namespaced
// emergency-backup key (spec.md §6.1), kept outside the declared-store
// set (§6.2) since it is a singleton slot, not a keyed collection.
type EmergencyBackup struct {
	SessionID string           `json:"sessionId"`
	CreatedAt time.Time        `json:"createdAt"`
	Messages  []map[string]any `json:"messages"`
	Timestamp time.Time        `json:"timestamp"`
}

func (e *Engine) emergencyBackupPath() string {
	return filepath.Join(e.dir, "emergency_backup.json")
}

// SaveEmergencyBackup persists the last <=100 messages for sessionID.
// Only the write-authoritative process may call this meaningfully: a
// non-authoritative caller in non-strict mode gets a silent no-op,
// matching every other KOS write.
func (e *Engine) SaveEmergencyBackup(sessionID string, messages []map[string]any) error {
	_, err := e.runTimed(func() (any, error) { return nil, e.saveEmergencyBackupLocked(sessionID, messages) })
	return err
}

func (e *Engine) saveEmergencyBackupLocked(sessionID string, messages []map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	allowed, err := e.checkWriteAuthorityLocked("emergency_backup", false)
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}

	if len(messages) > emergencyBackupMaxMessages {
		messages = messages[len(messages)-emergencyBackupMaxMessages:]
	}
	now := time.Now().UTC()
	backup := EmergencyBackup{
		SessionID: sessionID,
		CreatedAt: now,
		Messages:  messages,
		Timestamp: now,
	}
	data, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("kos: encode emergency backup: %w", err)
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return err
	}
	tmp := e.emergencyBackupPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, e.emergencyBackupPath())
}

// LoadEmergencyBackup reads the emergency backup, if any. Invalid JSON
// or a record older than one hour is discarded (returns ok=false, no
// error) rather than surfaced, matching spec.md §6.1 and P8.
func (e *Engine) LoadEmergencyBackup() (*EmergencyBackup, bool, error) {
	v, err := e.runTimed(func() (any, error) { return e.loadEmergencyBackupLocked() })
	if err != nil {
		return nil, false, err
	}
	pair := v.([2]any)
	if pair[0] == nil {
		return nil, false, nil
	}
	return pair[0].(*EmergencyBackup), true, nil
}

func (e *Engine) loadEmergencyBackupLocked() (any, error) {
	e.mu.Lock()
	path := e.emergencyBackupPath()
	e.mu.Unlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return [2]any{nil, false}, nil
	}
	if err != nil {
		return [2]any{nil, false}, err
	}

	var backup EmergencyBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		return [2]any{nil, false}, nil // invalid JSON: discarded, not an error
	}
	if time.Since(backup.Timestamp) > emergencyBackupMaxAge {
		return [2]any{nil, false}, nil
	}
	return [2]any{&backup, true}, nil
}
