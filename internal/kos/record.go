package kos

import (
	"encoding/json"
	"maps"
)

// deepCloneRecord round-trips rec through JSON so values handed to a
// user-supplied atomicUpdate modifier (or captured for a transaction
// rollback) can never alias the stored record. A JSON round-trip is the
// deep-copy boundary spec.md §9 calls for: it preserves date/time values
// (encoded as RFC3339 strings) and explicit nulls.
func deepCloneRecord(rec map[string]any) map[string]any {
	if rec == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		out := make(map[string]any, len(rec))
		maps.Copy(out, rec)
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		out = make(map[string]any, len(rec))
		maps.Copy(out, rec)
	}
	return out
}

func recordKey(def StoreDef, rec map[string]any) (string, bool) {
	v, ok := rec[def.KeyField]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
