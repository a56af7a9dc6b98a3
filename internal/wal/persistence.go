package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Three namespaced files mirror spec.md §4.D's three keys (WAL,
// WAL_SEQ, WAL_RESULTS) — the same "one flat file per namespaced key"
// shape internal/fallback uses for localStorage, since the WAL must
// persist independently of whether KOS itself is reachable.
const (
	entriesFile = "wal_entries.json"
	seqFile     = "wal_seq.json"
	resultsFile = "wal_results.json"
)

func (w *WAL) entriesPath() string { return filepath.Join(w.dir, entriesFile) }
func (w *WAL) seqPath() string     { return filepath.Join(w.dir, seqFile) }
func (w *WAL) resultsPath() string { return filepath.Join(w.dir, resultsFile) }

func atomicWriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wal: encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// persistEntriesLocked writes the newest MaxSize entries in insertion
// order, trimming the oldest first. Entries of every status count
// toward MaxSize; committed entries are not set aside.
func (w *WAL) persistEntriesLocked() error {
	entries := w.entries
	if len(entries) > w.opts.MaxSize {
		entries = entries[len(entries)-w.opts.MaxSize:]
	}
	if err := atomicWriteJSON(w.entriesPath(), entries); err != nil {
		return err
	}
	return atomicWriteJSON(w.seqPath(), w.seq)
}

func (w *WAL) persistResultsLocked() error {
	results := make([]Result, 0)
	w.results.Range(func(_ string, v interface{}) bool {
		if r, ok := v.(Result); ok {
			results = append(results, r)
		}
		return true
	})
	return atomicWriteJSON(w.resultsPath(), results)
}

func (w *WAL) loadLocked() error {
	if err := loadJSON(w.entriesPath(), &w.entries); err != nil {
		return err
	}
	var seq uint64
	if err := loadJSON(w.seqPath(), &seq); err != nil {
		return err
	}
	w.seq = seq

	var results []Result
	if err := loadJSON(w.resultsPath(), &results); err != nil {
		return err
	}
	maxAge := time.Duration(w.opts.ResultsMaxAgeMs) * time.Millisecond
	for _, r := range results {
		if time.Since(r.CompletedAt) > maxAge {
			continue
		}
		w.results.Store(r.EntryID, r)
	}
	return nil
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
