// Package wal implements the durable, prioritized, crash-recoverable
// write-ahead queue: writes are deferred while a precondition (e.g. "can
// the system encrypt right now") is false, survive a crash between
// enqueue and apply, and preserve (priority, sequence) ordering across
// reloads and cooperating processes.
package wal

import (
	"encoding/json"
	"time"
)

// Priority orders drain order: critical < high < normal < low.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Status is an entry's mutable lifecycle state (spec.md §3).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCommitted  Status = "committed"
	StatusFailed     Status = "failed"
)

// Entry is the durable, immutable-header record spec.md §3 describes.
// In-process completion handles (the waiter channel) are transient and
// never serialized; see WAL.waiters.
type Entry struct {
	ID          string          `json:"id"`
	Sequence    uint64          `json:"sequence"`
	Operation   string          `json:"operation"`
	Args        json.RawMessage `json:"args"`
	Priority    Priority        `json:"priority"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error,omitempty"`
	Status      Status          `json:"status"`
}

// Result is a WAL_RESULTS record, retained outside process memory for a
// bounded recency window so callers can look up an outcome by entryId
// after a crash (spec.md §3 "WAL result").
type Result struct {
	EntryID     string          `json:"entryId"`
	Success     bool            `json:"success"`
	Value       json.RawMessage `json:"value,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
}

// drainOrder implements (priority, sequence) lexicographic order (I3,
// P4): lower Priority constant value drains first, ties broken by
// ascending sequence.
func drainOrder(a, b *Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Sequence < b.Sequence
}
