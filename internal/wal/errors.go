package wal

import "errors"

var (
	// ErrOpNotRegistered is returned by QueueWrite when no RegisterOp
	// call declared the named operation.
	ErrOpNotRegistered = errors.New("wal: operation not registered")
	// ErrOpNotReplaySafe is returned at registration time (spec.md §9
	// open question: unreviewed add-shaped ops are a startup-time error,
	// not a silent correctness bug) when an op is registered without
	// declaring itself replay-safe or naming an idempotent alias.
	ErrOpNotReplaySafe = errors.New("wal: operation must declare ReplaySafe or an IdempotentAlias")
	// ErrPoolTerminated mirrors the worker-pool interface's terminal
	// error for symmetry. No WAL method returns it: Close leaves pending
	// entries on disk for the next replay and returns nil.
	ErrPoolTerminated = errors.New("wal: closed while entries pending")
)
