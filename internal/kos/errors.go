package kos

import "errors"

// Error kinds from spec.md §7, scoped to the primitives KOS itself can
// raise (WAL- and pool-specific kinds live in their own packages).
var (
	// ErrWriteAuthorityDenied is returned in strict mode when a
	// non-exempt write is attempted without write authority.
	ErrWriteAuthorityDenied = errors.New("kos: write authority denied")
	// ErrTimeout is returned when a wrapped request does not complete
	// within its configured timeout. The request itself is not cancelled:
	// it keeps running in the background and may still apply its write
	// after the caller has observed ErrTimeout.
	ErrTimeout = errors.New("kos: request timed out")
	// ErrTransactionAborted is returned when the backend aborts a
	// transaction for a reason other than timeout (constraint failure,
	// explicit abort from a modifier, engine-level abort).
	ErrTransactionAborted = errors.New("kos: transaction aborted")
	// ErrRollbackFailed mirrors fallback.ErrRollbackFailed for callers
	// that only import kos: Transaction wraps a failed fallback rollback
	// in it.
	ErrRollbackFailed = errors.New("kos: fallback rollback failed")
	// ErrConstraintViolation signals a unique-index duplicate.
	ErrConstraintViolation = errors.New("kos: constraint violation")
	// ErrVersionBlocked is published (not returned) when a schema
	// upgrade is blocked by another open handle; kept as a sentinel so
	// callers can match it out of event payloads uniformly.
	ErrVersionBlocked = errors.New("kos: version upgrade blocked by another connection")
	// ErrVersionChange indicates the local handle was closed because a
	// newer schema version was applied elsewhere.
	ErrVersionChange = errors.New("kos: connection closed due to version change")
	// ErrStoreNotDeclared is returned when an operation names a store
	// outside the declared set (spec.md §6.2).
	ErrStoreNotDeclared = errors.New("kos: store not declared")
	// ErrConnectionFailed is the terminal error from OpenWithRetry when
	// every retry attempt failed and no fallback was enabled.
	ErrConnectionFailed = errors.New("kos: connection failed after retries")
)
