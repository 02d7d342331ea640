// Package apperrors defines the error taxonomy shared across the sync
// engine. Sentinels are matched with errors.Is so call sites can wrap
// them with context.
package apperrors

import "errors"

// Cycle-fatal errors. A cycle hitting one of these aborts immediately.
var (
	// ErrAuth means the remote rejected our credentials. Never retried;
	// automatic cycles are suppressed until a manual trigger succeeds.
	ErrAuth = errors.New("authentication rejected by remote")

	// ErrStorage means a snapshot read or write failed. On write failure
	// the previous snapshot remains authoritative.
	ErrStorage = errors.New("snapshot store failure")
)

// Entity-level errors. Aggregated into the cycle result, never fatal on
// their own.
var (
	// ErrRemoteUnavailable means a call exhausted its retry budget.
	ErrRemoteUnavailable = errors.New("remote unavailable after retries")

	// ErrProtocol means the remote returned a payload that does not match
	// the expected shape. The offending entity is skipped.
	ErrProtocol = errors.New("malformed remote response")
)
