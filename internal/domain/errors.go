package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. The taxonomy
// below follows the error-handling design in spec.md §7.

var (
	// ErrStorageUnavailable means the storage port could not be reached.
	// C5 fails the request; C6/C7/C8 abort and release their locks and
	// are retried by the next trigger.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflictingUpdate means a compare-and-swap write lost a race.
	// Retried up to 3 times with exponential backoff by the caller;
	// on exhaustion C6 drops the reward and C7/C8 abort and release.
	ErrConflictingUpdate = errors.New("conflicting update")

	// ErrLockHeld is benign: the calling controller simply exits.
	ErrLockHeld = errors.New("lock held by another holder")

	// ErrUpstreamFailure is an LLM provider 5xx/timeout/network error.
	// Surfaced to the caller; no stat update; no log persisted.
	ErrUpstreamFailure = errors.New("upstream LLM failure")
)

// ValidationError rejects out-of-range skill configuration at the edge.
// It never reaches C3/C4/C7/C8.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// JudgeFailure wraps a judge-LLM error that survived retries. Per §4.6
// and §7, a JudgeFailure still produces a degraded score so it doesn't
// stall learning; it is never silently swallowed.
type JudgeFailure struct {
	Method string
	Cause  error
}

func (e *JudgeFailure) Error() string {
	return fmt.Sprintf("judge failure (%s): %v", e.Method, e.Cause)
}

func (e *JudgeFailure) Unwrap() error { return e.Cause }
