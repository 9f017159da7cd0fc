// Package lock implements the Lock Service (C2): two named advisory
// locks per skill, OPTIMIZE and REFLECT, with a CAS fencing token and a
// TTL per purpose. It is a thin policy layer over the storage port's
// TryAcquireLock/ReleaseLock primitives (spec.md §4.2).
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/skillopt/skillopt/internal/domain"
	"github.com/skillopt/skillopt/internal/infra/observability"
)

// TTL returns the advisory-lock time-to-live for a purpose: 5 minutes
// for REFLECT, 10 minutes for OPTIMIZE, per spec.md §4.2.
func TTL(purpose domain.LockPurpose) time.Duration {
	switch purpose {
	case domain.LockReflect:
		return 5 * time.Minute
	case domain.LockOptimize:
		return 10 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// Locker wraps a Storage port's CAS lock primitives.
type Locker struct {
	storage domain.Storage
}

// New creates a Locker over the given storage port.
func New(storage domain.Storage) *Locker {
	return &Locker{storage: storage}
}

// Handle is a held lock; the caller MUST call Release exactly once,
// normally in a defer immediately after a successful Acquire, so the
// lock is released on every exit path (spec.md §4.2).
type Handle struct {
	locker  *Locker
	skillID string
	purpose domain.LockPurpose
	token   uint64
}

// Token returns the fencing token this handle holds, for callers that
// persist it alongside completed work in the same CAS as release.
func (h *Handle) Token() uint64 { return h.token }

// Release clears the lock iff the token still matches. A release after
// the TTL has already reassigned the lock elsewhere is a no-op — this
// is intentional: it must never clobber a newer holder.
func (h *Handle) Release(ctx context.Context) error {
	return h.locker.storage.ReleaseLock(ctx, h.skillID, h.purpose, h.token)
}

// Acquire attempts to take the named lock for skillID. Returns
// domain.ErrLockHeld (benign — the caller should simply exit) if
// another holder's TTL has not yet expired.
func (l *Locker) Acquire(ctx context.Context, skillID string, purpose domain.LockPurpose, holder string) (*Handle, error) {
	ttl := TTL(purpose)
	acquired, token, err := l.storage.TryAcquireLock(ctx, skillID, purpose, holder, int64(ttl.Seconds()))
	if err != nil {
		return nil, err
	}
	if !acquired {
		observability.LockContention.WithLabelValues(string(purpose)).Inc()
		return nil, domain.ErrLockHeld
	}
	return &Handle{locker: l, skillID: skillID, purpose: purpose, token: token}, nil
}

// WithLock acquires purpose's lock for skillID, runs fn, and guarantees
// release on every exit path — success, fn error, or panic. This is the
// shape spec.md §4.2 requires: "On fatal error the holder MUST release
// in a guaranteed-on-all-exit-paths block." Returns domain.ErrLockHeld
// without running fn if the lock is currently held elsewhere.
//
// After acquiring, it re-reads the lock row and verifies the fencing
// token it was just handed is still the current one before running fn,
// per spec.md §4.2's "re-read and double-check" requirement. A mismatch
// means another holder raced in between acquire and this check; abort
// without running fn.
func (l *Locker) WithLock(ctx context.Context, skillID string, purpose domain.LockPurpose, holder string, fn func(ctx context.Context, h *Handle) error) error {
	h, err := l.Acquire(ctx, skillID, purpose, holder)
	if err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		observability.LockHoldDuration.WithLabelValues(string(purpose)).Observe(float64(time.Since(start).Milliseconds()))
		h.Release(ctx)
	}()

	current, err := l.storage.GetLock(ctx, skillID, purpose)
	if err != nil {
		return fmt.Errorf("re-verify lock: %w", err)
	}
	if current.FencingToken != h.Token() {
		observability.LockContention.WithLabelValues(string(purpose)).Inc()
		return domain.ErrLockHeld
	}

	return fn(ctx, h)
}
