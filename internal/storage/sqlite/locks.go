package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/skillopt/skillopt/internal/domain"
)

// TryAcquireLock implements the CAS/fencing-token lock contract of
// spec.md §4.1/§4.2: acquire fails if the lock is held by another
// holder whose TTL has not yet expired. On success the fencing token
// is incremented monotonically and must be held across the critical
// section and presented again to ReleaseLock.
func (db *DB) TryAcquireLock(ctx context.Context, skillID string, purpose domain.LockPurpose, holder string, ttlSeconds int64) (bool, uint64, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("%w: begin lock tx: %v", domain.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO locks (skill_id, purpose, fencing_token, acquired_at, holder)
		VALUES (?, ?, 0, NULL, '')
	`, skillID, string(purpose)); err != nil {
		return false, 0, fmt.Errorf("%w: seed lock row: %v", domain.ErrStorageUnavailable, err)
	}

	var currentToken uint64
	var acquiredAt sql.NullString
	if err := tx.QueryRowContext(ctx, `
		SELECT fencing_token, acquired_at FROM locks WHERE skill_id = ? AND purpose = ?
	`, skillID, string(purpose)).Scan(&currentToken, &acquiredAt); err != nil {
		return false, 0, fmt.Errorf("%w: read lock: %v", domain.ErrStorageUnavailable, err)
	}

	if acquiredAt.Valid {
		held, err := time.Parse(time.RFC3339Nano, acquiredAt.String)
		if err == nil && time.Since(held) < time.Duration(ttlSeconds)*time.Second {
			// Held by another holder whose TTL has not expired.
			return false, 0, nil
		}
	}

	newToken := currentToken + 1
	res, err := tx.ExecContext(ctx, `
		UPDATE locks SET fencing_token = ?, acquired_at = ?, holder = ?
		WHERE skill_id = ? AND purpose = ? AND fencing_token = ?
	`, newToken, time.Now().UTC().Format(time.RFC3339Nano), holder, skillID, string(purpose), currentToken)
	if err != nil {
		return false, 0, fmt.Errorf("%w: cas lock: %v", domain.ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("%w: rows affected: %v", domain.ErrStorageUnavailable, err)
	}
	if n == 0 {
		// Lost the race against a concurrent acquirer.
		return false, 0, nil
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("%w: commit lock: %v", domain.ErrStorageUnavailable, err)
	}
	return true, newToken, nil
}

// ReleaseLock clears the acquired_at marker iff token still matches the
// current fencing token. A stale release (token mismatch) is ignored,
// never an error — the spec requires this so a crashed-then-recovered
// holder cannot clobber a newer holder's lock.
func (db *DB) ReleaseLock(ctx context.Context, skillID string, purpose domain.LockPurpose, token uint64) error {
	_, err := db.db.ExecContext(ctx, `
		UPDATE locks SET acquired_at = NULL, holder = ''
		WHERE skill_id = ? AND purpose = ? AND fencing_token = ?
	`, skillID, string(purpose), token)
	if err != nil {
		return fmt.Errorf("%w: release lock: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// GetLock returns the current lock row, zero-valued if never acquired.
func (db *DB) GetLock(ctx context.Context, skillID string, purpose domain.LockPurpose) (domain.Lock, error) {
	var l domain.Lock
	l.SkillID = skillID
	l.Purpose = purpose
	var acquiredAt sql.NullString

	err := db.db.QueryRowContext(ctx, `
		SELECT fencing_token, acquired_at, holder FROM locks WHERE skill_id = ? AND purpose = ?
	`, skillID, string(purpose)).Scan(&l.FencingToken, &acquiredAt, &l.Holder)
	if err == sql.ErrNoRows {
		return l, nil
	}
	if err != nil {
		return domain.Lock{}, fmt.Errorf("%w: get lock: %v", domain.ErrStorageUnavailable, err)
	}
	if acquiredAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, acquiredAt.String)
		if err != nil {
			return domain.Lock{}, fmt.Errorf("parse lock acquired_at: %w", err)
		}
		l.AcquiredAt = t
	}
	return l, nil
}
