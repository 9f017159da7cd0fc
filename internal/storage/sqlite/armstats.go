package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skillopt/skillopt/internal/domain"
)

// UpsertArmStat inserts or overwrites an ArmStat row unconditionally.
// The hard reset paths (§4.8) use ResetArmStats instead, and the
// concurrency-serialized update path is CompareAndSwapArmStat below.
func (db *DB) UpsertArmStat(ctx context.Context, stat domain.ArmStat) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO arm_stats (arm_id, n, mean, m2, total_reward)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(arm_id) DO UPDATE SET
			n = excluded.n, mean = excluded.mean, m2 = excluded.m2, total_reward = excluded.total_reward
	`, stat.ArmID, stat.N, stat.Mean, stat.M2, stat.TotalReward)
	if err != nil {
		return fmt.Errorf("%w: upsert arm stat: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// GetArmStat retrieves the stat row for an arm, returning the zero
// value (n=0) if none exists yet — a freshly seeded arm has no row
// until its first reward.
func (db *DB) GetArmStat(ctx context.Context, armID string) (domain.ArmStat, error) {
	var s domain.ArmStat
	err := db.db.QueryRowContext(ctx, `
		SELECT arm_id, n, mean, m2, total_reward FROM arm_stats WHERE arm_id = ?
	`, armID).Scan(&s.ArmID, &s.N, &s.Mean, &s.M2, &s.TotalReward)
	if err == sql.ErrNoRows {
		return domain.ArmStat{ArmID: armID}, nil
	}
	if err != nil {
		return domain.ArmStat{}, fmt.Errorf("%w: get arm stat: %v", domain.ErrStorageUnavailable, err)
	}
	return s, nil
}

// ResetArmStats clears an arm's rolling statistics back to zero —
// the hard reset §4.8 mandates on reflection.
func (db *DB) ResetArmStats(ctx context.Context, armID string) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO arm_stats (arm_id, n, mean, m2, total_reward)
		VALUES (?, 0, 0, 0, 0)
		ON CONFLICT(arm_id) DO UPDATE SET n = 0, mean = 0, m2 = 0, total_reward = 0
	`, armID)
	if err != nil {
		return fmt.Errorf("%w: reset arm stats: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// CompareAndSwapArmStat applies the Welford update in `updated` iff the
// row currently on disk still matches `expected` exactly. This is the
// single-writer serialization point for concurrent ArmStat updates
// (spec.md §4.3): a losing writer gets ErrConflictingUpdate and must
// retry with a freshly-read ArmStat.
func (db *DB) CompareAndSwapArmStat(ctx context.Context, expected, updated domain.ArmStat) error {
	// Ensure a row exists so the first update on a brand-new arm (n=0,
	// mean=0, m2=0, total_reward=0) has something to CAS against.
	if expected.N == 0 {
		if _, err := db.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO arm_stats (arm_id, n, mean, m2, total_reward)
			VALUES (?, 0, 0, 0, 0)
		`, expected.ArmID); err != nil {
			return fmt.Errorf("%w: seed arm stat: %v", domain.ErrStorageUnavailable, err)
		}
	}

	res, err := db.db.ExecContext(ctx, `
		UPDATE arm_stats SET n = ?, mean = ?, m2 = ?, total_reward = ?
		WHERE arm_id = ? AND n = ? AND mean = ? AND m2 = ? AND total_reward = ?
	`,
		updated.N, updated.Mean, updated.M2, updated.TotalReward,
		expected.ArmID, expected.N, expected.Mean, expected.M2, expected.TotalReward,
	)
	if err != nil {
		return fmt.Errorf("%w: cas arm stat: %v", domain.ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", domain.ErrStorageUnavailable, err)
	}
	if n == 0 {
		return domain.ErrConflictingUpdate
	}
	return nil
}
