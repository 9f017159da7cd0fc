package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skillopt/skillopt/internal/domain"
)

func timeToCol(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTimestamp parses the "datetime('now')" default format used
// for created_at/updated_at columns (matches the teacher's phase3.go
// convention of "2006-01-02 15:04:05" for SQLite-generated timestamps).
func parseSQLiteTimestamp(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func colToTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

// UpsertSkill inserts or updates a Skill row.
func (db *DB) UpsertSkill(ctx context.Context, s domain.Skill) error {
	varsJSON, err := json.Marshal(s.AllowedTemplateVariables)
	if err != nil {
		return fmt.Errorf("marshal allowed_template_variables: %w", err)
	}

	optimizeInt := 0
	if s.Optimize {
		optimizeInt = 1
	}

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO skills (
			id, agent_id, name, configuration_count, clustering_interval,
			reflection_min_requests_per_arm, exploration_temperature,
			allowed_template_variables, optimize,
			evaluations_regenerated_at, optimize_lock_acquired_at, reflect_lock_acquired_at,
			last_clustering_at, last_clustering_log_start_time, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			name = excluded.name,
			configuration_count = excluded.configuration_count,
			clustering_interval = excluded.clustering_interval,
			reflection_min_requests_per_arm = excluded.reflection_min_requests_per_arm,
			exploration_temperature = excluded.exploration_temperature,
			allowed_template_variables = excluded.allowed_template_variables,
			optimize = excluded.optimize,
			evaluations_regenerated_at = excluded.evaluations_regenerated_at,
			optimize_lock_acquired_at = excluded.optimize_lock_acquired_at,
			reflect_lock_acquired_at = excluded.reflect_lock_acquired_at,
			last_clustering_at = excluded.last_clustering_at,
			last_clustering_log_start_time = excluded.last_clustering_log_start_time,
			updated_at = datetime('now')
	`,
		s.ID, s.AgentID, s.Name, s.ConfigurationCount, s.ClusteringInterval,
		s.ReflectionMinRequestsPerArm, s.ExplorationTemperature,
		string(varsJSON), optimizeInt,
		timeToCol(s.EvaluationsRegeneratedAt), timeToCol(s.OptimizeLockAcquiredAt), timeToCol(s.ReflectLockAcquiredAt),
		timeToCol(s.LastClusteringAt), timeToCol(s.LastClusteringLogStartTime),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert skill: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// GetSkill retrieves a Skill by id.
func (db *DB) GetSkill(ctx context.Context, id string) (domain.Skill, error) {
	var s domain.Skill
	var varsJSON string
	var optimizeInt int
	var regenAt, optLockAt, reflLockAt, lastClusterAt, lastClusterLogAt sql.NullString
	var createdAt, updatedAt string

	err := db.db.QueryRowContext(ctx, `
		SELECT id, agent_id, name, configuration_count, clustering_interval,
			reflection_min_requests_per_arm, exploration_temperature,
			allowed_template_variables, optimize,
			evaluations_regenerated_at, optimize_lock_acquired_at, reflect_lock_acquired_at,
			last_clustering_at, last_clustering_log_start_time, created_at, updated_at
		FROM skills WHERE id = ?
	`, id).Scan(
		&s.ID, &s.AgentID, &s.Name, &s.ConfigurationCount, &s.ClusteringInterval,
		&s.ReflectionMinRequestsPerArm, &s.ExplorationTemperature,
		&varsJSON, &optimizeInt,
		&regenAt, &optLockAt, &reflLockAt, &lastClusterAt, &lastClusterLogAt,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.Skill{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Skill{}, fmt.Errorf("%w: get skill: %v", domain.ErrStorageUnavailable, err)
	}

	s.Optimize = optimizeInt == 1
	if err := json.Unmarshal([]byte(varsJSON), &s.AllowedTemplateVariables); err != nil {
		return domain.Skill{}, fmt.Errorf("unmarshal allowed_template_variables: %w", err)
	}
	if s.EvaluationsRegeneratedAt, err = colToTime(regenAt); err != nil {
		return domain.Skill{}, err
	}
	if s.OptimizeLockAcquiredAt, err = colToTime(optLockAt); err != nil {
		return domain.Skill{}, err
	}
	if s.ReflectLockAcquiredAt, err = colToTime(reflLockAt); err != nil {
		return domain.Skill{}, err
	}
	if s.LastClusteringAt, err = colToTime(lastClusterAt); err != nil {
		return domain.Skill{}, err
	}
	if s.LastClusteringLogStartTime, err = colToTime(lastClusterLogAt); err != nil {
		return domain.Skill{}, err
	}
	s.CreatedAt = parseSQLiteTimestamp(createdAt)
	s.UpdatedAt = parseSQLiteTimestamp(updatedAt)
	return s, nil
}

// DeleteSkill removes a Skill and cascades are left to the caller —
// ownership (§3) means clusters/arms/logs are deleted by higher-level
// orchestration, not implicitly here.
func (db *DB) DeleteSkill(ctx context.Context, id string) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM skills WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete skill: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}
