package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skillopt/skillopt/internal/domain"
)

// AppendEvaluationRun records the result of one C6 invocation.
func (db *DB) AppendEvaluationRun(ctx context.Context, run domain.EvaluationRun) error {
	resultsJSON, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("marshal evaluation results: %w", err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO evaluation_runs (id, log_id, arm_id, cluster_id, results, reward)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.LogID, run.ArmID, run.ClusterID, string(resultsJSON), run.Reward)
	if err != nil {
		return fmt.Errorf("%w: append evaluation run: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// ListEvaluationRunsForArm returns the most recent evaluation runs for
// an arm, most recent first — used by C8 to pick best/worst exemplars.
func (db *DB) ListEvaluationRunsForArm(ctx context.Context, armID string, limit int) ([]domain.EvaluationRun, error) {
	query := `
		SELECT id, log_id, arm_id, cluster_id, results, reward, created_at
		FROM evaluation_runs WHERE arm_id = ? ORDER BY created_at DESC`
	args := []any{armID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list evaluation runs: %v", domain.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var result []domain.EvaluationRun
	for rows.Next() {
		var r domain.EvaluationRun
		var resultsJSON, createdAt string
		if err := rows.Scan(&r.ID, &r.LogID, &r.ArmID, &r.ClusterID, &resultsJSON, &r.Reward, &createdAt); err != nil {
			return nil, fmt.Errorf("scan evaluation run: %w", err)
		}
		if err := json.Unmarshal([]byte(resultsJSON), &r.Results); err != nil {
			return nil, fmt.Errorf("unmarshal evaluation results: %w", err)
		}
		r.CreatedAt = parseSQLiteTimestamp(createdAt)
		result = append(result, r)
	}
	return result, rows.Err()
}
