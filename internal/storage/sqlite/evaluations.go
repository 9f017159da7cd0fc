package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skillopt/skillopt/internal/domain"
)

// ReplaceEvaluations atomically rewrites the full Evaluation set for a
// skill, as C8's early regeneration requires (§4.8: "The set is
// rewritten atomically by C8").
func (db *DB) ReplaceEvaluations(ctx context.Context, skillID string, evaluations []domain.Evaluation) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM evaluations WHERE skill_id = ?`, skillID); err != nil {
		return fmt.Errorf("%w: delete evaluations: %v", domain.ErrStorageUnavailable, err)
	}

	for _, e := range evaluations {
		paramsJSON, err := json.Marshal(e.Params)
		if err != nil {
			return fmt.Errorf("marshal evaluation params: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evaluations (id, skill_id, evaluation_method, params, weight)
			VALUES (?, ?, ?, ?, ?)
		`, e.ID, skillID, string(e.EvaluationMethod), string(paramsJSON), e.Weight); err != nil {
			return fmt.Errorf("%w: insert evaluation: %v", domain.ErrStorageUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit evaluations: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// ListEvaluationsForSkill returns all active evaluations for a skill.
func (db *DB) ListEvaluationsForSkill(ctx context.Context, skillID string) ([]domain.Evaluation, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, skill_id, evaluation_method, params, weight FROM evaluations WHERE skill_id = ? ORDER BY id
	`, skillID)
	if err != nil {
		return nil, fmt.Errorf("%w: list evaluations: %v", domain.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var result []domain.Evaluation
	for rows.Next() {
		var e domain.Evaluation
		var method, paramsJSON string
		if err := rows.Scan(&e.ID, &e.SkillID, &method, &paramsJSON, &e.Weight); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		e.EvaluationMethod = domain.EvaluationMethod(method)
		if err := json.Unmarshal([]byte(paramsJSON), &e.Params); err != nil {
			return nil, fmt.Errorf("unmarshal evaluation params: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
