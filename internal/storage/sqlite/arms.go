package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/skillopt/skillopt/internal/domain"
)

// UpsertArm inserts or updates an Arm row.
func (db *DB) UpsertArm(ctx context.Context, a domain.Arm) error {
	paramsJSON, err := json.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("marshal arm params: %w", err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO arms (id, skill_id, cluster_id, name, params, updated_at)
		VALUES (?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			cluster_id = excluded.cluster_id,
			name = excluded.name,
			params = excluded.params,
			updated_at = datetime('now')
	`, a.ID, a.SkillID, a.ClusterID, a.Name, string(paramsJSON))
	if err != nil {
		return fmt.Errorf("%w: upsert arm: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func scanArm(row interface{ Scan(dest ...any) error }) (domain.Arm, error) {
	var a domain.Arm
	var paramsJSON, createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.SkillID, &a.ClusterID, &a.Name, &paramsJSON, &createdAt, &updatedAt); err != nil {
		return domain.Arm{}, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &a.Params); err != nil {
		return domain.Arm{}, fmt.Errorf("unmarshal arm params: %w", err)
	}
	a.CreatedAt = parseSQLiteTimestamp(createdAt)
	a.UpdatedAt = parseSQLiteTimestamp(updatedAt)
	return a, nil
}

// GetArm retrieves an Arm by id.
func (db *DB) GetArm(ctx context.Context, id string) (domain.Arm, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT id, skill_id, cluster_id, name, params, created_at, updated_at
		FROM arms WHERE id = ?
	`, id)
	a, err := scanArm(row)
	if err == sql.ErrNoRows {
		return domain.Arm{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Arm{}, fmt.Errorf("%w: get arm: %v", domain.ErrStorageUnavailable, err)
	}
	return a, nil
}

// ListArmsForCluster returns all arms belonging to a cluster.
func (db *DB) ListArmsForCluster(ctx context.Context, clusterID string) ([]domain.Arm, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, skill_id, cluster_id, name, params, created_at, updated_at
		FROM arms WHERE cluster_id = ? ORDER BY id
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("%w: list arms: %v", domain.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var result []domain.Arm
	for rows.Next() {
		a, err := scanArm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan arm: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// DeleteArm removes an Arm row.
func (db *DB) DeleteArm(ctx context.Context, id string) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM arms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete arm: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}
