package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/skillopt/skillopt/internal/domain"
)

// UpsertCluster inserts or updates a Cluster row.
func (db *DB) UpsertCluster(ctx context.Context, c domain.Cluster) error {
	centroidJSON, err := json.Marshal(c.Centroid)
	if err != nil {
		return fmt.Errorf("marshal centroid: %w", err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO clusters (id, skill_id, name, centroid, total_steps, updated_at)
		VALUES (?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			centroid = excluded.centroid,
			total_steps = excluded.total_steps,
			updated_at = datetime('now')
	`, c.ID, c.SkillID, c.Name, string(centroidJSON), c.TotalSteps)
	if err != nil {
		return fmt.Errorf("%w: upsert cluster: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func scanCluster(row interface {
	Scan(dest ...any) error
}) (domain.Cluster, error) {
	var c domain.Cluster
	var centroidJSON, createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.SkillID, &c.Name, &centroidJSON, &c.TotalSteps, &createdAt, &updatedAt); err != nil {
		return domain.Cluster{}, err
	}
	if err := json.Unmarshal([]byte(centroidJSON), &c.Centroid); err != nil {
		return domain.Cluster{}, fmt.Errorf("unmarshal centroid: %w", err)
	}
	c.CreatedAt = parseSQLiteTimestamp(createdAt)
	c.UpdatedAt = parseSQLiteTimestamp(updatedAt)
	return c, nil
}

// GetCluster retrieves a Cluster by id.
func (db *DB) GetCluster(ctx context.Context, id string) (domain.Cluster, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT id, skill_id, name, centroid, total_steps, created_at, updated_at
		FROM clusters WHERE id = ?
	`, id)
	c, err := scanCluster(row)
	if err == sql.ErrNoRows {
		return domain.Cluster{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Cluster{}, fmt.Errorf("%w: get cluster: %v", domain.ErrStorageUnavailable, err)
	}
	return c, nil
}

// ListClustersForSkill returns all clusters owned by a skill.
func (db *DB) ListClustersForSkill(ctx context.Context, skillID string) ([]domain.Cluster, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, skill_id, name, centroid, total_steps, created_at, updated_at
		FROM clusters WHERE skill_id = ? ORDER BY id
	`, skillID)
	if err != nil {
		return nil, fmt.Errorf("%w: list clusters: %v", domain.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var result []domain.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// DeleteCluster removes a Cluster row.
func (db *DB) DeleteCluster(ctx context.Context, id string) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete cluster: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// IncrementClusterSteps atomically bumps total_steps — the per-request
// counter C4 maintains on every routing decision (§4.4).
func (db *DB) IncrementClusterSteps(ctx context.Context, clusterID string, delta uint64) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE clusters SET total_steps = total_steps + ?, updated_at = datetime('now') WHERE id = ?
	`, delta, clusterID)
	if err != nil {
		return fmt.Errorf("%w: increment cluster steps: %v", domain.ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", domain.ErrStorageUnavailable, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
