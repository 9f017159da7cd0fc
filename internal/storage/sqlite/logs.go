package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skillopt/skillopt/internal/domain"
)

// InsertLog persists a request/response round trip.
func (db *DB) InsertLog(ctx context.Context, l domain.Log) error {
	var embeddingJSON any
	if l.Embedding != nil {
		b, err := json.Marshal(l.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		embeddingJSON = string(b)
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO logs (id, skill_id, cluster_id, arm_id, request_body, response_body, embedding, start_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.SkillID, l.ClusterID, l.ArmID, l.RequestBody, l.ResponseBody, embeddingJSON, l.StartTime.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: insert log: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func scanLog(row interface{ Scan(dest ...any) error }) (domain.Log, error) {
	var l domain.Log
	var embeddingJSON sql.NullString
	var startTime string
	if err := row.Scan(&l.ID, &l.SkillID, &l.ClusterID, &l.ArmID, &l.RequestBody, &l.ResponseBody, &embeddingJSON, &startTime); err != nil {
		return domain.Log{}, err
	}
	if embeddingJSON.Valid {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &l.Embedding); err != nil {
			return domain.Log{}, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, startTime)
	if err != nil {
		return domain.Log{}, fmt.Errorf("parse start_time: %w", err)
	}
	l.StartTime = t
	return l, nil
}

// GetLogsForSkill returns logs for a skill ordered by start_time
// ascending (spec.md §4.1), optionally filtered to embedding IS NOT
// NULL and to start_time > afterStartTime (unix nanoseconds; 0 means
// no lower bound).
func (db *DB) GetLogsForSkill(ctx context.Context, skillID string, afterStartTime int64, embeddingNotNull bool, limit int) ([]domain.Log, error) {
	query := `
		SELECT id, skill_id, cluster_id, arm_id, request_body, response_body, embedding, start_time
		FROM logs WHERE skill_id = ?`
	args := []any{skillID}

	if afterStartTime > 0 {
		query += ` AND start_time > ?`
		args = append(args, time.Unix(0, afterStartTime).UTC().Format(time.RFC3339Nano))
	}
	if embeddingNotNull {
		query += ` AND embedding IS NOT NULL`
	}
	query += ` ORDER BY start_time ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: get logs: %v", domain.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var result []domain.Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// CountLogsWithEmbeddings counts embedding-bearing logs for a skill —
// used by C5's early-regeneration trigger (§4.5).
func (db *DB) CountLogsWithEmbeddings(ctx context.Context, skillID string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM logs WHERE skill_id = ? AND embedding IS NOT NULL
	`, skillID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count logs: %v", domain.ErrStorageUnavailable, err)
	}
	return n, nil
}

// CountLogsSince counts logs for a skill with start_time strictly after
// afterStartTime (unix nanoseconds; 0 means since the beginning) — the
// periodic partitioning trigger's denominator (§4.5).
func (db *DB) CountLogsSince(ctx context.Context, skillID string, afterStartTime int64) (int, error) {
	var n int
	var err error
	if afterStartTime > 0 {
		err = db.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM logs WHERE skill_id = ? AND start_time > ?
		`, skillID, time.Unix(0, afterStartTime).UTC().Format(time.RFC3339Nano)).Scan(&n)
	} else {
		err = db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs WHERE skill_id = ?`, skillID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: count logs since: %v", domain.ErrStorageUnavailable, err)
	}
	return n, nil
}
