// Package sqlite is the reference implementation of the domain.Storage
// port, backed by modernc.org/sqlite. It follows the teacher's migration-
// list idiom: a flat []string of CREATE TABLE statements, executed one
// at a time, with UPSERT via ON CONFLICT and TEXT timestamp columns.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/skillopt/skillopt/internal/domain"
)

// DB wraps a *sql.DB opened against the modernc.org/sqlite driver.
type DB struct {
	db *sql.DB
}

var _ domain.Storage = (*DB)(nil)

// Open opens (and creates, if absent) the sqlite database at path and
// applies the schema migrations.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Single-writer discipline (spec.md §5): one connection serializes
	// all writes through the Go-level call sequence rather than relying
	// on SQLite's own lock retries.
	sqldb.SetMaxOpenConns(1)

	db := &DB{db: sqldb}
	if err := db.migrate(); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error { return db.db.Close() }

func (db *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w\n%s", err, stmt)
		}
	}
	return nil
}

// Migrations returns the schema migration statements for the
// skill-optimization runtime. Each string is a single SQL statement
// (SQLite executes one at a time), mirroring the teacher's
// Phase3Migrations()/Phase4Migrations() shape.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS skills (
			id                              TEXT PRIMARY KEY,
			agent_id                        TEXT NOT NULL,
			name                            TEXT NOT NULL,
			configuration_count             INTEGER NOT NULL DEFAULT 3,
			clustering_interval             INTEGER NOT NULL DEFAULT 50,
			reflection_min_requests_per_arm INTEGER NOT NULL DEFAULT 10,
			exploration_temperature         REAL NOT NULL DEFAULT 1.0,
			allowed_template_variables      TEXT NOT NULL DEFAULT '[]',
			optimize                        INTEGER NOT NULL DEFAULT 1,
			evaluations_regenerated_at      TEXT,
			optimize_lock_acquired_at       TEXT,
			reflect_lock_acquired_at        TEXT,
			last_clustering_at              TEXT,
			last_clustering_log_start_time  TEXT,
			created_at                      TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at                      TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE IF NOT EXISTS clusters (
			id          TEXT PRIMARY KEY,
			skill_id    TEXT NOT NULL,
			name        TEXT NOT NULL,
			centroid    TEXT NOT NULL DEFAULT '[]',
			total_steps INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clusters_skill ON clusters(skill_id)`,

		`CREATE TABLE IF NOT EXISTS arms (
			id          TEXT PRIMARY KEY,
			skill_id    TEXT NOT NULL,
			cluster_id  TEXT NOT NULL,
			name        TEXT NOT NULL,
			params      TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at  TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE(cluster_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_arms_cluster ON arms(cluster_id)`,

		`CREATE TABLE IF NOT EXISTS arm_stats (
			arm_id       TEXT PRIMARY KEY,
			n            INTEGER NOT NULL DEFAULT 0,
			mean         REAL NOT NULL DEFAULT 0,
			m2           REAL NOT NULL DEFAULT 0,
			total_reward REAL NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS evaluations (
			id                TEXT PRIMARY KEY,
			skill_id          TEXT NOT NULL,
			evaluation_method TEXT NOT NULL,
			params            TEXT NOT NULL DEFAULT '{}',
			weight            REAL NOT NULL DEFAULT 1.0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_skill ON evaluations(skill_id)`,

		`CREATE TABLE IF NOT EXISTS logs (
			id            TEXT PRIMARY KEY,
			skill_id      TEXT NOT NULL,
			cluster_id    TEXT NOT NULL,
			arm_id        TEXT NOT NULL,
			request_body  TEXT NOT NULL,
			response_body TEXT NOT NULL,
			embedding     TEXT,
			start_time    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_skill_start ON logs(skill_id, start_time)`,

		`CREATE TABLE IF NOT EXISTS evaluation_runs (
			id          TEXT PRIMARY KEY,
			log_id      TEXT NOT NULL,
			arm_id      TEXT NOT NULL,
			cluster_id  TEXT NOT NULL,
			results     TEXT NOT NULL DEFAULT '[]',
			reward      REAL NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_eval_runs_arm ON evaluation_runs(arm_id)`,

		`CREATE TABLE IF NOT EXISTS locks (
			skill_id      TEXT NOT NULL,
			purpose       TEXT NOT NULL,
			fencing_token INTEGER NOT NULL DEFAULT 0,
			acquired_at   TEXT,
			holder        TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (skill_id, purpose)
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
}
