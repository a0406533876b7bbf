package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// migrations are applied in version order, one transaction per version.
// {{serial}} expands to the dialect's auto-increment primary key.
var migrations = map[int][]string{
	1: {
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			workflow_type TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS workflow_instances_open_account
			ON workflow_instances (account_id)
			WHERE status NOT IN ('completed', 'failed', 'stopped')`,
		`CREATE INDEX IF NOT EXISTS workflow_instances_status ON workflow_instances (status)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			task_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			status TEXT NOT NULL,
			scheduled_for BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS scheduled_tasks_due ON scheduled_tasks (status, scheduled_for)`,
		`CREATE INDEX IF NOT EXISTS scheduled_tasks_instance ON scheduled_tasks (instance_id, status)`,
		`CREATE TABLE IF NOT EXISTS execution_log (
			id {{serial}},
			instance_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			executed_at BIGINT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS execution_log_instance ON execution_log (instance_id, id)`,
		`CREATE TABLE IF NOT EXISTS workflow_locks (
			lock_key TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
	},
	2: {
		`CREATE TABLE IF NOT EXISTS halt_requests (
			instance_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			requested_at BIGINT NOT NULL
		)`,
	},
}

type migrator struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

func (m *migrator) run(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := m.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	versions := make([]int, 0, len(migrations))
	for v := range migrations {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	for _, v := range versions {
		if v <= current {
			continue
		}
		if err := m.apply(ctx, v, migrations[v]); err != nil {
			return err
		}
		m.logger.Info("migration applied", zap.Int("version", v), zap.String("driver", m.dialect.name))
	}
	return nil
}

func (m *migrator) apply(ctx context.Context, version int, stmts []string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	for _, stmt := range stmts {
		stmt = strings.ReplaceAll(stmt, "{{serial}}", m.dialect.serialPK)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", version, err)
		}
	}
	if _, err := tx.ExecContext(ctx, m.dialect.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
		version, nowMillis()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", version, err)
	}
	return nil
}
