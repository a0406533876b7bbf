package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type dialect struct {
	name       string
	sqlDriver  string
	positional bool
	serialPK   string
}

var (
	postgresDialect = dialect{name: DriverPostgres, sqlDriver: "pgx", positional: true, serialPK: "BIGSERIAL PRIMARY KEY"}
	sqliteDialect   = dialect{name: DriverSQLite, sqlDriver: "sqlite", serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT"}
)

// rebind rewrites ? placeholders to $n for drivers that need positional ones.
func (d dialect) rebind(q string) string {
	if !d.positional {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore is the Gateway over database/sql. Postgres goes through the pgx
// stdlib driver, embedded deployments through modernc sqlite.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	clock   clockwork.Clock
	logger  *zap.Logger
}

func OpenSQL(ctx context.Context, driver, dsn string, clock clockwork.Clock, logger *zap.Logger) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	var d dialect
	switch driver {
	case DriverPostgres:
		d = postgresDialect
	case DriverSQLite:
		d = sqliteDialect
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, err
	}
	if d.name == DriverSQLite {
		// One writer; also keeps :memory: databases on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLStore(ctx, db, driver, clock, logger)
}

// NewSQLStore wraps an open handle and applies pending migrations.
func NewSQLStore(ctx context.Context, db *sql.DB, driver string, clock clockwork.Clock, logger *zap.Logger) (*SQLStore, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := sqliteDialect
	if driver == DriverPostgres {
		d = postgresDialect
	}
	s := &SQLStore{db: db, dialect: d, clock: clock, logger: logger}
	if err := (&migrator{db: db, dialect: d, logger: logger}).run(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) q(query string) string { return s.dialect.rebind(query) }

func (s *SQLStore) now() time.Time { return s.clock.Now().UTC() }

func nowMillis() int64 { return time.Now().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *SQLStore) GetDefinition(ctx context.Context, workflowType string) (workflow.Definition, error) {
	var raw string
	var created, updated int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT payload, created_at, updated_at FROM workflow_definitions WHERE workflow_type = ?`), workflowType).
		Scan(&raw, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return workflow.Definition{}, workflow.ErrNotFound
		}
		return workflow.Definition{}, err
	}
	return decodeDefinition(raw, created, updated)
}

func decodeDefinition(raw string, created, updated int64) (workflow.Definition, error) {
	var d workflow.Definition
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return workflow.Definition{}, fmt.Errorf("decode definition: %w", err)
	}
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return d, nil
}

func (s *SQLStore) SaveDefinition(ctx context.Context, def workflow.Definition) error {
	b, err := json.Marshal(def)
	if err != nil {
		return err
	}
	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO workflow_definitions (workflow_type, name, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (workflow_type) DO UPDATE SET name = excluded.name, payload = excluded.payload, updated_at = excluded.updated_at`),
		def.Type, def.Name, string(b), now, now)
	return err
}

func (s *SQLStore) ListDefinitions(ctx context.Context) ([]workflow.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload, created_at, updated_at FROM workflow_definitions ORDER BY workflow_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []workflow.Definition
	for rows.Next() {
		var raw string
		var created, updated int64
		if err := rows.Scan(&raw, &created, &updated); err != nil {
			return nil, err
		}
		d, err := decodeDefinition(raw, created, updated)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	b, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO workflow_instances (id, account_id, workflow_type, status, started_at, updated_at, payload)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		inst.ID, inst.AccountID, inst.WorkflowType, string(inst.Status), inst.StartedAt.UnixMilli(), s.now().UnixMilli(), string(b))
	if err != nil {
		if isUniqueViolation(err) {
			return workflow.ErrAlreadyActive
		}
		return err
	}
	return nil
}

func (s *SQLStore) UpdateInstance(ctx context.Context, inst *workflow.Instance) error {
	b, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE workflow_instances SET status = ?, updated_at = ?, payload = ? WHERE id = ?`),
		string(inst.Status), s.now().UnixMilli(), string(b), inst.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return workflow.ErrAlreadyActive
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetInstance(ctx context.Context, accountID string) (*workflow.Instance, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT payload FROM workflow_instances WHERE account_id = ?
ORDER BY CASE WHEN status IN ('completed', 'failed', 'stopped') THEN 1 ELSE 0 END, started_at DESC
LIMIT 1`), accountID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.ErrNotFound
		}
		return nil, err
	}
	return decodeInstance(raw)
}

func decodeInstance(raw string) (*workflow.Instance, error) {
	var inst workflow.Instance
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return &inst, nil
}

func (s *SQLStore) ListInstances(ctx context.Context, statuses ...workflow.Status) ([]*workflow.Instance, error) {
	query := `SELECT payload FROM workflow_instances`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY started_at`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*workflow.Instance, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListRecoverable(ctx context.Context) ([]*workflow.Instance, error) {
	return s.ListInstances(ctx, workflow.StatusActive, workflow.StatusRecovering)
}

func (s *SQLStore) CreateScheduledTask(ctx context.Context, task *workflow.ScheduledTask) error {
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = workflow.TaskPending
	}
	b, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO scheduled_tasks (task_id, instance_id, account_id, status, scheduled_for, created_at, updated_at, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		task.TaskID, task.InstanceID, task.AccountID, string(task.Status), task.ScheduledFor.UnixMilli(),
		task.CreatedAt.UnixMilli(), task.UpdatedAt.UnixMilli(), string(b))
	return err
}

const taskColumns = `payload, status, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*workflow.ScheduledTask, error) {
	var raw, status string
	var updated int64
	if err := r.Scan(&raw, &status, &updated); err != nil {
		return nil, err
	}
	var t workflow.ScheduledTask
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode scheduled task: %w", err)
	}
	// status and updated_at move independently of the payload
	t.Status = workflow.TaskStatus(status)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

func (s *SQLStore) GetScheduledTask(ctx context.Context, taskID string) (*workflow.ScheduledTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE task_id = ?`), taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *SQLStore) queryTasks(ctx context.Context, query string, args ...any) ([]*workflow.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*workflow.ScheduledTask, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetDueTasks(ctx context.Context, now time.Time, limit int) ([]*workflow.ScheduledTask, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks
WHERE status = 'pending' AND scheduled_for <= ?
ORDER BY scheduled_for
LIMIT ?`, now.UnixMilli(), limit)
}

func (s *SQLStore) ClaimScheduledTask(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE scheduled_tasks SET status = 'running', updated_at = ? WHERE task_id = ? AND status = 'pending'`),
		s.now().UnixMilli(), taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetScheduledTask(ctx, taskID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) UpdateScheduledTask(ctx context.Context, taskID string, status workflow.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE task_id = ?`),
		string(status), s.now().UnixMilli(), taskID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListTasks(ctx context.Context, instanceID string, statuses ...workflow.TaskStatus) ([]*workflow.ScheduledTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE instance_id = ?`
	args := []any{instanceID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY scheduled_for`
	return s.queryTasks(ctx, query, args...)
}

func (s *SQLStore) moveTasks(ctx context.Context, instanceID string, from, to workflow.TaskStatus) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE instance_id = ? AND status = ?`),
		string(to), s.now().UnixMilli(), instanceID, string(from))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) CancelPendingTasks(ctx context.Context, instanceID string) (int, error) {
	return s.moveTasks(ctx, instanceID, workflow.TaskPending, workflow.TaskCompleted)
}

func (s *SQLStore) RequeueRunningTasks(ctx context.Context, instanceID string) (int, error) {
	return s.moveTasks(ctx, instanceID, workflow.TaskRunning, workflow.TaskPending)
}

func (s *SQLStore) CountPendingTasks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_tasks WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func (s *SQLStore) RequestHalt(ctx context.Context, instanceID string, to workflow.Status) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO halt_requests (instance_id, status, requested_at) VALUES (?, ?, ?)
ON CONFLICT (instance_id) DO UPDATE SET status = excluded.status, requested_at = excluded.requested_at
WHERE halt_requests.status <> 'stopped'`),
		instanceID, string(to), s.now().UnixMilli())
	return err
}

func (s *SQLStore) TakeHaltRequest(ctx context.Context, instanceID string) (workflow.Status, bool, error) {
	var to string
	err := s.db.QueryRowContext(ctx, s.q(`DELETE FROM halt_requests WHERE instance_id = ? RETURNING status`), instanceID).Scan(&to)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return workflow.Status(to), true, nil
}

func (s *SQLStore) AppendExecutionLog(ctx context.Context, entry *workflow.ExecutionLogEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, s.q(`INSERT INTO execution_log (instance_id, account_id, executed_at, payload)
VALUES (?, ?, ?, ?) RETURNING id`),
		entry.InstanceID, entry.AccountID, entry.ExecutedAt.UnixMilli(), string(b)).Scan(&entry.ID)
}

func (s *SQLStore) ListExecutionLog(ctx context.Context, instanceID string) ([]workflow.ExecutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, payload FROM execution_log WHERE instance_id = ? ORDER BY id`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []workflow.ExecutionLogEntry
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var e workflow.ExecutionLogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode execution log: %w", err)
		}
		e.ID = id
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO workflow_locks (lock_key, holder, expires_at) VALUES (?, ?, ?)
ON CONFLICT (lock_key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
WHERE workflow_locks.expires_at <= ?`),
		key, holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) ReleaseLock(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM workflow_locks WHERE lock_key = ? AND holder = ?`), key, holder)
	return err
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }
