package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"schedflow/internal/domain"
	"schedflow/internal/store"
)

var ErrEmpty = errors.New("no tasks ready")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  next_run_at TEXT NOT NULL,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  idempotency_key TEXT,
  last_error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(state, next_run_at, priority DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem_live ON tasks(idempotency_key)
  WHERE idempotency_key IS NOT NULL AND state IN ('queued','running');
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  finished_at TEXT NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Enqueue(ctx context.Context, t domain.Task) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Task, Lease, error)
	Retry(ctx context.Context, id, err string, delay time.Duration) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, err string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

type Lease struct{ Until time.Time }

func (r *sqliteRepo) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	return EnqueueWith(ctx, r.db, t)
}

// EnqueueWith inserts t using q, so callers can enqueue inside their own
// transaction. A task whose idempotency key matches a queued or running task
// is not inserted; the live task's id is returned instead.
func EnqueueWith(ctx context.Context, q store.Querier, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 5
	}
	if t.VisibilityTimeout == 0 {
		t.VisibilityTimeout = 60
	}
	now := time.Now()
	if t.NextRunAt.IsZero() {
		t.NextRunAt = now
	}

	res, err := q.ExecContext(ctx, `
INSERT OR IGNORE INTO tasks (id,type,payload,priority,state,attempts,max_attempts,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at)
VALUES (?,?,?,?,'queued',0,?,?,?,?,?,?)
`, id, t.Type, t.Payload, t.Priority, t.MaxAttempts, store.FormatTime(t.NextRunAt), t.VisibilityTimeout, t.IdempotencyKey,
		store.FormatTime(now), store.FormatTime(now))
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 1 || t.IdempotencyKey == nil {
		return id, nil
	}

	var existingID string
	err = q.QueryRowContext(ctx, `
SELECT id FROM tasks WHERE idempotency_key=? AND state IN ('queued','running')`, *t.IdempotencyKey).Scan(&existingID)
	if err != nil {
		return "", err
	}
	return existingID, nil
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (t domain.Task, l Lease, err error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	t, err = scanTask(tx.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE state='queued' AND next_run_at <= ?
ORDER BY priority DESC, created_at ASC
LIMIT 1
`, store.FormatTime(now)))
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrEmpty
		return domain.Task{}, Lease{}, err
	}
	if err != nil {
		return domain.Task{}, Lease{}, err
	}

	leaseUntil := now.Add(time.Duration(t.VisibilityTimeout) * time.Second)
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET state='running', updated_at=? WHERE id=?`, store.FormatTime(now), t.ID)
	if err != nil {
		return domain.Task{}, Lease{}, err
	}

	if err = tx.Commit(); err != nil {
		return domain.Task{}, Lease{}, err
	}
	t.State = domain.TaskRunning
	return t, Lease{Until: leaseUntil}, nil
}

func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	now := time.Now()
	return r.finish(ctx, id, false, errStr, `
UPDATE tasks
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = ?,
    last_error = ?,
    updated_at = ?
WHERE id = ?`, store.FormatTime(now.Add(delay)), errStr, store.FormatTime(now), id)
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	return r.finish(ctx, id, true, "", `
UPDATE tasks SET state='succeeded', attempts = attempts + 1, updated_at=? WHERE id=?`, store.FormatTime(time.Now()), id)
}

// Fail moves the task to failed without further attempts.
func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	return r.finish(ctx, id, false, errStr, `
UPDATE tasks SET state='failed', attempts = attempts + 1, last_error=?, updated_at=? WHERE id=?`, errStr, store.FormatTime(time.Now()), id)
}

func (r *sqliteRepo) finish(ctx context.Context, id string, success bool, errStr, update string, args ...any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, success, error, finished_at) VALUES (?,?,?,?)`,
		id, success, errStr, store.FormatTime(time.Now())); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// RecoverStale requeues running tasks whose lease expired, e.g. after a crash.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, visibility_timeout, updated_at FROM tasks WHERE state='running'`)
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var (
			id      string
			vis     int
			updated string
		)
		if err := rows.Scan(&id, &vis, &updated); err != nil {
			rows.Close()
			return 0, err
		}
		ts, err := store.ParseTime(updated)
		if err != nil || now.Sub(ts) > time.Duration(vis)*time.Second {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range stale {
		if _, err := r.db.ExecContext(ctx, `
UPDATE tasks SET state='queued', next_run_at=?, updated_at=? WHERE id=? AND state='running'`,
			store.FormatTime(now), store.FormatTime(now), id); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// PurgeFinished deletes succeeded and failed tasks last touched before the cutoff.
func (r *sqliteRepo) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	cutoff := store.FormatTime(before)
	if _, err := r.db.ExecContext(ctx, `
DELETE FROM task_attempts WHERE task_id IN (
  SELECT id FROM tasks WHERE state IN ('succeeded','failed') AND updated_at < ?)`, cutoff); err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE state IN ('succeeded','failed') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const taskColumns = `id,type,payload,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,last_error,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                         domain.Task
		idem                      sql.NullString
		nextRun, created, updated string
	)
	if err := row.Scan(&t.ID, &t.Type, &t.Payload, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State, &nextRun,
		&t.VisibilityTimeout, &idem, &t.LastError, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}
	var err error
	if t.NextRunAt, err = store.ParseTime(nextRun); err != nil {
		return domain.Task{}, err
	}
	if t.CreatedAt, err = store.ParseTime(created); err != nil {
		return domain.Task{}, err
	}
	if t.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}
