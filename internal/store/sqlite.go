package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrVersionConflict    = errors.New("instance was modified concurrently")
	ErrCheckpointConflict = errors.New("checkpoint chain head moved")
	ErrDuplicateInstance  = errors.New("instance already exists for schedule and recipient")
)

// Open opens the SQLite database at path in WAL mode. SQLite allows a
// single writer, so the pool is limited to one connection.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS owners (
  id TEXT PRIMARY KEY,
  active INTEGER NOT NULL DEFAULT 1,
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT '',
  interval TEXT NOT NULL CHECK(interval IN ('daily','weekly','monthly')),
  hour INTEGER NOT NULL,
  minute INTEGER,
  day INTEGER NOT NULL DEFAULT 0,
  subject TEXT NOT NULL DEFAULT '',
  body TEXT NOT NULL DEFAULT '',
  events TEXT NOT NULL DEFAULT '[]',
  total_iterations INTEGER NOT NULL DEFAULT 0,
  repeat_interval_seconds INTEGER NOT NULL DEFAULT 0,
  start_offset_seconds INTEGER NOT NULL DEFAULT 0,
  reset_property TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_match ON schedules(interval, hour, minute, day);
CREATE TABLE IF NOT EXISTS schedule_recipients (
  schedule_id TEXT NOT NULL,
  recipient_id TEXT NOT NULL,
  address TEXT NOT NULL DEFAULT '',
  PRIMARY KEY(schedule_id, recipient_id)
);
CREATE TABLE IF NOT EXISTS scan_checkpoints (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  chain TEXT NOT NULL,
  start_time TEXT NOT NULL,
  end_time TEXT NOT NULL,
  matched INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_chain ON scan_checkpoints(chain, id);
CREATE TABLE IF NOT EXISTS scan_chains (
  chain TEXT PRIMARY KEY,
  checkpoint_id INTEGER NOT NULL,
  end_time TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS schedule_instances (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  recipient_id TEXT NOT NULL,
  current_event_num INTEGER NOT NULL DEFAULT 0,
  schedule_iteration_num INTEGER NOT NULL DEFAULT 1,
  start_date TEXT NOT NULL,
  next_event_due TEXT NOT NULL,
  active INTEGER NOT NULL DEFAULT 1,
  detached INTEGER NOT NULL DEFAULT 0,
  reset_value TEXT,
  version INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_pair ON schedule_instances(schedule_id, recipient_id);
CREATE INDEX IF NOT EXISTS idx_instances_due ON schedule_instances(active, next_event_due);
CREATE TABLE IF NOT EXISTS schedule_dispatch_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  schedule_id TEXT NOT NULL,
  recipient_id TEXT NOT NULL,
  occurrence TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL CHECK(state IN ('success','error','retry')),
  size INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_log_occurrence ON schedule_dispatch_log(schedule_id, recipient_id, occurrence, state);
CREATE INDEX IF NOT EXISTS idx_dispatch_log_ts ON schedule_dispatch_log(timestamp);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the SQLite-backed repository for schedules, checkpoints,
// instances and the dispatch log.
type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB { return s.db }

// InTx runs fn inside a single transaction and commits only if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func FormatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func ParseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func mustParse(dst *time.Time, s string) error {
	t, err := ParseTime(s)
	if err != nil {
		return fmt.Errorf("parse time %q: %w", s, err)
	}
	*dst = t
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
