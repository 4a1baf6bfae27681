package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"schedflow/internal/domain"
	"schedflow/internal/recurrence"
)

const scheduleColumns = `id,owner_id,name,interval,hour,minute,day,subject,body,events,total_iterations,repeat_interval_seconds,start_offset_seconds,reset_property,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		s                 domain.Schedule
		minute            sql.NullInt64
		events            string
		repeatSec, offSec int64
		created, updated  string
	)
	if err := row.Scan(&s.ID, &s.OwnerID, &s.Name, &s.Interval, &s.Hour, &minute, &s.Day, &s.Subject, &s.Body,
		&events, &s.TotalIterations, &repeatSec, &offSec, &s.ResetProperty, &created, &updated); err != nil {
		return domain.Schedule{}, err
	}
	if minute.Valid {
		m := int(minute.Int64)
		s.Minute = &m
	}
	if events != "" {
		if err := json.Unmarshal([]byte(events), &s.Events); err != nil {
			return domain.Schedule{}, fmt.Errorf("decode events of %s: %w", s.ID, err)
		}
	}
	s.RepeatInterval = time.Duration(repeatSec) * time.Second
	s.StartOffset = time.Duration(offSec) * time.Second
	if err := mustParse(&s.CreatedAt, created); err != nil {
		return domain.Schedule{}, err
	}
	if err := mustParse(&s.UpdatedAt, updated); err != nil {
		return domain.Schedule{}, err
	}
	return s, nil
}

func nullMinute(m *int) any {
	if m == nil {
		return nil
	}
	return *m
}

func (s *Store) CreateSchedule(ctx context.Context, sc domain.Schedule) (string, error) {
	id := sc.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	events, err := json.Marshal(sc.Events)
	if err != nil {
		return "", err
	}
	if sc.Events == nil {
		events = []byte("[]")
	}
	now := FormatTime(time.Now())
	_, err = s.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, id, sc.OwnerID, sc.Name, sc.Interval, sc.Hour, nullMinute(sc.Minute), sc.Day, sc.Subject, sc.Body, string(events),
		sc.TotalIterations, int64(sc.RepeatInterval/time.Second), int64(sc.StartOffset/time.Second), sc.ResetProperty, now, now)
	if err != nil {
		return "", fmt.Errorf("insert schedule: %w", err)
	}
	return id, nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, domain.ErrNotFound
	}
	return sc, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSchedule(ctx context.Context, sc domain.Schedule) error {
	events, err := json.Marshal(sc.Events)
	if err != nil {
		return err
	}
	if sc.Events == nil {
		events = []byte("[]")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE schedules SET owner_id=?,name=?,interval=?,hour=?,minute=?,day=?,subject=?,body=?,events=?,total_iterations=?,
  repeat_interval_seconds=?,start_offset_seconds=?,reset_property=?,updated_at=?
WHERE id=?`, sc.OwnerID, sc.Name, sc.Interval, sc.Hour, nullMinute(sc.Minute), sc.Day, sc.Subject, sc.Body, string(events),
		sc.TotalIterations, int64(sc.RepeatInterval/time.Second), int64(sc.StartOffset/time.Second), sc.ResetProperty,
		FormatTime(time.Now()), sc.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteSchedule removes the schedule with its recipients and instances.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM schedule_recipients WHERE schedule_id=?`,
			`DELETE FROM schedule_instances WHERE schedule_id=?`,
			`DELETE FROM schedules WHERE id=?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// MatchingScheduleIDs returns the ids of schedules of the given interval
// carrying any of the candidate keys.
func MatchingScheduleIDs(ctx context.Context, q Querier, iv domain.Interval, keys []recurrence.Key) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var (
		clauses []string
		args    = []any{iv}
	)
	for _, k := range keys {
		c := "(hour=? AND minute IS ?"
		args = append(args, k.Hour, nullMinute(k.Minute))
		if k.Day != nil {
			c += " AND day=?"
			args = append(args, *k.Day)
		}
		clauses = append(clauses, c+")")
	}
	rows, err := q.QueryContext(ctx, `SELECT id FROM schedules WHERE interval=? AND (`+strings.Join(clauses, " OR ")+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) PutRecipient(ctx context.Context, r domain.Recipient) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedule_recipients (schedule_id, recipient_id, address) VALUES (?,?,?)
ON CONFLICT(schedule_id, recipient_id) DO UPDATE SET address=excluded.address`, r.ScheduleID, r.ID, r.Address)
	return err
}

func (s *Store) RemoveRecipient(ctx context.Context, scheduleID, recipientID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedule_recipients WHERE schedule_id=? AND recipient_id=?`, scheduleID, recipientID)
	return err
}

// ResolveRecipients lists the recipients currently attached to a schedule.
func (s *Store) ResolveRecipients(ctx context.Context, scheduleID string) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT schedule_id, recipient_id, address FROM schedule_recipients WHERE schedule_id=? ORDER BY recipient_id`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		if err := rows.Scan(&r.ScheduleID, &r.ID, &r.Address); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRecipient(ctx context.Context, scheduleID, recipientID string) (domain.Recipient, error) {
	var r domain.Recipient
	err := s.db.QueryRowContext(ctx, `
SELECT schedule_id, recipient_id, address FROM schedule_recipients WHERE schedule_id=? AND recipient_id=?`,
		scheduleID, recipientID).Scan(&r.ScheduleID, &r.ID, &r.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Recipient{}, domain.ErrNotFound
	}
	return r, err
}

func (s *Store) SetOwner(ctx context.Context, o domain.Owner) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO owners (id, active, updated_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET active=excluded.active, updated_at=excluded.updated_at`, o.ID, boolInt(o.Active), FormatTime(time.Now()))
	return err
}

// OwnerActive reports whether the owning entity is active. Unknown owners
// count as active.
func (s *Store) OwnerActive(ctx context.Context, ownerID string) (bool, error) {
	if ownerID == "" {
		return true, nil
	}
	var active int
	err := s.db.QueryRowContext(ctx, `SELECT active FROM owners WHERE id=?`, ownerID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return active == 1, nil
}
