package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"schedflow/internal/domain"
)

const instanceColumns = `id,schedule_id,recipient_id,current_event_num,schedule_iteration_num,start_date,next_event_due,active,detached,reset_value,version,created_at,updated_at`

func scanInstance(row rowScanner) (domain.ScheduleInstance, error) {
	var (
		in                           domain.ScheduleInstance
		active, detached             int
		reset                        sql.NullString
		start, due, created, updated string
	)
	if err := row.Scan(&in.ID, &in.ScheduleID, &in.RecipientID, &in.CurrentEvent, &in.Iteration, &start, &due,
		&active, &detached, &reset, &in.Version, &created, &updated); err != nil {
		return domain.ScheduleInstance{}, err
	}
	in.Active = active == 1
	in.Detached = detached == 1
	if reset.Valid {
		v := reset.String
		in.ResetValue = &v
	}
	for _, p := range []struct {
		dst *time.Time
		src string
	}{{&in.StartDate, start}, {&in.NextEventDue, due}, {&in.CreatedAt, created}, {&in.UpdatedAt, updated}} {
		if err := mustParse(p.dst, p.src); err != nil {
			return domain.ScheduleInstance{}, err
		}
	}
	return in, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// CreateInstance inserts a new instance. ErrDuplicateInstance is returned
// when the (schedule, recipient) pair already has one.
func (s *Store) CreateInstance(ctx context.Context, in domain.ScheduleInstance) (domain.ScheduleInstance, error) {
	if in.ID == "" {
		in.ID = "ins_" + uuid.NewString()
	}
	now := time.Now().UTC()
	in.Version = 1
	in.CreatedAt, in.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedule_instances (`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.ScheduleID, in.RecipientID, in.CurrentEvent, in.Iteration, FormatTime(in.StartDate), FormatTime(in.NextEventDue),
		boolInt(in.Active), boolInt(in.Detached), nullString(in.ResetValue), in.Version, FormatTime(now), FormatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ScheduleInstance{}, ErrDuplicateInstance
		}
		return domain.ScheduleInstance{}, fmt.Errorf("insert instance: %w", err)
	}
	return in, nil
}

// UpdateInstance writes in if its version still matches the stored row and
// bumps the version. ErrVersionConflict means another writer got there first.
func (s *Store) UpdateInstance(ctx context.Context, in domain.ScheduleInstance) (domain.ScheduleInstance, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE schedule_instances
SET current_event_num=?, schedule_iteration_num=?, start_date=?, next_event_due=?, active=?, detached=?, reset_value=?,
    version=version+1, updated_at=?
WHERE id=? AND version=?`,
		in.CurrentEvent, in.Iteration, FormatTime(in.StartDate), FormatTime(in.NextEventDue), boolInt(in.Active),
		boolInt(in.Detached), nullString(in.ResetValue), FormatTime(now), in.ID, in.Version)
	if err != nil {
		return domain.ScheduleInstance{}, fmt.Errorf("update instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ScheduleInstance{}, ErrVersionConflict
	}
	in.Version++
	in.UpdatedAt = now
	return in, nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (domain.ScheduleInstance, error) {
	in, err := scanInstance(s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM schedule_instances WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduleInstance{}, domain.ErrNotFound
	}
	return in, err
}

func (s *Store) FindInstance(ctx context.Context, scheduleID, recipientID string) (domain.ScheduleInstance, error) {
	in, err := scanInstance(s.db.QueryRowContext(ctx, `
SELECT `+instanceColumns+` FROM schedule_instances WHERE schedule_id=? AND recipient_id=?`, scheduleID, recipientID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduleInstance{}, domain.ErrNotFound
	}
	return in, err
}

func (s *Store) ListInstances(ctx context.Context, scheduleID string) ([]domain.ScheduleInstance, error) {
	return s.queryInstances(ctx, `
SELECT `+instanceColumns+` FROM schedule_instances WHERE schedule_id=? ORDER BY recipient_id`, scheduleID)
}

// DueInstances lists active instances whose next event is due at or before now.
func (s *Store) DueInstances(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleInstance, error) {
	return s.queryInstances(ctx, `
SELECT `+instanceColumns+` FROM schedule_instances
WHERE active=1 AND next_event_due <= ? ORDER BY next_event_due LIMIT ?`, FormatTime(now), limit)
}

// DeactivateSchedule marks every instance of the schedule inactive.
func (s *Store) DeactivateSchedule(ctx context.Context, scheduleID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE schedule_instances SET active=0, version=version+1, updated_at=? WHERE schedule_id=? AND active=1`,
		FormatTime(time.Now()), scheduleID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) queryInstances(ctx context.Context, query string, args ...any) ([]domain.ScheduleInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduleInstance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
