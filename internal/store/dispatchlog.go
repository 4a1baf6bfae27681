package store

import (
	"context"
	"time"

	"schedflow/internal/domain"
)

func (s *Store) AppendDispatchLog(ctx context.Context, l domain.DispatchLog) error {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedule_dispatch_log (schedule_id, recipient_id, occurrence, state, size, error, timestamp)
VALUES (?,?,?,?,?,?,?)`, l.ScheduleID, l.RecipientID, l.Occurrence, l.State, l.Size, l.Error, FormatTime(l.Timestamp))
	return err
}

// Delivered reports whether a successful delivery was already logged for the
// recipient and occurrence.
func (s *Store) Delivered(ctx context.Context, scheduleID, recipientID, occurrence string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM schedule_dispatch_log
WHERE schedule_id=? AND recipient_id=? AND occurrence=? AND state='success'`, scheduleID, recipientID, occurrence).Scan(&n)
	return n > 0, err
}

func (s *Store) ListDispatchLog(ctx context.Context, scheduleID string, limit int) ([]domain.DispatchLog, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, schedule_id, recipient_id, occurrence, state, size, error, timestamp
FROM schedule_dispatch_log WHERE schedule_id=? ORDER BY id DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DispatchLog
	for rows.Next() {
		var (
			l  domain.DispatchLog
			ts string
		)
		if err := rows.Scan(&l.ID, &l.ScheduleID, &l.RecipientID, &l.Occurrence, &l.State, &l.Size, &l.Error, &ts); err != nil {
			return nil, err
		}
		if err := mustParse(&l.Timestamp, ts); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// PurgeDispatchLog deletes log rows older than before.
func (s *Store) PurgeDispatchLog(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedule_dispatch_log WHERE timestamp < ?`, FormatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
