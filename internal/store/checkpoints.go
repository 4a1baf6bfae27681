package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"schedflow/internal/domain"
)

// ChainHead returns the end of the latest checkpoint for the chain. ok is
// false when the chain has never been scanned.
func ChainHead(ctx context.Context, q Querier, chain string) (end time.Time, ok bool, err error) {
	var s string
	err = q.QueryRowContext(ctx, `SELECT end_time FROM scan_chains WHERE chain=?`, chain).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	end, err = ParseTime(s)
	return end, err == nil, err
}

// AppendCheckpoint records cp and moves the chain head from cp.StartTime to
// cp.EndTime. When the chain already has a head it must equal cp.StartTime,
// otherwise ErrCheckpointConflict is returned and nothing is written.
func AppendCheckpoint(ctx context.Context, q Querier, cp domain.ScanCheckpoint, hadHead bool) (int64, error) {
	res, err := q.ExecContext(ctx, `
INSERT INTO scan_checkpoints (chain, start_time, end_time, matched, created_at) VALUES (?,?,?,?,?)`,
		cp.Chain, FormatTime(cp.StartTime), FormatTime(cp.EndTime), cp.Matched, FormatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("insert checkpoint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if hadHead {
		res, err = q.ExecContext(ctx, `
UPDATE scan_chains SET checkpoint_id=?, end_time=? WHERE chain=? AND end_time=?`,
			id, FormatTime(cp.EndTime), cp.Chain, FormatTime(cp.StartTime))
	} else {
		res, err = q.ExecContext(ctx, `
INSERT INTO scan_chains (chain, checkpoint_id, end_time) VALUES (?,?,?) ON CONFLICT(chain) DO NOTHING`,
			cp.Chain, id, FormatTime(cp.EndTime))
	}
	if err != nil {
		return 0, fmt.Errorf("advance chain head: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return 0, ErrCheckpointConflict
	}
	return id, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, chain string, limit int) ([]domain.ScanCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, chain, start_time, end_time, matched, created_at FROM scan_checkpoints
WHERE chain=? ORDER BY id DESC LIMIT ?`, chain, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScanCheckpoint
	for rows.Next() {
		var (
			cp                domain.ScanCheckpoint
			start, end, creat string
		)
		if err := rows.Scan(&cp.ID, &cp.Chain, &start, &end, &cp.Matched, &creat); err != nil {
			return nil, err
		}
		if err := mustParse(&cp.StartTime, start); err != nil {
			return nil, err
		}
		if err := mustParse(&cp.EndTime, end); err != nil {
			return nil, err
		}
		if err := mustParse(&cp.CreatedAt, creat); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
