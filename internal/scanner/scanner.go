// Package scanner walks the timeline between the last checkpoint and now and
// turns every matched grid instant into a durable fire task.
package scanner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"schedflow/internal/domain"
	"schedflow/internal/lock"
	"schedflow/internal/metrics"
	"schedflow/internal/queue"
	"schedflow/internal/recurrence"
	"schedflow/internal/store"
)

// Match is one schedule occurrence found by a scan.
type Match struct {
	ScheduleID string    `json:"schedule_id"`
	Instant    time.Time `json:"occurrence"`
}

// Result is the outcome of one scan: the checkpoint it wrote and what matched.
type Result struct {
	Checkpoint domain.ScanCheckpoint
	Matches    []Match
	// Skipped is set when now did not move past the chain head.
	Skipped bool
}

// ScheduleIDs returns the distinct matched schedule ids in match order.
func (r Result) ScheduleIDs() []string {
	seen := make(map[string]bool, len(r.Matches))
	var ids []string
	for _, m := range r.Matches {
		if !seen[m.ScheduleID] {
			seen[m.ScheduleID] = true
			ids = append(ids, m.ScheduleID)
		}
	}
	return ids
}

// Options configures a Scanner. Zero values take defaults in New.
type Options struct {
	Chain       string
	LockTimeout time.Duration
	LockTTL     time.Duration
	// GuessWindow is how far past a grid mark a cold-start scan may run.
	GuessWindow time.Duration
	// Task settings for enqueued fire tasks.
	MaxAttempts       int
	VisibilityTimeout int
}

// Scanner advances one checkpoint chain and enqueues the occurrences it matches.
type Scanner struct {
	store   *store.Store
	locker  lock.Locker
	opts    Options
	metrics *metrics.Metrics
}

func New(st *store.Store, locker lock.Locker, opts Options, m *metrics.Metrics) *Scanner {
	if opts.Chain == "" {
		opts.Chain = "default"
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.GuessWindow <= 0 {
		opts.GuessWindow = 5 * time.Minute
	}
	return &Scanner{store: st, locker: locker, opts: opts, metrics: m}
}

// Scan covers (head, now] for the scanner's chain. The checkpoint and the
// fire tasks for every match are committed together or not at all.
func (s *Scanner) Scan(ctx context.Context, now time.Time) (Result, error) {
	now = now.UTC().Truncate(time.Microsecond)
	var res Result
	err := lock.With(ctx, s.locker, "scanner:"+s.opts.Chain, s.opts.LockTimeout, s.opts.LockTTL, func() error {
		var err error
		res, err = s.scanLocked(ctx, now)
		return err
	})
	switch {
	case errors.Is(err, lock.ErrTimeout):
		s.metrics.LockTimeout("scanner")
		s.metrics.Scan("lock_timeout", 0, 0)
		return Result{}, fmt.Errorf("scan %s: %w", s.opts.Chain, err)
	case err != nil:
		s.metrics.Scan("error", 0, 0)
		return Result{}, err
	case res.Skipped:
		s.metrics.Scan("skipped", 0, 0)
	default:
		cp := res.Checkpoint
		s.metrics.Scan("ok", len(res.Matches), cp.EndTime.Sub(cp.StartTime).Seconds())
	}
	return res, nil
}

func (s *Scanner) scanLocked(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	err := s.store.InTx(ctx, func(tx *sql.Tx) error {
		head, hadHead, err := store.ChainHead(ctx, tx, s.opts.Chain)
		if err != nil {
			return fmt.Errorf("load chain head: %w", err)
		}
		start := head
		if !hadHead {
			if start, err = ColdStart(now, s.opts.GuessWindow); err != nil {
				return err
			}
		}
		if !now.After(start) {
			log.Warn().Str("chain", s.opts.Chain).Time("head", start).Time("now", now).Msg("scan clock did not advance, skipping")
			res.Skipped = true
			return nil
		}

		matches, err := collect(ctx, tx, start, now)
		if err != nil {
			return err
		}

		cp := domain.ScanCheckpoint{Chain: s.opts.Chain, StartTime: start, EndTime: now, Matched: len(matches)}
		if cp.ID, err = store.AppendCheckpoint(ctx, tx, cp, hadHead); err != nil {
			return err
		}
		for _, m := range matches {
			if err := s.enqueue(ctx, tx, m); err != nil {
				return err
			}
		}
		res = Result{Checkpoint: cp, Matches: matches}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if !res.Skipped {
		log.Info().
			Str("chain", s.opts.Chain).
			Time("start", res.Checkpoint.StartTime).
			Time("end", res.Checkpoint.EndTime).
			Int("matches", len(res.Matches)).
			Msg("scan checkpoint committed")
	}
	return res, nil
}

func collect(ctx context.Context, q store.Querier, start, end time.Time) ([]Match, error) {
	var matches []Match
	for _, t := range recurrence.Instants(start, end) {
		seen := make(map[string]bool)
		for _, iv := range domain.Intervals {
			ids, err := store.MatchingScheduleIDs(ctx, q, iv, recurrence.Candidates(iv, t))
			if err != nil {
				return nil, fmt.Errorf("match %s at %s: %w", iv, t.Format(time.RFC3339), err)
			}
			for _, id := range ids {
				if !seen[id] {
					seen[id] = true
					matches = append(matches, Match{ScheduleID: id, Instant: t})
				}
			}
		}
	}
	return matches, nil
}

func (s *Scanner) enqueue(ctx context.Context, q store.Querier, m Match) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("fire:%s:%s", m.ScheduleID, m.Instant.Format(time.RFC3339))
	_, err = queue.EnqueueWith(ctx, q, domain.Task{
		Type:              domain.TaskFireSchedule,
		Payload:           payload,
		MaxAttempts:       s.opts.MaxAttempts,
		VisibilityTimeout: s.opts.VisibilityTimeout,
		IdempotencyKey:    &key,
	})
	if err != nil {
		return fmt.Errorf("enqueue fire task for %s: %w", m.ScheduleID, err)
	}
	return nil
}

// ColdStart picks the start of the very first scan of a chain. now must be
// within window past one of the :00/:15/:30/:45 marks; the start is placed one
// minute before that mark so the mark itself is scanned.
func ColdStart(now time.Time, window time.Duration) (time.Time, error) {
	now = now.UTC()
	hour := now.Truncate(time.Hour)
	for _, m := range []int{0, 15, 30, 45} {
		mark := hour.Add(time.Duration(m) * time.Minute)
		if !now.Before(mark) && now.Sub(mark) < window {
			return mark.Add(-time.Minute), nil
		}
	}
	return time.Time{}, &domain.ConfigurationError{
		Msg: fmt.Sprintf("no prior checkpoint and %s is not within %s of a 15-minute mark", now.Format(time.RFC3339), window),
	}
}
