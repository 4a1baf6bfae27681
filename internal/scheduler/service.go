package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"schedflow/internal/dispatch"
	"schedflow/internal/metrics"
	"schedflow/internal/queue"
	"schedflow/internal/scanner"
	"schedflow/internal/store"
)

type Config struct {
	ScanCron      string
	SweepCron     string
	RetentionCron string
	// RetentionMaxAge is how long dispatch log rows and finished tasks are kept.
	RetentionMaxAge time.Duration
	// JobTimeout bounds a single run of any job.
	JobTimeout time.Duration
}

// PurgeResult reports how many rows a retention run deleted.
type PurgeResult struct {
	DispatchLog int64 `json:"dispatch_log"`
	Tasks       int64 `json:"tasks"`
}

// Service runs the scan, due sweep and retention jobs on cron schedules.
type Service struct {
	scanner *scanner.Scanner
	drainer *dispatch.Drainer
	store   *store.Store
	tasks   queue.Repository
	cfg     Config
	metrics *metrics.Metrics

	cron *cron.Cron
	stop chan struct{}
	now  func() time.Time
}

func NewService(sc *scanner.Scanner, d *dispatch.Drainer, st *store.Store, tasks queue.Repository, cfg Config, m *metrics.Metrics) (*Service, error) {
	if cfg.ScanCron == "" {
		cfg.ScanCron = "*/15 * * * *"
	}
	if cfg.SweepCron == "" {
		cfg.SweepCron = "* * * * *"
	}
	if cfg.RetentionCron == "" {
		cfg.RetentionCron = "@daily"
	}
	if cfg.RetentionMaxAge <= 0 {
		cfg.RetentionMaxAge = 12 * 7 * 24 * time.Hour
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	for name, spec := range map[string]string{"scan": cfg.ScanCron, "sweep": cfg.SweepCron, "retention": cfg.RetentionCron} {
		if err := ValidateCronExpression(spec); err != nil {
			return nil, fmt.Errorf("invalid %s cron %q: %w", name, spec, err)
		}
	}

	logger := cronLogger{}
	return &Service{
		scanner: sc,
		drainer: d,
		store:   st,
		tasks:   tasks,
		cfg:     cfg,
		metrics: m,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		stop: make(chan struct{}),
		now:  time.Now,
	}, nil
}

// Start registers the jobs and blocks until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"scan", s.cfg.ScanCron, func(ctx context.Context) error { _, err := s.RunScan(ctx); return err }},
		{"sweep", s.cfg.SweepCron, func(ctx context.Context) error { _, err := s.RunSweep(ctx); return err }},
		{"retention", s.cfg.RetentionCron, func(ctx context.Context) error { _, err := s.RunPurge(ctx); return err }},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, func() {
			jctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
			defer cancel()
			if err := j.run(jctx); err != nil {
				log.Error().Err(err).Str("job", j.name).Msg("scheduled job failed")
			}
		}); err != nil {
			return fmt.Errorf("add %s job: %w", j.name, err)
		}
	}

	s.cron.Start()
	log.Info().
		Str("scan", s.cfg.ScanCron).
		Str("sweep", s.cfg.SweepCron).
		Str("retention", s.cfg.RetentionCron).
		Msg("schedule service started")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	<-s.cron.Stop().Done()
	log.Info().Msg("schedule service stopped")
	return nil
}

func (s *Service) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// RunScan performs one timeline scan at the current time.
func (s *Service) RunScan(ctx context.Context) (scanner.Result, error) {
	return s.scanner.Scan(ctx, s.now())
}

// RunSweep enqueues every instance that is due now.
func (s *Service) RunSweep(ctx context.Context) (int, error) {
	return s.drainer.EnqueueDue(ctx, s.now())
}

// RunPurge deletes dispatch log rows and finished tasks past retention.
func (s *Service) RunPurge(ctx context.Context) (PurgeResult, error) {
	cutoff := s.now().Add(-s.cfg.RetentionMaxAge)
	var (
		res PurgeResult
		err error
	)
	if res.DispatchLog, err = s.store.PurgeDispatchLog(ctx, cutoff); err != nil {
		return res, fmt.Errorf("purge dispatch log: %w", err)
	}
	if res.Tasks, err = s.tasks.PurgeFinished(ctx, cutoff); err != nil {
		return res, fmt.Errorf("purge tasks: %w", err)
	}
	s.metrics.Purged("schedule_dispatch_log", res.DispatchLog)
	s.metrics.Purged("tasks", res.Tasks)
	log.Info().Time("cutoff", cutoff).Int64("dispatch_log", res.DispatchLog).Int64("tasks", res.Tasks).Msg("retention purge done")
	return res, nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
