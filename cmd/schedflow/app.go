package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"schedflow/internal/api"
	"schedflow/internal/config"
	"schedflow/internal/dispatch"
	"schedflow/internal/domain"
	"schedflow/internal/instance"
	"schedflow/internal/lock"
	"schedflow/internal/metrics"
	"schedflow/internal/queue"
	"schedflow/internal/scanner"
	"schedflow/internal/scheduler"
	"schedflow/internal/sender"
	"schedflow/internal/store"
	"schedflow/internal/worker"
)

// app holds every wired component of a running schedflow process.
type app struct {
	cfg     *config.Config
	db      *sql.DB
	rdb     *redis.Client
	metrics *metrics.Metrics

	store   *store.Store
	cache   *store.ScheduleCache
	tasks   queue.Repository
	machine *instance.Machine
	drainer *dispatch.Drainer
	service *scheduler.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a.db = db
	if err := store.EnsureSchema(db); err != nil {
		a.close()
		return nil, fmt.Errorf("ensure schedule schema: %w", err)
	}
	if err := queue.EnsureSchema(db); err != nil {
		a.close()
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}

	locker, err := a.newLocker(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	contentSender, err := newSender(cfg.Sender)
	if err != nil {
		a.close()
		return nil, err
	}

	a.store = store.New(db)
	a.cache = store.NewScheduleCache(a.store, cfg.Dispatch.CacheSize, cfg.Dispatch.CacheTTL)
	a.tasks = queue.NewSQLiteRepo(db)

	visibility := int(cfg.Dispatch.VisibilityTimeout / time.Second)
	deliverer := sender.NewDeliverer(contentSender, a.store, cfg.Dispatch.SendTimeout, a.metrics)
	a.machine = instance.NewMachine(a.store, locker, deliverer, instance.Options{
		LockWait: cfg.Dispatch.LockWait,
		LockTTL:  cfg.Dispatch.LockTTL,
	}, a.metrics)
	a.drainer = dispatch.New(a.store, a.cache, a.machine, deliverer, a.tasks, dispatch.Options{
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		VisibilityTimeout: visibility,
	})
	sc := scanner.New(a.store, locker, scanner.Options{
		Chain:             cfg.Scanner.Chain,
		LockTimeout:       cfg.Scanner.LockTimeout,
		LockTTL:           cfg.Scanner.LockTTL,
		GuessWindow:       cfg.Scanner.GuessWindow,
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		VisibilityTimeout: visibility,
	}, a.metrics)

	a.service, err = scheduler.NewService(sc, a.drainer, a.store, a.tasks, scheduler.Config{
		ScanCron:        cfg.Scanner.Cron,
		SweepCron:       cfg.Dispatch.DueSweepCron,
		RetentionCron:   cfg.Retention.Cron,
		RetentionMaxAge: cfg.Retention.MaxAge,
	}, a.metrics)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) newLocker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.Lock.Backend != "redis" {
		return lock.NewLocal(), nil
	}
	r := a.cfg.Lock.Redis
	a.rdb = redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.rdb.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", r.Addr, err)
	}
	log.Info().Str("addr", r.Addr).Msg("using redis lock backend")
	return lock.NewRedis(a.rdb, ""), nil
}

func newSender(c config.SenderConfig) (domain.ContentSender, error) {
	switch c.Kind {
	case "log":
		return sender.Log{}, nil
	case "webhook":
		return sender.NewWebhook(sender.WebhookConfig{
			URL:            c.Webhook.URL,
			Timeout:        c.Webhook.Timeout,
			Headers:        c.Webhook.Headers,
			MaxInlineBytes: c.Webhook.MaxInlineBytes,
		}), nil
	case "smtp":
		return sender.NewSMTP(sender.SMTPConfig{
			Addr:           c.SMTP.Addr,
			Username:       c.SMTP.Username,
			Password:       c.SMTP.Password,
			From:           c.SMTP.From,
			MaxInlineBytes: c.SMTP.MaxInlineBytes,
		}), nil
	}
	return nil, fmt.Errorf("unknown sender kind %q", c.Kind)
}

func (a *app) pool() *worker.Pool {
	d := a.cfg.Dispatch
	return worker.NewPool(a.tasks, a.drainer.Handlers(), d.Workers, d.PollInterval,
		worker.RetryPolicy{Base: d.RetryBase, Max: d.RetryMax}, a.metrics)
}

func (a *app) handler() http.Handler {
	return api.NewServer(api.Deps{
		Store:       a.store,
		Schedules:   a.cache,
		Tasks:       a.tasks,
		Machine:     a.machine,
		Service:     a.service,
		Metrics:     a.metrics,
		Chain:       a.cfg.Scanner.Chain,
		MetricsPath: a.cfg.Metrics.Path,
		Debug:       a.cfg.Server.Debug,
	})
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
