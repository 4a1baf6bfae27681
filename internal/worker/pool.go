package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"schedflow/internal/domain"
	"schedflow/internal/metrics"
	"schedflow/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error { return f(ctx, payload) }

// RetryPolicy spaces out retries of failed tasks exponentially.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Backoff returns the delay before the given attempt number (1-based) is
// retried.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base, max := p.Base, p.Max
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

type Pool struct {
	repo      queue.Repository
	handlers  map[string]Handler
	size      int
	pollEvery time.Duration
	retry     RetryPolicy
	metrics   *metrics.Metrics

	// A slot is held from before a task is leased until it is processed.
	slots    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewPool(repo queue.Repository, handlers map[string]Handler, size int, pollEvery time.Duration, retry RetryPolicy, m *metrics.Metrics) *Pool {
	if size <= 0 {
		size = 1
	}
	if pollEvery <= 0 {
		pollEvery = 250 * time.Millisecond
	}
	return &Pool{
		repo:      repo,
		handlers:  handlers,
		size:      size,
		pollEvery: pollEvery,
		retry:     retry,
		metrics:   m,
		slots:     make(chan struct{}, size),
		stop:      make(chan struct{}),
	}
}

// Run polls the queue until ctx is done or Stop is called, then waits for
// in-flight tasks to finish.
func (p *Pool) Run(ctx context.Context) {
	var g errgroup.Group
	defer g.Wait()

	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	log.Info().Int("workers", p.size).Dur("poll", p.pollEvery).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.drain(ctx, &g)
		}
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// drain leases tasks while a worker slot is free. Tasks stay queued while
// every slot is busy.
func (p *Pool) drain(ctx context.Context, g *errgroup.Group) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case p.slots <- struct{}{}:
		}

		task, _, err := p.repo.LeaseNext(ctx, time.Now())
		if err != nil {
			<-p.slots
			if !errors.Is(err, queue.ErrEmpty) {
				log.Error().Err(err).Msg("failed to lease task")
			}
			return
		}
		g.Go(func() error {
			defer func() { <-p.slots }()
			p.process(ctx, task)
			return nil
		})
	}
}

func (p *Pool) process(ctx context.Context, tk domain.Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task_id", tk.ID).Str("type", tk.Type).Interface("panic", r).Msg("task handler panicked")
			p.fail(ctx, tk, fmt.Sprintf("panic: %v", r))
		}
	}()

	h, ok := p.handlers[tk.Type]
	if !ok {
		p.fail(ctx, tk, "no handler for task type "+tk.Type)
		return
	}

	c, cancel := context.WithTimeout(ctx, time.Duration(tk.VisibilityTimeout)*time.Second)
	defer cancel()
	start := time.Now()
	err := h.Handle(c, tk.Payload)

	// Outcomes are recorded even if the pool is shutting down.
	rctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if err := p.repo.Succeed(rctx, tk.ID); err != nil {
			log.Error().Err(err).Str("task_id", tk.ID).Msg("failed to mark task succeeded")
		}
		p.metrics.Task(tk.Type, "succeeded")
		log.Debug().Str("task_id", tk.ID).Str("type", tk.Type).Dur("took", time.Since(start)).Msg("task succeeded")
	case domain.IsPermanent(err):
		p.fail(ctx, tk, err.Error())
	default:
		attempt := tk.Attempts + 1
		delay := p.retry.Backoff(attempt)
		if err := p.repo.Retry(rctx, tk.ID, err.Error(), delay); err != nil {
			log.Error().Err(err).Str("task_id", tk.ID).Msg("failed to reschedule task")
		}
		outcome := "retried"
		if attempt >= tk.MaxAttempts {
			outcome = "failed"
		}
		p.metrics.Task(tk.Type, outcome)
		log.Warn().Err(err).Str("task_id", tk.ID).Str("type", tk.Type).Int("attempt", attempt).
			Dur("retry_in", delay).Str("outcome", outcome).Msg("task failed")
	}
}

func (p *Pool) fail(ctx context.Context, tk domain.Task, reason string) {
	if err := p.repo.Fail(context.WithoutCancel(ctx), tk.ID, reason); err != nil {
		log.Error().Err(err).Str("task_id", tk.ID).Msg("failed to mark task failed")
	}
	p.metrics.Task(tk.Type, "failed")
	log.Error().Str("task_id", tk.ID).Str("type", tk.Type).Str("reason", reason).Msg("task failed permanently")
}
