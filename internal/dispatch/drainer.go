// Package dispatch turns fire tasks into deliveries.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"schedflow/internal/domain"
	"schedflow/internal/instance"
	"schedflow/internal/queue"
	"schedflow/internal/sender"
	"schedflow/internal/store"
	"schedflow/internal/worker"
)

type Options struct {
	MaxAttempts       int
	VisibilityTimeout int
	// DueBatch caps how many due instances one sweep enqueues.
	DueBatch int
}

type Drainer struct {
	store     *store.Store
	schedules *store.ScheduleCache
	machine   *instance.Machine
	deliverer *sender.Deliverer
	tasks     queue.Repository
	opts      Options
}

func New(st *store.Store, cache *store.ScheduleCache, m *instance.Machine, d *sender.Deliverer, tasks queue.Repository, opts Options) *Drainer {
	if opts.DueBatch <= 0 {
		opts.DueBatch = 500
	}
	return &Drainer{store: st, schedules: cache, machine: m, deliverer: d, tasks: tasks, opts: opts}
}

// Fire delivers one occurrence of a schedule to all of its recipients.
// Failures for one recipient never stop the others; transient ones are
// returned joined so the task is retried.
func (d *Drainer) Fire(ctx context.Context, scheduleID string, occurrence time.Time) error {
	sc, err := d.schedules.GetSchedule(ctx, scheduleID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Debug().Str("schedule_id", scheduleID).Msg("schedule no longer exists, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schedule %s: %w", scheduleID, err)
	}
	if retired, err := d.retireIfOrphaned(ctx, sc); err != nil || retired {
		return err
	}

	recipients, err := d.store.ResolveRecipients(ctx, sc.ID)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", sc.ID).Msg("failed to resolve recipients")
		return &domain.TransientSendError{Err: fmt.Errorf("resolve recipients of %s: %w", sc.ID, err)}
	}

	var errs []error
	if sc.MultiStep() {
		for _, r := range recipients {
			if err := d.machine.Evaluate(ctx, sc, r); err != nil && !domain.IsPermanent(err) {
				errs = append(errs, err)
			}
		}
		if n, err := d.machine.Prune(ctx, sc, recipients); err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			log.Info().Str("schedule_id", sc.ID).Int("detached", n).Msg("detached instances of removed recipients")
		}
	} else {
		occ := occurrence.UTC().Format(time.RFC3339)
		content := domain.Content{ScheduleID: sc.ID, Subject: sc.Subject, Body: sc.Body}
		for _, r := range recipients {
			done, err := d.store.Delivered(ctx, sc.ID, r.ID, occ)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if done {
				continue
			}
			if err := d.deliverer.Deliver(ctx, r, content, occ); err != nil && !domain.IsPermanent(err) {
				errs = append(errs, err)
			}
		}
	}

	log.Info().
		Str("schedule_id", sc.ID).
		Time("occurrence", occurrence).
		Int("recipients", len(recipients)).
		Int("failed", len(errs)).
		Msg("schedule fired")
	return errors.Join(errs...)
}

// retireIfOrphaned deletes schedules whose owner is no longer active.
func (d *Drainer) retireIfOrphaned(ctx context.Context, sc domain.Schedule) (bool, error) {
	active, err := d.store.OwnerActive(ctx, sc.OwnerID)
	if err != nil {
		return false, fmt.Errorf("check owner of %s: %w", sc.ID, err)
	}
	if active {
		return false, nil
	}
	n, err := d.store.DeactivateSchedule(ctx, sc.ID)
	if err != nil {
		return false, err
	}
	if err := d.store.DeleteSchedule(ctx, sc.ID); err != nil {
		return false, err
	}
	d.schedules.Invalidate(sc.ID)
	log.Warn().Str("schedule_id", sc.ID).Str("owner_id", sc.OwnerID).Int("instances", n).
		Msg("owner inactive, schedule deleted")
	return true, nil
}

// FireInstance fires a single instance if it is still active and due.
func (d *Drainer) FireInstance(ctx context.Context, instanceID string) error {
	in, err := d.store.GetInstance(ctx, instanceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !in.Active {
		return nil
	}

	sc, err := d.schedules.GetSchedule(ctx, in.ScheduleID)
	if errors.Is(err, domain.ErrNotFound) {
		_, err = d.machine.Deactivate(ctx, in.ScheduleID, in.RecipientID)
		return err
	}
	if err != nil {
		return err
	}
	if retired, err := d.retireIfOrphaned(ctx, sc); err != nil || retired {
		return err
	}

	r, err := d.store.GetRecipient(ctx, in.ScheduleID, in.RecipientID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Info().Str("instance_id", in.ID).Msg("recipient removed, detaching instance")
		_, err = d.machine.Detach(ctx, in.ScheduleID, in.RecipientID)
		return err
	}
	if err != nil {
		return err
	}
	return d.machine.Evaluate(ctx, sc, r)
}

// EnqueueDue queues a fire_instance task for every active instance due at
// now. Each instance version is queued at most once while its task is live.
func (d *Drainer) EnqueueDue(ctx context.Context, now time.Time) (int, error) {
	due, err := d.store.DueInstances(ctx, now, d.opts.DueBatch)
	if err != nil {
		return 0, fmt.Errorf("list due instances: %w", err)
	}
	for _, in := range due {
		payload, _ := json.Marshal(instancePayload{InstanceID: in.ID})
		key := fmt.Sprintf("inst:%s:v%d", in.ID, in.Version)
		if _, err := d.tasks.Enqueue(ctx, domain.Task{
			Type:              domain.TaskFireInstance,
			Payload:           payload,
			MaxAttempts:       d.opts.MaxAttempts,
			VisibilityTimeout: d.opts.VisibilityTimeout,
			IdempotencyKey:    &key,
		}); err != nil {
			return 0, fmt.Errorf("enqueue instance %s: %w", in.ID, err)
		}
	}
	if len(due) > 0 {
		log.Info().Int("instances", len(due)).Msg("due instances enqueued")
	}
	return len(due), nil
}

type schedulePayload struct {
	ScheduleID string    `json:"schedule_id"`
	Occurrence time.Time `json:"occurrence"`
}

type instancePayload struct {
	InstanceID string `json:"instance_id"`
}

// Handlers returns the worker handlers for the task types this drainer serves.
func (d *Drainer) Handlers() map[string]worker.Handler {
	return map[string]worker.Handler{
		domain.TaskFireSchedule: worker.HandlerFunc(func(ctx context.Context, raw json.RawMessage) error {
			var p schedulePayload
			if err := json.Unmarshal(raw, &p); err != nil || p.ScheduleID == "" {
				return &domain.PermanentScheduleError{Reason: fmt.Sprintf("invalid fire_schedule payload: %s", raw)}
			}
			return d.Fire(ctx, p.ScheduleID, p.Occurrence)
		}),
		domain.TaskFireInstance: worker.HandlerFunc(func(ctx context.Context, raw json.RawMessage) error {
			var p instancePayload
			if err := json.Unmarshal(raw, &p); err != nil || p.InstanceID == "" {
				return &domain.PermanentScheduleError{Reason: fmt.Sprintf("invalid fire_instance payload: %s", raw)}
			}
			return d.FireInstance(ctx, p.InstanceID)
		}),
	}
}
