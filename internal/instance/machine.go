// Package instance drives per-recipient progress through multi-step
// schedules.
package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"schedflow/internal/domain"
	"schedflow/internal/lock"
	"schedflow/internal/metrics"
	"schedflow/internal/sender"
	"schedflow/internal/store"
)

// NewInstance builds the first-match instance for a recipient.
func NewInstance(sc domain.Schedule, recipientID string, now time.Time) domain.ScheduleInstance {
	start := now.Add(sc.StartOffset)
	return domain.ScheduleInstance{
		ScheduleID:   sc.ID,
		RecipientID:  recipientID,
		CurrentEvent: 0,
		Iteration:    1,
		StartDate:    start,
		NextEventDue: dueAt(sc, start, 0),
		Active:       true,
	}
}

// Advance moves in past its current step: to the next step of the pass, to
// the first step of the next iteration, or to inactive when no iteration
// remains.
func Advance(sc domain.Schedule, in domain.ScheduleInstance) domain.ScheduleInstance {
	if in.CurrentEvent+1 < len(sc.Events) {
		in.CurrentEvent++
		in.NextEventDue = dueAt(sc, in.StartDate, in.CurrentEvent)
		return in
	}
	if !sc.Repeats(in.Iteration) {
		in.Active = false
		return in
	}
	in.Iteration++
	in.CurrentEvent = 0
	in.StartDate = in.StartDate.Add(sc.IterationLength())
	in.NextEventDue = dueAt(sc, in.StartDate, 0)
	return in
}

// ResetInstance restarts in from its first step as of now. A first step
// that would be due at or before now is due at the next minute boundary.
func ResetInstance(sc domain.Schedule, in domain.ScheduleInstance, now time.Time) domain.ScheduleInstance {
	in.CurrentEvent = 0
	in.Iteration = 1
	in.StartDate = now.Add(sc.StartOffset)
	in.NextEventDue = dueAt(sc, in.StartDate, 0)
	if !in.NextEventDue.After(now) {
		shift := now.Truncate(time.Minute).Add(time.Minute).Sub(in.NextEventDue)
		in.StartDate = in.StartDate.Add(shift)
		in.NextEventDue = in.NextEventDue.Add(shift)
	}
	in.Active = true
	in.Detached = false
	return in
}

// restart begins a detached instance over as of now. Unlike ResetInstance
// the first step is due immediately, as for a new instance.
func restart(sc domain.Schedule, in domain.ScheduleInstance, now time.Time) domain.ScheduleInstance {
	fresh := NewInstance(sc, in.RecipientID, now)
	in.CurrentEvent = fresh.CurrentEvent
	in.Iteration = fresh.Iteration
	in.StartDate = fresh.StartDate
	in.NextEventDue = fresh.NextEventDue
	in.Active = true
	in.Detached = false
	return in
}

func dueAt(sc domain.Schedule, start time.Time, step int) time.Time {
	if step < len(sc.Events) {
		return start.Add(sc.Events[step].Offset())
	}
	return start
}

type Options struct {
	LockWait time.Duration
	LockTTL  time.Duration
}

type Machine struct {
	store     *store.Store
	locker    lock.Locker
	deliverer *sender.Deliverer
	opts      Options
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewMachine(st *store.Store, locker lock.Locker, d *sender.Deliverer, opts Options, m *metrics.Metrics) *Machine {
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	return &Machine{store: st, locker: locker, deliverer: d, opts: opts, metrics: m, now: time.Now}
}

func lockKey(scheduleID, recipientID string) string {
	return "instance:" + scheduleID + ":" + recipientID
}

func (m *Machine) locked(ctx context.Context, scheduleID, recipientID string, fn func() error) error {
	err := lock.With(ctx, m.locker, lockKey(scheduleID, recipientID), m.opts.LockWait, m.opts.LockTTL, fn)
	if errors.Is(err, lock.ErrTimeout) {
		m.metrics.LockTimeout("instance")
		log.Warn().Str("schedule_id", scheduleID).Str("recipient_id", recipientID).Msg("instance busy, skipping")
		return fmt.Errorf("instance %s/%s: %w", scheduleID, recipientID, err)
	}
	return err
}

// Evaluate is called when the schedule matched for a recipient, and again
// whenever its instance may be due. The first call creates the instance;
// later calls fire the current step if it is due and do nothing otherwise.
func (m *Machine) Evaluate(ctx context.Context, sc domain.Schedule, r domain.Recipient) error {
	return m.locked(ctx, sc.ID, r.ID, func() error {
		now := m.now().UTC()
		in, err := m.store.FindInstance(ctx, sc.ID, r.ID)
		if errors.Is(err, domain.ErrNotFound) {
			in, err = m.store.CreateInstance(ctx, NewInstance(sc, r.ID, now))
			if errors.Is(err, store.ErrDuplicateInstance) {
				in, err = m.store.FindInstance(ctx, sc.ID, r.ID)
			} else if err == nil {
				m.metrics.Transition("create")
				log.Info().Str("schedule_id", sc.ID).Str("recipient_id", r.ID).Str("instance_id", in.ID).
					Time("next_event_due", in.NextEventDue).Msg("schedule instance created")
			}
		}
		if err != nil {
			return fmt.Errorf("load instance %s/%s: %w", sc.ID, r.ID, err)
		}
		if in.Detached {
			if in, err = m.save(ctx, restart(sc, in, now), "reactivate"); err != nil {
				return err
			}
			log.Info().Str("schedule_id", sc.ID).Str("recipient_id", r.ID).Str("instance_id", in.ID).
				Time("next_event_due", in.NextEventDue).Msg("recipient re-attached, instance restarted")
		}
		return m.fire(ctx, sc, r, in, now)
	})
}

func (m *Machine) fire(ctx context.Context, sc domain.Schedule, r domain.Recipient, in domain.ScheduleInstance, now time.Time) error {
	if !in.Due(now) {
		return nil
	}
	if in.CurrentEvent >= len(sc.Events) {
		// Steps were removed from the schedule; close out the pass.
		_, err := m.save(ctx, Advance(sc, in), "advance")
		return err
	}

	ev := sc.Events[in.CurrentEvent]
	subject := ev.Subject
	if subject == "" {
		subject = sc.Subject
	}
	content := domain.Content{ScheduleID: sc.ID, Subject: subject, Body: ev.Body}
	occurrence := fmt.Sprintf("%s:i%d:e%d", in.ID, in.Iteration, in.CurrentEvent)

	err := m.deliverer.Deliver(ctx, r, content, occurrence)
	switch {
	case err == nil:
		next := Advance(sc, in)
		transition := "fire"
		if !next.Active {
			transition = "complete"
		}
		if _, err := m.save(ctx, next, transition); err != nil {
			return err
		}
		log.Info().Str("instance_id", in.ID).Int("iteration", in.Iteration).Int("step", in.CurrentEvent).
			Bool("active", next.Active).Time("next_event_due", next.NextEventDue).Msg("instance step sent")
		return nil
	case domain.IsPermanent(err):
		in.Active = false
		if _, serr := m.save(ctx, in, "deactivate"); serr != nil {
			return serr
		}
		log.Warn().Err(err).Str("instance_id", in.ID).Msg("instance deactivated after permanent failure")
		return nil
	default:
		log.Warn().Err(err).Str("instance_id", in.ID).Int("step", in.CurrentEvent).Msg("instance step not sent, will retry")
		return err
	}
}

func (m *Machine) save(ctx context.Context, in domain.ScheduleInstance, transition string) (domain.ScheduleInstance, error) {
	out, err := m.store.UpdateInstance(ctx, in)
	if err != nil {
		return domain.ScheduleInstance{}, fmt.Errorf("save instance %s: %w", in.ID, err)
	}
	m.metrics.Transition(transition)
	return out, nil
}

// Reset restarts the recipient's instance from the first step.
func (m *Machine) Reset(ctx context.Context, sc domain.Schedule, recipientID string) (domain.ScheduleInstance, error) {
	var out domain.ScheduleInstance
	err := m.locked(ctx, sc.ID, recipientID, func() error {
		in, err := m.store.FindInstance(ctx, sc.ID, recipientID)
		if err != nil {
			return err
		}
		out, err = m.save(ctx, ResetInstance(sc, in, m.now().UTC()), "reset")
		return err
	})
	if err == nil {
		log.Info().Str("instance_id", out.ID).Time("next_event_due", out.NextEventDue).Msg("instance reset")
	}
	return out, err
}

// Deactivate stops the recipient's instance regardless of its state. Only
// Reset brings it back.
func (m *Machine) Deactivate(ctx context.Context, scheduleID, recipientID string) (domain.ScheduleInstance, error) {
	return m.stop(ctx, scheduleID, recipientID, false)
}

// Detach stops the instance of a recipient that left the schedule. The
// instance restarts from its first step if the recipient is evaluated again.
func (m *Machine) Detach(ctx context.Context, scheduleID, recipientID string) (domain.ScheduleInstance, error) {
	return m.stop(ctx, scheduleID, recipientID, true)
}

func (m *Machine) stop(ctx context.Context, scheduleID, recipientID string, detach bool) (domain.ScheduleInstance, error) {
	var out domain.ScheduleInstance
	transition := "deactivate"
	if detach {
		transition = "detach"
	}
	err := m.locked(ctx, scheduleID, recipientID, func() error {
		in, err := m.store.FindInstance(ctx, scheduleID, recipientID)
		if err != nil {
			return err
		}
		in.Active = false
		in.Detached = detach
		out, err = m.save(ctx, in, transition)
		return err
	})
	return out, err
}

// ObserveProperty records the latest value of the schedule's watched
// property and resets the instance when it changed. The first observation
// only records the value.
func (m *Machine) ObserveProperty(ctx context.Context, sc domain.Schedule, recipientID, value string) (domain.ScheduleInstance, bool, error) {
	var (
		out   domain.ScheduleInstance
		reset bool
	)
	err := m.locked(ctx, sc.ID, recipientID, func() error {
		in, err := m.store.FindInstance(ctx, sc.ID, recipientID)
		if err != nil {
			return err
		}
		if in.ResetValue != nil && *in.ResetValue == value {
			out = in
			return nil
		}
		transition := "observe"
		if in.ResetValue != nil {
			in = ResetInstance(sc, in, m.now().UTC())
			reset = true
			transition = "reset"
		}
		v := value
		in.ResetValue = &v
		out, err = m.save(ctx, in, transition)
		return err
	})
	if reset {
		log.Info().Str("instance_id", out.ID).Str("property", sc.ResetProperty).Msg("instance reset on property change")
	}
	return out, reset, err
}

// Prune detaches instances of recipients that are no longer attached to
// the schedule.
func (m *Machine) Prune(ctx context.Context, sc domain.Schedule, current []domain.Recipient) (int, error) {
	keep := make(map[string]bool, len(current))
	for _, r := range current {
		keep[r.ID] = true
	}
	instances, err := m.store.ListInstances(ctx, sc.ID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, in := range instances {
		if !in.Active || keep[in.RecipientID] {
			continue
		}
		if _, err := m.Detach(ctx, sc.ID, in.RecipientID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
