// Package sender holds the ContentSender adapters and the Deliverer that
// wraps every send with a timeout, error classification and a dispatch log
// entry.
package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"schedflow/internal/domain"
	"schedflow/internal/metrics"
)

// Journal records delivery attempts.
type Journal interface {
	AppendDispatchLog(ctx context.Context, l domain.DispatchLog) error
}

type Deliverer struct {
	sender  domain.ContentSender
	journal Journal
	timeout time.Duration
	metrics *metrics.Metrics
}

func NewDeliverer(s domain.ContentSender, j Journal, timeout time.Duration, m *metrics.Metrics) *Deliverer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Deliverer{sender: s, journal: j, timeout: timeout, metrics: m}
}

// Deliver sends c to r and logs the outcome under occurrence. The returned
// error is nil, a *domain.TransientSendError or a *domain.PermanentScheduleError.
func (d *Deliverer) Deliver(ctx context.Context, r domain.Recipient, c domain.Content, occurrence string) error {
	err := d.attempt(ctx, r, c, d.sender.Send)
	if domain.IsOversize(err) {
		d.record(ctx, r, c, occurrence, domain.DispatchRetry, err)
		as, ok := d.sender.(domain.AttachmentSender)
		if !ok {
			err = &domain.PermanentScheduleError{ScheduleID: c.ScheduleID, Reason: err.Error()}
		} else {
			log.Info().Str("schedule_id", c.ScheduleID).Str("recipient_id", r.ID).Int("size", c.Size()).
				Msg("content too large, sending as attachment")
			err = d.attempt(ctx, r, c, as.SendAttachment)
		}
	}

	switch {
	case err == nil:
		d.record(ctx, r, c, occurrence, domain.DispatchSuccess, nil)
		return nil
	case domain.IsPermanent(err):
		d.record(ctx, r, c, occurrence, domain.DispatchError, err)
		return err
	case domain.IsOversize(err):
		// Attachment fallback was rejected for size too.
		err = &domain.PermanentScheduleError{ScheduleID: c.ScheduleID, Reason: err.Error()}
		d.record(ctx, r, c, occurrence, domain.DispatchError, err)
		return err
	default:
		if !domain.IsTransient(err) {
			err = &domain.TransientSendError{Err: err}
		}
		d.record(ctx, r, c, occurrence, domain.DispatchRetry, err)
		return err
	}
}

func (d *Deliverer) attempt(ctx context.Context, r domain.Recipient, c domain.Content,
	send func(context.Context, domain.Recipient, domain.Content) error) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err := send(sendCtx, r, c)
	if err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) && !domain.IsTransient(err) {
		return &domain.TransientSendError{Err: fmt.Errorf("send timed out after %s: %w", d.timeout, err)}
	}
	return err
}

func (d *Deliverer) record(ctx context.Context, r domain.Recipient, c domain.Content, occurrence string,
	state domain.DispatchState, sendErr error) {
	entry := domain.DispatchLog{
		ScheduleID:  c.ScheduleID,
		RecipientID: r.ID,
		Occurrence:  occurrence,
		State:       state,
		Size:        c.Size(),
		Timestamp:   time.Now(),
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	d.metrics.Dispatch(string(state))
	if err := d.journal.AppendDispatchLog(context.WithoutCancel(ctx), entry); err != nil {
		log.Error().Err(err).Str("schedule_id", c.ScheduleID).Str("recipient_id", r.ID).
			Str("state", string(state)).Msg("failed to write dispatch log")
	}
}
