package sender

import (
	"context"

	"github.com/rs/zerolog/log"

	"schedflow/internal/domain"
)

// Log writes deliveries to the application log instead of sending them.
type Log struct{}

func (Log) Send(_ context.Context, r domain.Recipient, c domain.Content) error {
	log.Info().
		Str("schedule_id", c.ScheduleID).
		Str("recipient_id", r.ID).
		Str("address", r.Address).
		Str("subject", c.Subject).
		Int("size", c.Size()).
		Msg("content delivered")
	return nil
}

func (l Log) SendAttachment(ctx context.Context, r domain.Recipient, c domain.Content) error {
	return l.Send(ctx, r, c)
}
