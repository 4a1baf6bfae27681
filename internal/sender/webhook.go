package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"schedflow/internal/domain"
)

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
	// MaxInlineBytes rejects larger content before posting. Zero means no limit.
	MaxInlineBytes int
}

// Webhook posts each delivery as JSON to a fixed URL.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

type webhookPayload struct {
	ScheduleID  string             `json:"schedule_id"`
	RecipientID string             `json:"recipient_id"`
	Address     string             `json:"address"`
	Subject     string             `json:"subject"`
	Body        string             `json:"body,omitempty"`
	Attachment  *webhookAttachment `json:"attachment,omitempty"`
}

type webhookAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Webhook{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (w *Webhook) Send(ctx context.Context, r domain.Recipient, c domain.Content) error {
	if w.cfg.MaxInlineBytes > 0 && c.Size() > w.cfg.MaxInlineBytes {
		return &domain.OversizeError{Size: c.Size(), Limit: w.cfg.MaxInlineBytes}
	}
	return w.post(ctx, webhookPayload{
		ScheduleID:  c.ScheduleID,
		RecipientID: r.ID,
		Address:     r.Address,
		Subject:     c.Subject,
		Body:        c.Body,
	})
}

// SendAttachment posts the body as a base64 attachment instead of inline text.
func (w *Webhook) SendAttachment(ctx context.Context, r domain.Recipient, c domain.Content) error {
	return w.post(ctx, webhookPayload{
		ScheduleID:  c.ScheduleID,
		RecipientID: r.ID,
		Address:     r.Address,
		Subject:     c.Subject,
		Attachment: &webhookAttachment{
			Filename:    c.ScheduleID + ".txt",
			ContentType: "text/plain; charset=utf-8",
			Data:        []byte(c.Body),
		},
	})
}

func (w *Webhook) post(ctx context.Context, p webhookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return &domain.PermanentScheduleError{ScheduleID: p.ScheduleID, Reason: fmt.Sprintf("encode payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &domain.PermanentScheduleError{ScheduleID: p.ScheduleID, Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &domain.TransientSendError{Err: fmt.Errorf("webhook request failed: %w", err)}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return &domain.OversizeError{Size: len(body), Limit: 0}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &domain.TransientSendError{Err: fmt.Errorf("webhook HTTP %d: %s", resp.StatusCode, respBody)}
	default:
		return &domain.PermanentScheduleError{
			ScheduleID: p.ScheduleID,
			Reason:     fmt.Sprintf("webhook HTTP %d: %s", resp.StatusCode, respBody),
		}
	}
}
