package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"schedflow/internal/domain"
)

type SMTPConfig struct {
	Addr     string
	Username string
	Password string
	From     string
	// MaxInlineBytes is the largest body sent inline; larger content goes
	// out as an attachment.
	MaxInlineBytes int
}

// SMTP delivers content as mail through a relay.
type SMTP struct {
	cfg SMTPConfig
	// sendMail is smtp.SendMail, swappable in tests.
	sendMail func(addr string, a sasl.Client, from string, to []string, msg []byte) error
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.MaxInlineBytes <= 0 {
		cfg.MaxInlineBytes = 256 * 1024
	}
	return &SMTP{cfg: cfg, sendMail: func(addr string, a sasl.Client, from string, to []string, msg []byte) error {
		return smtp.SendMail(addr, a, from, to, bytes.NewReader(msg))
	}}
}

func (s *SMTP) Send(ctx context.Context, r domain.Recipient, c domain.Content) error {
	if c.Size() > s.cfg.MaxInlineBytes {
		return &domain.OversizeError{Size: c.Size(), Limit: s.cfg.MaxInlineBytes}
	}
	var msg bytes.Buffer
	s.writeHeaders(&msg, r, c)
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(normalizeCRLF(c.Body))
	return s.deliver(ctx, r, c, msg.Bytes())
}

// SendAttachment sends a short note with the body attached as a text file.
func (s *SMTP) SendAttachment(ctx context.Context, r domain.Recipient, c domain.Content) error {
	var msg bytes.Buffer
	s.writeHeaders(&msg, r, c)

	mw := multipart.NewWriter(&msg)
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	note, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
	if err != nil {
		return err
	}
	fmt.Fprintf(note, "The content of %q is attached.\r\n", c.Subject)

	att, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":        {"text/plain; charset=utf-8"},
		"Content-Disposition": {mime.FormatMediaType("attachment", map[string]string{"filename": c.ScheduleID + ".txt"})},
	})
	if err != nil {
		return err
	}
	if _, err := att.Write([]byte(normalizeCRLF(c.Body))); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return s.deliver(ctx, r, c, msg.Bytes())
}

func (s *SMTP) writeHeaders(buf *bytes.Buffer, r domain.Recipient, c domain.Content) {
	fmt.Fprintf(buf, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(buf, "To: %s\r\n", r.Address)
	fmt.Fprintf(buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", c.Subject))
	fmt.Fprintf(buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(buf, "Message-ID: <%s@schedflow>\r\n", uuid.NewString())
	buf.WriteString("MIME-Version: 1.0\r\n")
}

func (s *SMTP) deliver(ctx context.Context, r domain.Recipient, c domain.Content, msg []byte) error {
	var auth sasl.Client
	if s.cfg.Username != "" {
		auth = sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(s.cfg.Addr, auth, s.cfg.From, []string{r.Address}, msg)
	}()

	select {
	case <-ctx.Done():
		return &domain.TransientSendError{Err: fmt.Errorf("smtp send to %s: %w", r.Address, ctx.Err())}
	case err := <-done:
		return classifySMTP(c, err)
	}
}

func classifySMTP(c domain.Content, err error) error {
	if err == nil {
		return nil
	}
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		switch {
		case se.Code == 552:
			return &domain.OversizeError{Size: c.Size()}
		case se.Code >= 500:
			return &domain.PermanentScheduleError{ScheduleID: c.ScheduleID, Reason: se.Error()}
		}
	}
	return &domain.TransientSendError{Err: err}
}

func normalizeCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
