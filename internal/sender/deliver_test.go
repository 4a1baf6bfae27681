package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"schedflow/internal/domain"
)

type memJournal struct {
	mu      sync.Mutex
	entries []domain.DispatchLog
}

func (j *memJournal) AppendDispatchLog(_ context.Context, l domain.DispatchLog) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, l)
	return nil
}

func (j *memJournal) states() []domain.DispatchState {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.DispatchState
	for _, e := range j.entries {
		out = append(out, e.State)
	}
	return out
}

type fakeSender struct {
	sendErr       error
	attachErr     error
	block         bool
	sent, attachd int
}

func (f *fakeSender) Send(ctx context.Context, _ domain.Recipient, _ domain.Content) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.sent++
	return f.sendErr
}

func (f *fakeSender) SendAttachment(context.Context, domain.Recipient, domain.Content) error {
	f.attachd++
	return f.attachErr
}

// inlineOnly has no attachment fallback.
type inlineOnly struct{ err error }

func (s inlineOnly) Send(context.Context, domain.Recipient, domain.Content) error { return s.err }

func equalStates(a, b []domain.DispatchState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDeliver(t *testing.T) {
	rcpt := domain.Recipient{ScheduleID: "sch_1", ID: "r1", Address: "r1@example.com"}
	content := domain.Content{ScheduleID: "sch_1", Subject: "Weekly", Body: "numbers"}

	tests := []struct {
		name       string
		sender     domain.ContentSender
		wantStates []domain.DispatchState
		check      func(error) bool
	}{
		{
			name:       "success",
			sender:     &fakeSender{},
			wantStates: []domain.DispatchState{domain.DispatchSuccess},
			check:      func(err error) bool { return err == nil },
		},
		{
			name:       "transient",
			sender:     &fakeSender{sendErr: &domain.TransientSendError{Err: errors.New("503")}},
			wantStates: []domain.DispatchState{domain.DispatchRetry},
			check:      domain.IsTransient,
		},
		{
			name:       "unclassified counts as transient",
			sender:     &fakeSender{sendErr: errors.New("boom")},
			wantStates: []domain.DispatchState{domain.DispatchRetry},
			check:      domain.IsTransient,
		},
		{
			name:       "permanent",
			sender:     &fakeSender{sendErr: &domain.PermanentScheduleError{ScheduleID: "sch_1", Reason: "gone"}},
			wantStates: []domain.DispatchState{domain.DispatchError},
			check:      domain.IsPermanent,
		},
		{
			name:       "oversize falls back to attachment",
			sender:     &fakeSender{sendErr: &domain.OversizeError{Size: 10, Limit: 5}},
			wantStates: []domain.DispatchState{domain.DispatchRetry, domain.DispatchSuccess},
			check:      func(err error) bool { return err == nil },
		},
		{
			name:       "oversize without fallback",
			sender:     inlineOnly{err: &domain.OversizeError{Size: 10, Limit: 5}},
			wantStates: []domain.DispatchState{domain.DispatchRetry, domain.DispatchError},
			check:      domain.IsPermanent,
		},
		{
			name: "attachment rejected for size",
			sender: &fakeSender{
				sendErr:   &domain.OversizeError{Size: 10, Limit: 5},
				attachErr: &domain.OversizeError{Size: 10},
			},
			wantStates: []domain.DispatchState{domain.DispatchRetry, domain.DispatchError},
			check:      domain.IsPermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &memJournal{}
			d := NewDeliverer(tt.sender, j, time.Second, nil)
			err := d.Deliver(context.Background(), rcpt, content, "2019-03-22T23:00:00Z")
			if !tt.check(err) {
				t.Fatalf("Deliver() error = %v", err)
			}
			if got := j.states(); !equalStates(got, tt.wantStates) {
				t.Errorf("logged states = %v, want %v", got, tt.wantStates)
			}
			for _, e := range j.entries {
				if e.Occurrence != "2019-03-22T23:00:00Z" || e.RecipientID != "r1" || e.Size != content.Size() {
					t.Errorf("unexpected log entry %+v", e)
				}
			}
		})
	}
}

func TestDeliverTimeoutIsTransient(t *testing.T) {
	j := &memJournal{}
	d := NewDeliverer(&fakeSender{block: true}, j, 10*time.Millisecond, nil)

	err := d.Deliver(context.Background(), domain.Recipient{ID: "r1"}, domain.Content{ScheduleID: "sch_1"}, "occ")
	if !domain.IsTransient(err) {
		t.Fatalf("Deliver() error = %v, want transient", err)
	}
	if got := j.states(); !equalStates(got, []domain.DispatchState{domain.DispatchRetry}) {
		t.Errorf("logged states = %v", got)
	}
}
