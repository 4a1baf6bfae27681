package domain

import (
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestEventOffset(t *testing.T) {
	e := Event{Day: 3, Hour: 9, Minute: 30}
	want := 3*24*time.Hour + 9*time.Hour + 30*time.Minute
	if got := e.Offset(); got != want {
		t.Errorf("Offset() = %v, want %v", got, want)
	}
}

func TestScheduleIterationLength(t *testing.T) {
	s := Schedule{Events: []Event{{Day: 0}, {Day: 3}}}
	if got := s.IterationLength(); got != 4*24*time.Hour {
		t.Errorf("IterationLength() = %v, want 96h", got)
	}
	s.RepeatInterval = 7 * 24 * time.Hour
	if got := s.IterationLength(); got != 7*24*time.Hour {
		t.Errorf("IterationLength() with RepeatInterval = %v, want 168h", got)
	}
}

func TestScheduleRepeats(t *testing.T) {
	tests := []struct {
		total, iteration int
		want             bool
	}{
		{0, 1, true},
		{0, 100, true},
		{3, 2, true},
		{3, 3, false},
		{1, 1, false},
	}
	for _, tt := range tests {
		s := Schedule{TotalIterations: tt.total}
		if got := s.Repeats(tt.iteration); got != tt.want {
			t.Errorf("Repeats(%d) with total %d = %v, want %v", tt.iteration, tt.total, got, tt.want)
		}
	}
}

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"daily ok", Schedule{Interval: Daily, Hour: 23, Minute: intPtr(0)}, false},
		{"legacy nil minute", Schedule{Interval: Daily, Hour: 8}, false},
		{"bad interval", Schedule{Interval: "yearly", Hour: 1, Minute: intPtr(0)}, true},
		{"bad hour", Schedule{Interval: Daily, Hour: 24, Minute: intPtr(0)}, true},
		{"bad minute", Schedule{Interval: Daily, Hour: 1, Minute: intPtr(60)}, true},
		{"weekly day 7", Schedule{Interval: Weekly, Day: 7, Minute: intPtr(0)}, true},
		{"monthly day 0", Schedule{Interval: Monthly, Day: 0, Minute: intPtr(0)}, true},
		{"monthly day 31", Schedule{Interval: Monthly, Day: 31, Minute: intPtr(0)}, false},
		{"events out of order", Schedule{Interval: Daily, Minute: intPtr(0), Events: []Event{{Day: 3}, {Day: 1}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateNewRequiresMinute(t *testing.T) {
	s := Schedule{Interval: Daily, Hour: 8}
	if err := s.ValidateNew(); err == nil {
		t.Error("ValidateNew() expected error for nil minute")
	}
	s.Minute = intPtr(15)
	if err := s.ValidateNew(); err != nil {
		t.Errorf("ValidateNew() error = %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsTransient(&TransientSendError{Err: errTest}) {
		t.Error("IsTransient() = false for TransientSendError")
	}
	if !IsOversize(&OversizeError{Size: 10, Limit: 5}) {
		t.Error("IsOversize() = false for OversizeError")
	}
	if !IsPermanent(&PermanentScheduleError{ScheduleID: "s", Reason: "gone"}) {
		t.Error("IsPermanent() = false for PermanentScheduleError")
	}
	if IsTransient(errTest) {
		t.Error("IsTransient() = true for plain error")
	}
}

var errTest = &ConfigurationError{Msg: "test"}
