package domain

import (
	"errors"
	"fmt"
)

// Validate checks a schedule read from or written to storage. Legacy rows
// may carry a nil minute; use ValidateNew for schedules created today.
func (s Schedule) Validate() error {
	if !s.Interval.Valid() {
		return fmt.Errorf("invalid interval %q", s.Interval)
	}
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("hour %d out of range 0-23", s.Hour)
	}
	if s.Minute != nil && (*s.Minute < 0 || *s.Minute > 59) {
		return fmt.Errorf("minute %d out of range 0-59", *s.Minute)
	}
	switch s.Interval {
	case Weekly:
		if s.Day < 0 || s.Day > 6 {
			return fmt.Errorf("weekly day %d out of range 0-6", s.Day)
		}
	case Monthly:
		if s.Day < 1 || s.Day > 31 {
			return fmt.Errorf("monthly day %d out of range 1-31", s.Day)
		}
	}
	if s.TotalIterations < 0 {
		return errors.New("total_iterations must not be negative")
	}
	if s.RepeatInterval < 0 || s.StartOffset < 0 {
		return errors.New("repeat_interval and start_offset must not be negative")
	}
	for i, e := range s.Events {
		if e.Day < 0 || e.Hour < 0 || e.Hour > 23 || e.Minute < 0 || e.Minute > 59 {
			return fmt.Errorf("event %d has an invalid offset", i)
		}
		if i > 0 && e.Offset() < s.Events[i-1].Offset() {
			return fmt.Errorf("event %d is earlier than event %d", i, i-1)
		}
	}
	return nil
}

// ValidateNew is Validate plus the rule that new schedules must set a minute.
func (s Schedule) ValidateNew() error {
	if s.Minute == nil {
		return errors.New("minute is required")
	}
	return s.Validate()
}
