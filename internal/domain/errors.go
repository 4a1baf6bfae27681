package domain

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// ConfigurationError aborts a single scan invocation; nothing is persisted.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Msg }

// TransientSendError marks a delivery failure worth retrying on the next cycle.
type TransientSendError struct {
	Err error
}

func (e *TransientSendError) Error() string { return "transient send error: " + e.Err.Error() }
func (e *TransientSendError) Unwrap() error { return e.Err }

// OversizeError is returned when content is too large for inline delivery.
type OversizeError struct {
	Size  int
	Limit int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("content of %d bytes exceeds inline limit of %d", e.Size, e.Limit)
}

// PermanentScheduleError means the schedule or recipient can no longer be
// served and must not be retried.
type PermanentScheduleError struct {
	ScheduleID string
	Reason     string
}

func (e *PermanentScheduleError) Error() string {
	return fmt.Sprintf("schedule %s: %s", e.ScheduleID, e.Reason)
}

func IsTransient(err error) bool {
	var t *TransientSendError
	return errors.As(err, &t)
}

func IsOversize(err error) bool {
	var o *OversizeError
	return errors.As(err, &o)
}

func IsPermanent(err error) bool {
	var p *PermanentScheduleError
	return errors.As(err, &p)
}
