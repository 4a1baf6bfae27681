package domain

import (
	"context"
	"time"
)

type Interval string

const (
	Daily   Interval = "daily"
	Weekly  Interval = "weekly"
	Monthly Interval = "monthly"
)

// Intervals lists every interval in the order the scanner evaluates them.
var Intervals = []Interval{Daily, Weekly, Monthly}

func (i Interval) Valid() bool {
	switch i {
	case Daily, Weekly, Monthly:
		return true
	}
	return false
}

// Event is one step of a multi-step schedule. Its offset is measured from
// the start of the current iteration.
type Event struct {
	Day     int    `json:"day"`
	Hour    int    `json:"hour"`
	Minute  int    `json:"minute"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

func (e Event) Offset() time.Duration {
	return time.Duration(e.Day)*24*time.Hour + time.Duration(e.Hour)*time.Hour + time.Duration(e.Minute)*time.Minute
}

// Schedule is a configured recurrence rule together with the content it
// dispatches. A nil Minute is the legacy "unset" value and only matches on
// the hour.
type Schedule struct {
	ID              string
	OwnerID         string
	Name            string
	Interval        Interval
	Hour            int
	Minute          *int
	Day             int
	Subject         string
	Body            string
	Events          []Event
	TotalIterations int
	RepeatInterval  time.Duration
	StartOffset     time.Duration
	ResetProperty   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MultiStep reports whether the schedule is driven through per-recipient
// instances rather than sent directly.
func (s Schedule) MultiStep() bool { return len(s.Events) > 0 }

// Repeats reports whether another iteration follows the given one.
func (s Schedule) Repeats(iteration int) bool {
	return s.TotalIterations <= 0 || iteration < s.TotalIterations
}

// IterationLength is how far start_date moves between iterations.
func (s Schedule) IterationLength() time.Duration {
	if s.RepeatInterval > 0 {
		return s.RepeatInterval
	}
	if len(s.Events) == 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.Events[len(s.Events)-1].Day+1) * 24 * time.Hour
}

type ScanCheckpoint struct {
	ID        int64
	Chain     string
	StartTime time.Time
	EndTime   time.Time
	Matched   int
	CreatedAt time.Time
}

// ScheduleInstance is one recipient's progress through a multi-step
// schedule. Detached marks an instance stopped because its recipient left
// the schedule; it restarts when the recipient is evaluated again.
type ScheduleInstance struct {
	ID           string
	ScheduleID   string
	RecipientID  string
	CurrentEvent int
	Iteration    int
	StartDate    time.Time
	NextEventDue time.Time
	Active       bool
	Detached     bool
	ResetValue   *string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Due reports whether the instance should fire at now.
func (i ScheduleInstance) Due(now time.Time) bool {
	return i.Active && !i.NextEventDue.After(now)
}

type DispatchState string

const (
	DispatchSuccess DispatchState = "success"
	DispatchError   DispatchState = "error"
	DispatchRetry   DispatchState = "retry"
)

type DispatchLog struct {
	ID          int64
	ScheduleID  string
	RecipientID string
	Occurrence  string
	State       DispatchState
	Size        int
	Error       string
	Timestamp   time.Time
}

type Recipient struct {
	ScheduleID string `json:"schedule_id"`
	ID         string `json:"id"`
	Address    string `json:"address"`
}

type Owner struct {
	ID     string
	Active bool
}

type Content struct {
	ScheduleID string
	Subject    string
	Body       string
}

func (c Content) Size() int { return len(c.Subject) + len(c.Body) }

// ContentSender performs the actual delivery of content to a recipient.
type ContentSender interface {
	Send(ctx context.Context, r Recipient, c Content) error
}

// AttachmentSender is implemented by senders that can fall back to
// delivering oversize content as an attachment.
type AttachmentSender interface {
	SendAttachment(ctx context.Context, r Recipient, c Content) error
}

type Task struct {
	ID                string
	Type              string
	Payload           []byte
	Priority          int
	Attempts          int
	MaxAttempts       int
	State             string
	NextRunAt         time.Time
	VisibilityTimeout int // seconds
	IdempotencyKey    *string
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

const (
	TaskFireSchedule = "fire_schedule"
	TaskFireInstance = "fire_instance"
)
