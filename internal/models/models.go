// Package models defines the core data structures for ReminderPipe.
//
// It includes the Job type, its schedule and payload, lifecycle states, and
// the acknowledgment types shared across modules.
package models

import (
	"errors"
	"time"
)

// ScheduleKind defines how a job's firing instants are determined.
type ScheduleKind string

const (
	// ScheduleKindOneShot fires exactly once at a fixed absolute instant.
	ScheduleKindOneShot ScheduleKind = "one_shot"
	// ScheduleKindInterval fires repeatedly every N seconds.
	ScheduleKindInterval ScheduleKind = "interval"
	// ScheduleKindRecurring fires on a cron expression evaluated in a bound timezone.
	ScheduleKindRecurring ScheduleKind = "recurring"
)

// JobState represents the lifecycle state of a job.
type JobState string

const (
	// JobStateDormant indicates the job is waiting on a prerequisite and has no next run.
	JobStateDormant JobState = "dormant"
	// JobStateActive indicates the job is eligible to fire when due.
	JobStateActive JobState = "active"
	// JobStateAwaitingAck indicates the job fired and is waiting for a confirmation signal.
	JobStateAwaitingAck JobState = "awaiting_ack"
	// JobStateCompleted indicates the job reached its terminal state.
	JobStateCompleted JobState = "completed"
)

// AckSignal classifies an acknowledgment observed on a delivered reminder.
type AckSignal string

const (
	// AckPositive marks the reminder as done.
	AckPositive AckSignal = "positive"
	// AckNegative marks the reminder as not done; the caller is asked for a replacement.
	AckNegative AckSignal = "negative"
	// AckSnooze postpones the next follow-up delivery.
	AckSnooze AckSignal = "snooze"
)

// Validation and policy constants.
const (
	// MaxBodyLength defines the maximum allowed length for reminder message text.
	MaxBodyLength = 4096
	// DefaultMaxAttempts is the follow-up delivery cap when none is specified.
	DefaultMaxAttempts = 10
	// MaxSnoozeCount caps how many times a single job can be snoozed.
	MaxSnoozeCount = 3
	// SnoozeDelay is how far a snooze pushes the next follow-up.
	SnoozeDelay = 5 * time.Minute
)

// Error variables for better error handling and testability.
var (
	ErrEmptyOwnerKey       = errors.New("owner key cannot be empty")
	ErrEmptyBody           = errors.New("reminder body cannot be empty")
	ErrBodyTooLong         = errors.New("reminder body exceeds maximum length")
	ErrEmptyChannel        = errors.New("destination channel cannot be empty")
	ErrEmptyAddress        = errors.New("destination address cannot be empty")
	ErrInvalidScheduleKind = errors.New("invalid schedule kind")
	ErrMissingFireAt       = errors.New("one-shot schedule requires a fire instant")
	ErrInvalidInterval     = errors.New("interval schedule requires a positive interval")
	ErrMissingExpression   = errors.New("recurring schedule requires a cron expression")
	ErrMissingTimezone     = errors.New("recurring schedule requires a timezone")
	ErrCyclicDependency    = errors.New("dependency chain contains a cycle")
	ErrDependencyNotFound  = errors.New("prerequisite job does not exist")
	ErrConfirmationOnRecurring = errors.New("confirmation tracking is only supported on one-shot reminders")
	ErrJobNotFound         = errors.New("job not found")
)

// SchedulingError is returned synchronously at creation time when a schedule
// cannot be computed. The job is never persisted in that case.
type SchedulingError struct {
	Reason string
	Err    error
}

func (e *SchedulingError) Error() string {
	if e.Err != nil {
		return "scheduling error: " + e.Reason + ": " + e.Err.Error()
	}
	return "scheduling error: " + e.Reason
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// NewSchedulingError wraps err with a creation-time scheduling failure reason.
func NewSchedulingError(reason string, err error) *SchedulingError {
	return &SchedulingError{Reason: reason, Err: err}
}

// PersistenceError indicates the store was unavailable mid-operation. The
// scheduler treats it as fatal for the current tick only.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence error during " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Schedule describes when a job fires. Exactly one of the kind-specific field
// groups is populated, matching Kind.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`
	// FireAt is the absolute firing instant for one-shot schedules. It is
	// resolved from the caller's local wall clock once, at creation.
	FireAt time.Time `json:"fire_at,omitempty"`
	// EverySeconds is the repeat period for interval schedules.
	EverySeconds int `json:"every_seconds,omitempty"`
	// Expression is a standard 5-field cron expression for recurring schedules.
	Expression string `json:"expression,omitempty"`
	// Timezone is the IANA zone the expression is evaluated in. A recurring
	// job always carries the timezone it was created with.
	Timezone string `json:"timezone,omitempty"`
	// StartDate, when set, suppresses occurrences before it.
	StartDate time.Time `json:"start_date,omitempty"`
}

// IsRecurring reports whether the schedule produces more than one occurrence.
func (s Schedule) IsRecurring() bool {
	return s.Kind == ScheduleKindInterval || s.Kind == ScheduleKindRecurring
}

// Validate performs structural validation on a Schedule. Expression and
// timezone resolution are validated by the schedule calculator.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleKindOneShot:
		if s.FireAt.IsZero() {
			return ErrMissingFireAt
		}
	case ScheduleKindInterval:
		if s.EverySeconds <= 0 {
			return ErrInvalidInterval
		}
	case ScheduleKindRecurring:
		if s.Expression == "" {
			return ErrMissingExpression
		}
		if s.Timezone == "" {
			return ErrMissingTimezone
		}
	default:
		return ErrInvalidScheduleKind
	}
	return nil
}

// Payload is the message a job delivers when it fires.
type Payload struct {
	Body    string `json:"body"`
	Channel string `json:"channel"` // e.g. "whatsapp"
	To      string `json:"to"`      // channel-specific address
}

// Validate checks the payload fields.
func (p Payload) Validate() error {
	if p.Body == "" {
		return ErrEmptyBody
	}
	if len(p.Body) > MaxBodyLength {
		return ErrBodyTooLong
	}
	if p.Channel == "" {
		return ErrEmptyChannel
	}
	if p.To == "" {
		return ErrEmptyAddress
	}
	return nil
}

// Job is the central persisted entity: a scheduled reminder with a schedule,
// a payload, and confirmation/dependency policy.
type Job struct {
	ID       string   `json:"id"`
	OwnerKey string   `json:"owner_key"`
	Schedule Schedule `json:"schedule"`
	Payload  Payload  `json:"payload"`
	// NextRunAt is always an absolute instant, never a naive local time.
	// It is nil while the job is dormant.
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	State     JobState   `json:"state"`
	// AttemptCount counts deliveries of a confirmation-tracked job.
	AttemptCount        int  `json:"attempt_count"`
	RequireConfirmation bool `json:"require_confirmation"`
	// RemindAgainSeconds re-delivers the payload if no acknowledgment arrives
	// within this many seconds. Zero disables follow-ups.
	RemindAgainSeconds int `json:"remind_again_seconds,omitempty"`
	MaxAttempts        int `json:"max_attempts,omitempty"`
	SnoozeCount        int `json:"snooze_count,omitempty"`
	// DependsOnJobID keeps the job dormant until the referenced job completes.
	// It is a lookup reference, not an ownership relation.
	DependsOnJobID string    `json:"depends_on_job_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate performs comprehensive validation on a Job structure.
func (j *Job) Validate() error {
	if j.OwnerKey == "" {
		return ErrEmptyOwnerKey
	}
	if err := j.Payload.Validate(); err != nil {
		return err
	}
	if err := j.Schedule.Validate(); err != nil {
		return err
	}
	if j.RequireConfirmation && j.Schedule.IsRecurring() {
		return ErrConfirmationOnRecurring
	}
	return nil
}

// EffectiveMaxAttempts returns the follow-up cap, applying the default.
func (j *Job) EffectiveMaxAttempts() int {
	if j.MaxAttempts > 0 {
		return j.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Delivery correlates a sent message back to the job it delivered, so a later
// acknowledgment on that message can be matched.
type Delivery struct {
	To        string    `json:"to"`
	MessageID string    `json:"message_id"`
	JobID     string    `json:"job_id"`
	SentAt    time.Time `json:"sent_at"`
}

// Acknowledgment is an externally observed signal on a delivered reminder.
type Acknowledgment struct {
	From      string    `json:"from"`
	MessageID string    `json:"message_id"`
	Signal    AckSignal `json:"signal"`
	Time      time.Time `json:"time"`
}

// ReplacementRequest is surfaced to the conversational layer when a negative
// acknowledgment removes a job: the caller should prompt for a new schedule.
type ReplacementRequest struct {
	OwnerKey string  `json:"owner_key"`
	JobID    string  `json:"job_id"`
	Payload  Payload `json:"payload"`
}

// APIStatus enumerates the status values of API responses.
type APIStatus string

const (
	// APIStatusOK indicates a successful request.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates a failed request.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
