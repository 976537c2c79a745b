package models

import (
	"testing"
	"time"
)

func validJob() Job {
	fireAt := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	return Job{
		ID:       "job_test",
		OwnerKey: "whatsapp:+15551234567",
		Schedule: Schedule{Kind: ScheduleKindOneShot, FireAt: fireAt},
		Payload:  Payload{Body: "take the pill", Channel: "whatsapp", To: "+15551234567"},
		State:    JobStateActive,
	}
}

func TestJobValidate(t *testing.T) {
	j := validJob()
	if err := j.Validate(); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}
}

func TestJobValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Job)
		want   error
	}{
		{"empty owner", func(j *Job) { j.OwnerKey = "" }, ErrEmptyOwnerKey},
		{"empty body", func(j *Job) { j.Payload.Body = "" }, ErrEmptyBody},
		{"empty channel", func(j *Job) { j.Payload.Channel = "" }, ErrEmptyChannel},
		{"empty address", func(j *Job) { j.Payload.To = "" }, ErrEmptyAddress},
		{"missing fire instant", func(j *Job) { j.Schedule.FireAt = time.Time{} }, ErrMissingFireAt},
		{"bad kind", func(j *Job) { j.Schedule.Kind = "sometimes" }, ErrInvalidScheduleKind},
		{"zero interval", func(j *Job) { j.Schedule = Schedule{Kind: ScheduleKindInterval} }, ErrInvalidInterval},
		{"recurring without expression", func(j *Job) {
			j.Schedule = Schedule{Kind: ScheduleKindRecurring, Timezone: "UTC"}
		}, ErrMissingExpression},
		{"recurring without timezone", func(j *Job) {
			j.Schedule = Schedule{Kind: ScheduleKindRecurring, Expression: "0 9 * * *"}
		}, ErrMissingTimezone},
		{"confirmation on recurring", func(j *Job) {
			j.Schedule = Schedule{Kind: ScheduleKindInterval, EverySeconds: 60}
			j.RequireConfirmation = true
		}, ErrConfirmationOnRecurring},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := validJob()
			tc.mutate(&j)
			if err := j.Validate(); err != tc.want {
				t.Errorf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestBodyTooLong(t *testing.T) {
	j := validJob()
	body := make([]byte, MaxBodyLength+1)
	for i := range body {
		body[i] = 'a'
	}
	j.Payload.Body = string(body)
	if err := j.Validate(); err != ErrBodyTooLong {
		t.Errorf("Validate() = %v, want %v", err, ErrBodyTooLong)
	}
}

func TestEffectiveMaxAttempts(t *testing.T) {
	j := validJob()
	if got := j.EffectiveMaxAttempts(); got != DefaultMaxAttempts {
		t.Errorf("EffectiveMaxAttempts() = %d, want default %d", got, DefaultMaxAttempts)
	}
	j.MaxAttempts = 3
	if got := j.EffectiveMaxAttempts(); got != 3 {
		t.Errorf("EffectiveMaxAttempts() = %d, want 3", got)
	}
}

func TestSchedulingErrorUnwrap(t *testing.T) {
	inner := ErrMissingTimezone
	err := NewSchedulingError("resolving timezone", inner)
	if err.Unwrap() != inner {
		t.Error("Unwrap did not return the wrapped error")
	}
	if err.Error() == "" {
		t.Error("Error() returned empty string")
	}
}

func TestIsRecurring(t *testing.T) {
	if (Schedule{Kind: ScheduleKindOneShot}).IsRecurring() {
		t.Error("one-shot reported as recurring")
	}
	if !(Schedule{Kind: ScheduleKindInterval}).IsRecurring() {
		t.Error("interval not reported as recurring")
	}
	if !(Schedule{Kind: ScheduleKindRecurring}).IsRecurring() {
		t.Error("cron schedule not reported as recurring")
	}
}
