// Package schedule computes firing instants for reminder jobs.
//
// Recurring expressions are evaluated against the local wall clock of the
// schedule's bound timezone and converted back to absolute instants using the
// zone's offset at the resolved local time, so occurrences stay correct
// across daylight-saving transitions. A local time skipped by a
// spring-forward gap resolves to the next valid occurrence; a local time
// repeated by a fall-back resolves to its first occurrence.
package schedule

import (
	"fmt"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/robfig/cron/v3"
)

// LocalTimeLayout is the wall-clock layout accepted for one-shot fire times.
const LocalTimeLayout = "2006-01-02 15:04"

// parser accepts standard 5-field cron expressions (min, hour, dom, month, dow).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks that a schedule is structurally sound and that its
// expression and timezone resolve. It fails synchronously with a
// SchedulingError so a bad schedule is never persisted.
func Validate(s models.Schedule) error {
	if err := s.Validate(); err != nil {
		return models.NewSchedulingError("validating schedule", err)
	}
	if s.Kind != models.ScheduleKindRecurring {
		return nil
	}
	if _, err := parser.Parse(s.Expression); err != nil {
		return models.NewSchedulingError(fmt.Sprintf("parsing expression %q", s.Expression), err)
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return models.NewSchedulingError(fmt.Sprintf("resolving timezone %q", s.Timezone), err)
	}
	return nil
}

// ResolveLocal resolves a local wall-clock time against an IANA timezone into
// an absolute instant. One-shot schedules are resolved exactly once, at
// creation, and never recomputed.
func ResolveLocal(value string, timezone string) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, models.NewSchedulingError(fmt.Sprintf("resolving timezone %q", timezone), err)
	}
	t, err := time.ParseInLocation(LocalTimeLayout, value, loc)
	if err != nil {
		return time.Time{}, models.NewSchedulingError(fmt.Sprintf("parsing local time %q", value), err)
	}
	return t, nil
}

// ComputeNextRun returns the next absolute firing instant at or after now,
// or the zero time if the schedule has no further occurrence.
func ComputeNextRun(s models.Schedule, now time.Time) (time.Time, error) {
	switch s.Kind {
	case models.ScheduleKindOneShot:
		if s.FireAt.IsZero() {
			return time.Time{}, models.NewSchedulingError("computing one-shot run", models.ErrMissingFireAt)
		}
		return s.FireAt, nil

	case models.ScheduleKindInterval:
		if s.EverySeconds <= 0 {
			return time.Time{}, models.NewSchedulingError("computing interval run", models.ErrInvalidInterval)
		}
		// First firing lands on the start date when one is set in the future.
		if !s.StartDate.IsZero() && now.Before(s.StartDate) {
			return s.StartDate, nil
		}
		return now.Add(time.Duration(s.EverySeconds) * time.Second), nil

	case models.ScheduleKindRecurring:
		return nextRecurring(s, now)

	default:
		return time.Time{}, models.NewSchedulingError("computing next run", models.ErrInvalidScheduleKind)
	}
}

// nextRecurring finds the next local wall-clock match of the expression in
// the schedule's zone and returns it as an absolute instant.
func nextRecurring(s models.Schedule, now time.Time) (time.Time, error) {
	spec, err := parser.Parse(s.Expression)
	if err != nil {
		return time.Time{}, models.NewSchedulingError(fmt.Sprintf("parsing expression %q", s.Expression), err)
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Time{}, models.NewSchedulingError(fmt.Sprintf("resolving timezone %q", s.Timezone), err)
	}

	base := now.In(loc)
	if !s.StartDate.IsZero() {
		// No occurrence before the start date: search from its local midnight.
		sd := s.StartDate.In(loc)
		startOfDay := time.Date(sd.Year(), sd.Month(), sd.Day(), 0, 0, 0, 0, loc)
		if base.Before(startOfDay) {
			base = startOfDay.Add(-time.Second)
		}
	}

	next := spec.Next(base)
	if next.IsZero() {
		return time.Time{}, models.NewSchedulingError(fmt.Sprintf("expression %q yields no future occurrence", s.Expression), nil)
	}
	return next, nil
}
