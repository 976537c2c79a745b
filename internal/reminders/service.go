// Package reminders is the front door for managing reminder jobs: creation
// with validation and duplicate detection, owner-scoped listing, and removal.
package reminders

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/schedule"
	"github.com/BTreeMap/ReminderPipe/internal/store"
	"github.com/BTreeMap/ReminderPipe/internal/util"
)

// ErrDuplicate indicates an identical reminder already exists for the owner.
// Create returns the existing job alongside it.
var ErrDuplicate = errors.New("an identical reminder already exists")

// Clock abstracts wall-clock reads so tests can run on simulated time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// DependencyValidator rejects prerequisite references that are missing or
// would form a cycle.
type DependencyValidator interface {
	ValidateDependency(dependsOnID string) error
}

// ScheduleInput is the user-facing schedule description. Exactly one firing
// form must be set: At or DelaySeconds for a one-shot, EverySeconds for an
// interval, Expression for a recurring schedule.
type ScheduleInput struct {
	// At is a local wall-clock instant, "2006-01-02 15:04", resolved in
	// Timezone (UTC when empty).
	At string `json:"at,omitempty"`
	// DelaySeconds schedules a one-shot relative to now.
	DelaySeconds int `json:"delay_seconds,omitempty"`
	// EverySeconds repeats the reminder on a fixed period.
	EverySeconds int `json:"every_seconds,omitempty"`
	// Expression is a 5-field cron expression evaluated in Timezone.
	Expression string `json:"expression,omitempty"`
	// Timezone is the IANA zone for At and Expression.
	Timezone string `json:"timezone,omitempty"`
	// StartDate ("2006-01-02") delays the first occurrence of a recurring
	// schedule until that local date.
	StartDate string `json:"start_date,omitempty"`
}

// CreateRequest describes a reminder to create.
type CreateRequest struct {
	OwnerKey            string        `json:"owner_key"`
	Body                string        `json:"body"`
	Channel             string        `json:"channel"`
	To                  string        `json:"to"`
	Schedule            ScheduleInput `json:"schedule"`
	RequireConfirmation bool          `json:"require_confirmation,omitempty"`
	RemindAgainSeconds  int           `json:"remind_again_seconds,omitempty"`
	MaxAttempts         int           `json:"max_attempts,omitempty"`
	DependsOnJobID      string        `json:"depends_on_job_id,omitempty"`
}

// Service manages the reminder job lifecycle on behalf of owners.
type Service struct {
	store     store.JobStore
	validator DependencyValidator
	clock     Clock
}

// NewService creates a reminder service. A nil clock means the system clock.
func NewService(st store.JobStore, validator DependencyValidator, clock Clock) *Service {
	if clock == nil {
		clock = systemClock{}
	}
	return &Service{store: st, validator: validator, clock: clock}
}

// Create validates and persists a new reminder job. A job with a prerequisite
// starts dormant; anything else starts active with its first firing instant
// computed. When an identical reminder already exists, the existing job is
// returned with ErrDuplicate instead of storing a second copy.
func (s *Service) Create(req CreateRequest) (*models.Job, error) {
	now := s.clock.Now()

	sched, err := buildSchedule(req.Schedule, now)
	if err != nil {
		return nil, err
	}

	job := models.Job{
		ID:                  util.GenerateJobID(),
		OwnerKey:            req.OwnerKey,
		Schedule:            sched,
		Payload:             models.Payload{Body: req.Body, Channel: req.Channel, To: req.To},
		State:               models.JobStateActive,
		RequireConfirmation: req.RequireConfirmation,
		RemindAgainSeconds:  req.RemindAgainSeconds,
		MaxAttempts:         req.MaxAttempts,
		DependsOnJobID:      req.DependsOnJobID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := job.Validate(); err != nil {
		return nil, models.NewSchedulingError("validating reminder", err)
	}
	if err := schedule.Validate(sched); err != nil {
		return nil, err
	}

	if req.DependsOnJobID != "" {
		if err := s.checkDependency(req.OwnerKey, req.DependsOnJobID); err != nil {
			return nil, err
		}
		// Dormant until the prerequisite completes.
		job.State = models.JobStateDormant
		job.NextRunAt = nil
	} else {
		next, err := schedule.ComputeNextRun(sched, now)
		if err != nil {
			return nil, err
		}
		job.NextRunAt = &next
	}

	scheduleJSON, err := store.MarshalSchedule(sched)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.FindDuplicate(req.OwnerKey, req.Body, scheduleJSON)
	if err != nil {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	}
	if existing != nil {
		slog.Info("Service.Create: identical reminder already exists",
			"ownerKey", req.OwnerKey, "existingJobID", existing.ID)
		return existing, ErrDuplicate
	}

	if err := s.store.AddJob(job); err != nil {
		// A concurrent identical create can win the insert between the
		// duplicate check above and here; the store's unique index catches it.
		if errors.Is(err, store.ErrJobExists) {
			existing, ferr := s.store.FindDuplicate(req.OwnerKey, req.Body, scheduleJSON)
			if ferr == nil && existing != nil {
				slog.Info("Service.Create: identical reminder stored concurrently",
					"ownerKey", req.OwnerKey, "existingJobID", existing.ID)
				return existing, ErrDuplicate
			}
		}
		return nil, fmt.Errorf("storing reminder failed: %w", err)
	}
	slog.Info("Service.Create: reminder created",
		"jobID", job.ID, "ownerKey", job.OwnerKey, "kind", job.Schedule.Kind, "state", job.State)
	return &job, nil
}

// List returns all of an owner's jobs, soonest first.
func (s *Service) List(ownerKey string) ([]models.Job, error) {
	if ownerKey == "" {
		return nil, models.ErrEmptyOwnerKey
	}
	return s.store.ListJobs(ownerKey)
}

// Get returns one of the owner's jobs, or nil when the job does not exist or
// belongs to someone else.
func (s *Service) Get(ownerKey, id string) (*models.Job, error) {
	job, err := s.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job == nil || job.OwnerKey != ownerKey {
		return nil, nil
	}
	return job, nil
}

// Remove deletes one of the owner's jobs. It reports false when the job does
// not exist or belongs to another owner; the two cases are indistinguishable
// on purpose.
func (s *Service) Remove(ownerKey, id string) (bool, error) {
	job, err := s.store.GetJob(id)
	if err != nil {
		return false, err
	}
	if job == nil || job.OwnerKey != ownerKey {
		return false, nil
	}
	removed, err := s.store.RemoveJob(id)
	if err != nil {
		return false, err
	}
	if removed {
		slog.Info("Service.Remove: reminder removed", "jobID", id, "ownerKey", ownerKey)
	}
	return removed, nil
}

// checkDependency verifies the prerequisite chain and that the prerequisite
// belongs to the same owner. Chaining onto another owner's job would let one
// user observe when another completes theirs.
func (s *Service) checkDependency(ownerKey, dependsOnID string) error {
	if err := s.validator.ValidateDependency(dependsOnID); err != nil {
		return err
	}
	prereq, err := s.store.GetJob(dependsOnID)
	if err != nil {
		return fmt.Errorf("prerequisite lookup failed: %w", err)
	}
	if prereq == nil || prereq.OwnerKey != ownerKey {
		return models.NewSchedulingError("resolving prerequisite", models.ErrDependencyNotFound)
	}
	return nil
}

// startDateLayout is the wall-clock layout accepted for schedule start dates.
const startDateLayout = "2006-01-02"

// parseStartDate resolves an optional "2006-01-02" start date in the given
// timezone (UTC when empty).
func parseStartDate(value, timezone string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, models.NewSchedulingError(fmt.Sprintf("resolving timezone %q", timezone), err)
	}
	t, err := time.ParseInLocation(startDateLayout, value, loc)
	if err != nil {
		return time.Time{}, models.NewSchedulingError(fmt.Sprintf("parsing start date %q", value), err)
	}
	return t, nil
}

// buildSchedule translates user schedule input into a concrete schedule.
func buildSchedule(in ScheduleInput, now time.Time) (models.Schedule, error) {
	switch {
	case in.Expression != "":
		startDate, err := parseStartDate(in.StartDate, in.Timezone)
		if err != nil {
			return models.Schedule{}, err
		}
		return models.Schedule{
			Kind:       models.ScheduleKindRecurring,
			Expression: in.Expression,
			Timezone:   in.Timezone,
			StartDate:  startDate,
		}, nil
	case in.EverySeconds != 0:
		startDate, err := parseStartDate(in.StartDate, in.Timezone)
		if err != nil {
			return models.Schedule{}, err
		}
		return models.Schedule{
			Kind:         models.ScheduleKindInterval,
			EverySeconds: in.EverySeconds,
			StartDate:    startDate,
		}, nil
	case in.At != "":
		tz := in.Timezone
		if tz == "" {
			tz = "UTC"
		}
		fireAt, err := schedule.ResolveLocal(in.At, tz)
		if err != nil {
			return models.Schedule{}, err
		}
		return models.Schedule{Kind: models.ScheduleKindOneShot, FireAt: fireAt}, nil
	case in.DelaySeconds > 0:
		return models.Schedule{
			Kind:   models.ScheduleKindOneShot,
			FireAt: now.Add(time.Duration(in.DelaySeconds) * time.Second),
		}, nil
	default:
		return models.Schedule{}, models.NewSchedulingError("interpreting schedule",
			errors.New("no firing instant given: set at, delay_seconds, every_seconds, or expression"))
	}
}
