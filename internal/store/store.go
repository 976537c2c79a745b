// Package store provides storage backends for ReminderPipe.
//
// The JobStore interface is the durable record of every reminder job and its
// computed next-run instant; it survives process restart. SQLite and
// PostgreSQL backends are provided, plus an in-memory one for tests.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// ErrJobExists is returned by AddJob when a live job with the same owner,
// body, and serialized schedule is already stored. The backends enforce this
// with a unique index, which closes the window between a duplicate check and
// the insert.
var ErrJobExists = errors.New("an identical live job is already stored")

// JobStore defines the interface for durable job persistence.
type JobStore interface {
	// AddJob inserts a new job record. Inserting a second live job with the
	// same owner, body, and schedule returns ErrJobExists.
	AddJob(job models.Job) error

	// GetJob retrieves a single job by ID, or nil if absent.
	GetJob(id string) (*models.Job, error)

	// ListJobs returns all jobs belonging to the given owner key, ordered by
	// next run. Owner scoping is a security invariant: callers never see
	// another owner's jobs.
	ListJobs(ownerKey string) ([]models.Job, error)

	// ListDependents returns jobs whose depends_on_job_id equals jobID.
	ListDependents(jobID string) ([]models.Job, error)

	// FindDuplicate returns a live job with the same owner, body, and
	// serialized schedule, or nil if none exists.
	FindDuplicate(ownerKey, body, scheduleJSON string) (*models.Job, error)

	// RemoveJob deletes a job. Removal is atomic with recording the terminal
	// state: a removed job cannot later fire. Returns false if the job was
	// already gone.
	RemoveJob(id string) (bool, error)

	// UpdateNextRun persists a new next-run instant (nil clears it).
	UpdateNextRun(id string, next *time.Time) error

	// SetJobState transitions a job's lifecycle state.
	SetJobState(id string, state models.JobState) error

	// AdvanceJob persists the post-fire outcome in one write: the new
	// next-run instant, state, and attempt count.
	AdvanceJob(id string, next *time.Time, state models.JobState, attemptCount int) error

	// SnoozeJob postpones a job's next run and records the snooze count.
	SnoozeJob(id string, next time.Time, snoozeCount int) error

	// DueJobs returns up to limit jobs in the given state whose next_run_at
	// is at or before now, ordered by next run.
	DueJobs(now time.Time, state models.JobState, limit int) ([]models.Job, error)

	// AddDelivery records a sent-message correlation for acknowledgment matching.
	AddDelivery(d models.Delivery) error

	// TakeDelivery looks up and removes the correlation for a recipient and
	// message ID. The mapping is single-use: a second acknowledgment on the
	// same message finds nothing.
	TakeDelivery(recipient, messageID string) (*models.Delivery, error)

	// Close releases the underlying resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType inspects a connection string and reports "postgres" or "sqlite".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
