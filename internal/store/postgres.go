// Package store: PostgreSQL backend.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a JobStore backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements JobStore.
var _ JobStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

func (s *PostgresStore) AddJob(job models.Job) error {
	scheduleJSON, err := marshalSchedule(job.Schedule)
	if err != nil {
		return err
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	var nextRun interface{}
	if job.NextRunAt != nil {
		nextRun = *job.NextRunAt
	}
	_, err = s.db.Exec(
		`INSERT INTO jobs (id, owner_key, schedule_json, body, channel, address, state, next_run_at,
		 attempt_count, require_confirmation, remind_again_seconds, max_attempts, snooze_count,
		 depends_on_job_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		job.ID, job.OwnerKey, scheduleJSON, job.Payload.Body, job.Payload.Channel, job.Payload.To,
		job.State, nextRun, job.AttemptCount, job.RequireConfirmation, job.RemindAgainSeconds,
		job.MaxAttempts, job.SnoozeCount, nilIfEmpty(job.DependsOnJobID), job.CreatedAt, now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrJobExists
		}
		return persistErr("add job", err)
	}
	slog.Debug("PostgresStore.AddJob", "id", job.ID, "owner", job.OwnerKey, "state", job.State)
	return nil
}

func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("get job", err)
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(ownerKey string) ([]models.Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE owner_key = $1 ORDER BY next_run_at ASC NULLS LAST`,
		ownerKey,
	)
	if err != nil {
		return nil, persistErr("list jobs", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, persistErr("list jobs", err)
	}
	return jobs, nil
}

func (s *PostgresStore) ListDependents(jobID string) ([]models.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE depends_on_job_id = $1`, jobID)
	if err != nil {
		return nil, persistErr("list dependents", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, persistErr("list dependents", err)
	}
	return jobs, nil
}

func (s *PostgresStore) FindDuplicate(ownerKey, body, scheduleJSON string) (*models.Job, error) {
	row := s.db.QueryRow(
		`SELECT `+jobColumns+` FROM jobs
		 WHERE owner_key = $1 AND body = $2 AND schedule_json = $3 AND state != $4`,
		ownerKey, body, scheduleJSON, models.JobStateCompleted,
	)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("find duplicate", err)
	}
	return &j, nil
}

func (s *PostgresStore) RemoveJob(id string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, persistErr("remove job", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) UpdateNextRun(id string, next *time.Time) error {
	var nextRun interface{}
	if next != nil {
		nextRun = *next
	}
	_, err := s.db.Exec(
		`UPDATE jobs SET next_run_at = $1, updated_at = $2 WHERE id = $3`,
		nextRun, time.Now(), id,
	)
	if err != nil {
		return persistErr("update next run", err)
	}
	return nil
}

func (s *PostgresStore) SetJobState(id string, state models.JobState) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET state = $1, updated_at = $2 WHERE id = $3`,
		state, time.Now(), id,
	)
	if err != nil {
		return persistErr("set job state", err)
	}
	return nil
}

func (s *PostgresStore) AdvanceJob(id string, next *time.Time, state models.JobState, attemptCount int) error {
	var nextRun interface{}
	if next != nil {
		nextRun = *next
	}
	_, err := s.db.Exec(
		`UPDATE jobs SET next_run_at = $1, state = $2, attempt_count = $3, updated_at = $4 WHERE id = $5`,
		nextRun, state, attemptCount, time.Now(), id,
	)
	if err != nil {
		return persistErr("advance job", err)
	}
	return nil
}

func (s *PostgresStore) SnoozeJob(id string, next time.Time, snoozeCount int) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET next_run_at = $1, snooze_count = $2, updated_at = $3 WHERE id = $4`,
		next, snoozeCount, time.Now(), id,
	)
	if err != nil {
		return persistErr("snooze job", err)
	}
	return nil
}

func (s *PostgresStore) DueJobs(now time.Time, state models.JobState, limit int) ([]models.Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state = $1 AND next_run_at IS NOT NULL AND next_run_at <= $2
		 ORDER BY next_run_at ASC LIMIT $3`,
		state, now, limit,
	)
	if err != nil {
		return nil, persistErr("due jobs", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, persistErr("due jobs", err)
	}
	return jobs, nil
}

func (s *PostgresStore) AddDelivery(d models.Delivery) error {
	_, err := s.db.Exec(
		`INSERT INTO deliveries (recipient, message_id, job_id, sent_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (recipient, message_id) DO UPDATE SET job_id = $3, sent_at = $4`,
		d.To, d.MessageID, d.JobID, d.SentAt,
	)
	if err != nil {
		return persistErr("add delivery", err)
	}
	return nil
}

func (s *PostgresStore) TakeDelivery(recipient, messageID string) (*models.Delivery, error) {
	var d models.Delivery
	err := s.db.QueryRow(
		`DELETE FROM deliveries WHERE recipient = $1 AND message_id = $2
		 RETURNING recipient, message_id, job_id, sent_at`,
		recipient, messageID,
	).Scan(&d.To, &d.MessageID, &d.JobID, &d.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("take delivery", err)
	}
	return &d, nil
}
