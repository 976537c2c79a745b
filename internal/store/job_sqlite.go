package store

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	sqlite3 "github.com/mattn/go-sqlite3"
)

func (s *SQLiteStore) AddJob(job models.Job) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OwnerKey, scheduleJSON, job.Payload.Body, job.Payload.Channel, job.Payload.To,
		job.State, nextRun, job.AttemptCount, job.RequireConfirmation, job.RemindAgainSeconds,
		job.MaxAttempts, job.SnoozeCount, nilIfEmpty(job.DependsOnJobID), job.CreatedAt, now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrJobExists
		}
		return persistErr("add job", err)
	}
	slog.Debug("SQLiteStore.AddJob", "id", job.ID, "owner", job.OwnerKey, "state", job.State)
	return nil
}

func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("get job", err)
	}
	return &j, nil
}

func (s *SQLiteStore) ListJobs(ownerKey string) ([]models.Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE owner_key = ? ORDER BY next_run_at IS NULL, next_run_at ASC`,
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

func (s *SQLiteStore) ListDependents(jobID string) ([]models.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE depends_on_job_id = ?`, jobID)
	if err != nil {
		return nil, persistErr("list dependents", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, persistErr("list dependents", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) FindDuplicate(ownerKey, body, scheduleJSON string) (*models.Job, error) {
	row := s.db.QueryRow(
		`SELECT `+jobColumns+` FROM jobs
		 WHERE owner_key = ? AND body = ? AND schedule_json = ? AND state != ?`,
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

func (s *SQLiteStore) RemoveJob(id string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, persistErr("remove job", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore.RemoveJob", "id", id)
	}
	return n > 0, nil
}

func (s *SQLiteStore) UpdateNextRun(id string, next *time.Time) error {
	var nextRun interface{}
	if next != nil {
		nextRun = *next
	}
	_, err := s.db.Exec(
		`UPDATE jobs SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		nextRun, time.Now(), id,
	)
	if err != nil {
		return persistErr("update next run", err)
	}
	return nil
}

func (s *SQLiteStore) SetJobState(id string, state models.JobState) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now(), id,
	)
	if err != nil {
		return persistErr("set job state", err)
	}
	return nil
}

func (s *SQLiteStore) AdvanceJob(id string, next *time.Time, state models.JobState, attemptCount int) error {
	var nextRun interface{}
	if next != nil {
		nextRun = *next
	}
	_, err := s.db.Exec(
		`UPDATE jobs SET next_run_at = ?, state = ?, attempt_count = ?, updated_at = ? WHERE id = ?`,
		nextRun, state, attemptCount, time.Now(), id,
	)
	if err != nil {
		return persistErr("advance job", err)
	}
	return nil
}

func (s *SQLiteStore) SnoozeJob(id string, next time.Time, snoozeCount int) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET next_run_at = ?, snooze_count = ?, updated_at = ? WHERE id = ?`,
		next, snoozeCount, time.Now(), id,
	)
	if err != nil {
		return persistErr("snooze job", err)
	}
	return nil
}

func (s *SQLiteStore) DueJobs(now time.Time, state models.JobState, limit int) ([]models.Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at ASC LIMIT ?`,
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

func (s *SQLiteStore) AddDelivery(d models.Delivery) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO deliveries (recipient, message_id, job_id, sent_at) VALUES (?, ?, ?, ?)`,
		d.To, d.MessageID, d.JobID, d.SentAt,
	)
	if err != nil {
		return persistErr("add delivery", err)
	}
	slog.Debug("SQLiteStore.AddDelivery", "to", d.To, "messageID", d.MessageID, "jobID", d.JobID)
	return nil
}

func (s *SQLiteStore) TakeDelivery(recipient, messageID string) (*models.Delivery, error) {
	// Single delete-and-return statement so concurrent acknowledgments of the
	// same message cannot both claim the correlation.
	var d models.Delivery
	err := s.db.QueryRow(
		`DELETE FROM deliveries WHERE recipient = ? AND message_id = ?
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
