package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// jobColumns is the canonical select list for job rows.
const jobColumns = `id, owner_key, schedule_json, body, channel, address, state, next_run_at,
	attempt_count, require_confirmation, remind_again_seconds, max_attempts, snooze_count,
	depends_on_job_id, created_at, updated_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// MarshalSchedule serializes a schedule in the canonical form used for the
// schedule_json column and for duplicate detection.
func MarshalSchedule(s models.Schedule) (string, error) {
	return marshalSchedule(s)
}

// marshalSchedule serializes a schedule for the schedule_json column.
func marshalSchedule(s models.Schedule) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal schedule failed: %w", err)
	}
	return string(b), nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a Job from a row using the jobColumns order.
func scanJob(row rowScanner) (models.Job, error) {
	var j models.Job
	var scheduleJSON string
	var nextRunAt sql.NullTime
	var dependsOn sql.NullString
	err := row.Scan(
		&j.ID, &j.OwnerKey, &scheduleJSON, &j.Payload.Body, &j.Payload.Channel, &j.Payload.To,
		&j.State, &nextRunAt, &j.AttemptCount, &j.RequireConfirmation, &j.RemindAgainSeconds,
		&j.MaxAttempts, &j.SnoozeCount, &dependsOn, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	if err := json.Unmarshal([]byte(scheduleJSON), &j.Schedule); err != nil {
		return j, fmt.Errorf("unmarshal schedule for job %s failed: %w", j.ID, err)
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		j.NextRunAt = &t
	}
	j.DependsOnJobID = dependsOn.String
	return j, nil
}

// collectJobs drains rows into a slice of jobs.
func collectJobs(rows *sql.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows failed: %w", err)
	}
	return jobs, nil
}

// persistErr wraps a database failure in the PersistenceError taxonomy.
func persistErr(op string, err error) error {
	return &models.PersistenceError{Op: op, Err: err}
}
