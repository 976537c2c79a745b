// Package tracker correlates acknowledgment signals back to jobs and drives
// completion, follow-up re-delivery, and cancellation.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/dispatch"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// DefaultReplacementBuffer sizes the replacement-request channel.
const DefaultReplacementBuffer = 16

// followUpClaimLimit caps how many overdue confirmations one pass re-delivers.
const followUpClaimLimit = 50

// Dispatcher re-delivers an unconfirmed job's payload.
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.Job, now time.Time) dispatch.Outcome
}

// CompletionNotifier is told when a job completes so dependents activate.
type CompletionNotifier interface {
	OnCompleted(ctx context.Context, jobID string) error
}

// Tracker is the sole consumer of acknowledgment signals. It matches a
// signal's (destination, message id) pair against recorded deliveries and
// applies the confirmation policy.
type Tracker struct {
	store        store.JobStore
	dispatcher   Dispatcher
	notifier     CompletionNotifier
	replacements chan models.ReplacementRequest
}

// NewTracker creates a completion tracker.
func NewTracker(st store.JobStore, disp Dispatcher, notifier CompletionNotifier) *Tracker {
	return &Tracker{
		store:        st,
		dispatcher:   disp,
		notifier:     notifier,
		replacements: make(chan models.ReplacementRequest, DefaultReplacementBuffer),
	}
}

// Replacements returns the channel of replacement requests emitted when a
// negative acknowledgment removes a job. The conversational layer consumes it
// and re-prompts the user for a new schedule.
func (t *Tracker) Replacements() <-chan models.ReplacementRequest {
	return t.replacements
}

// OnAcknowledge processes an externally observed signal on a delivered
// message. Unmatched signals are a no-op: the correlation is single-use and
// the job may already be gone.
func (t *Tracker) OnAcknowledge(ctx context.Context, ack models.Acknowledgment) error {
	delivery, err := t.store.TakeDelivery(ack.From, ack.MessageID)
	if err != nil {
		return fmt.Errorf("acknowledgment lookup failed: %w", err)
	}
	if delivery == nil {
		slog.Debug("Tracker.OnAcknowledge: no delivery correlation, ignoring",
			"from", ack.From, "messageID", ack.MessageID)
		return nil
	}

	job, err := t.store.GetJob(delivery.JobID)
	if err != nil {
		return fmt.Errorf("acknowledged job lookup failed: %w", err)
	}
	if job == nil {
		slog.Debug("Tracker.OnAcknowledge: job already removed", "jobID", delivery.JobID)
		return nil
	}

	switch ack.Signal {
	case models.AckPositive:
		return t.complete(ctx, job)
	case models.AckNegative:
		return t.reject(job)
	case models.AckSnooze:
		return t.snooze(job, ack.Time)
	default:
		slog.Warn("Tracker.OnAcknowledge: unknown signal", "signal", ack.Signal, "jobID", job.ID)
		return nil
	}
}

// complete marks the job done. Removal is the atomic terminal record; the
// resolver then activates any job that was waiting on this one.
func (t *Tracker) complete(ctx context.Context, job *models.Job) error {
	if _, err := t.store.RemoveJob(job.ID); err != nil {
		return fmt.Errorf("completing job %s failed: %w", job.ID, err)
	}
	slog.Info("Tracker.complete: job confirmed done", "jobID", job.ID, "attempts", job.AttemptCount)
	if t.notifier != nil {
		if err := t.notifier.OnCompleted(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}

// reject removes the job and asks the caller for a replacement schedule.
func (t *Tracker) reject(job *models.Job) error {
	if _, err := t.store.RemoveJob(job.ID); err != nil {
		return fmt.Errorf("removing rejected job %s failed: %w", job.ID, err)
	}
	slog.Info("Tracker.reject: job marked not done, requesting replacement", "jobID", job.ID)

	req := models.ReplacementRequest{OwnerKey: job.OwnerKey, JobID: job.ID, Payload: job.Payload}
	select {
	case t.replacements <- req:
	default:
		slog.Warn("Tracker.reject: replacement channel full, dropping request", "jobID", job.ID)
	}
	return nil
}

// snooze postpones the next follow-up by a fixed delay, at most
// MaxSnoozeCount times per job.
func (t *Tracker) snooze(job *models.Job, now time.Time) error {
	if job.State != models.JobStateAwaitingAck {
		slog.Debug("Tracker.snooze: job not awaiting confirmation, ignoring", "jobID", job.ID, "state", job.State)
		return nil
	}
	if job.SnoozeCount >= models.MaxSnoozeCount {
		slog.Info("Tracker.snooze: snooze limit reached, ignoring", "jobID", job.ID)
		return nil
	}
	next := now.Add(models.SnoozeDelay)
	if err := t.store.SnoozeJob(job.ID, next, job.SnoozeCount+1); err != nil {
		return fmt.Errorf("snoozing job %s failed: %w", job.ID, err)
	}
	slog.Info("Tracker.snooze: follow-up postponed", "jobID", job.ID, "until", next, "snoozes", job.SnoozeCount+1)
	return nil
}

// CheckFollowUps re-delivers confirmation-tracked jobs whose follow-up
// deadline passed without a signal. At most one unacknowledged re-delivery is
// outstanding per job at a time: the deadline only advances after a
// successful dispatch. Once attempts reach the cap the job completes
// silently, with no dependent activation, since the user never confirmed it.
func (t *Tracker) CheckFollowUps(ctx context.Context, now time.Time) error {
	due, err := t.store.DueJobs(now, models.JobStateAwaitingAck, followUpClaimLimit)
	if err != nil {
		return fmt.Errorf("follow-up scan failed: %w", err)
	}

	for _, job := range due {
		if job.AttemptCount >= job.EffectiveMaxAttempts() {
			slog.Info("Tracker.CheckFollowUps: attempts exhausted, completing without further action",
				"jobID", job.ID, "attempts", job.AttemptCount)
			if _, err := t.store.RemoveJob(job.ID); err != nil {
				return fmt.Errorf("retiring exhausted job %s failed: %w", job.ID, err)
			}
			continue
		}

		outcome := t.dispatcher.Dispatch(ctx, job, now)
		if outcome != dispatch.OutcomeDelivered {
			slog.Debug("Tracker.CheckFollowUps: re-delivery did not go out, keeping deadline",
				"jobID", job.ID, "outcome", outcome)
			continue
		}

		// Jobs with no remind-again policy only reach here via a snooze; they
		// go back to waiting indefinitely instead of re-arming at now.
		var next *time.Time
		if job.RemindAgainSeconds > 0 {
			n := now.Add(time.Duration(job.RemindAgainSeconds) * time.Second)
			next = &n
		}
		if err := t.store.AdvanceJob(job.ID, next, models.JobStateAwaitingAck, job.AttemptCount+1); err != nil {
			return fmt.Errorf("advancing follow-up for job %s failed: %w", job.ID, err)
		}
		slog.Info("Tracker.CheckFollowUps: re-delivered unconfirmed reminder",
			"jobID", job.ID, "attempt", job.AttemptCount+1, "nextFollowUp", next)
	}
	return nil
}
