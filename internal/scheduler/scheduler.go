// Package scheduler drives reminder delivery on a fixed tick.
//
// Each tick claims due jobs from the store, hands them to the dispatcher, and
// persists the advance before the job counts as handled. Ticks never overlap,
// and a store failure aborts the tick so the same work is retried on the next
// one rather than risking a lost reschedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/dispatch"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/schedule"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

const (
	// DefaultTickInterval is coarse enough to avoid store contention and fine
	// enough for human-facing reminders.
	DefaultTickInterval = 15 * time.Second
	// DefaultClaimLimit caps how many due jobs a single tick processes.
	DefaultClaimLimit = 50
)

// Clock abstracts wall-clock reads so tests can run on simulated time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Dispatcher is the firing boundary: the loop emits due jobs to it and knows
// nothing about concrete channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.Job, now time.Time) dispatch.Outcome
}

// CompletionNotifier is told when a job reaches its terminal completed state,
// so dependent jobs can be activated.
type CompletionNotifier interface {
	OnCompleted(ctx context.Context, jobID string) error
}

// FollowUpChecker re-delivers unconfirmed reminders; the loop provides the tick.
type FollowUpChecker interface {
	CheckFollowUps(ctx context.Context, now time.Time) error
}

// Loop is the periodic driver that finds due jobs, triggers delivery, and
// advances or completes each job.
type Loop struct {
	store        store.JobStore
	dispatcher   Dispatcher
	clock        Clock
	tickInterval time.Duration
	claimLimit   int

	notifier  CompletionNotifier
	followUps FollowUpChecker

	// mu enforces single-flight ticks: overlapping ticks over the same store
	// could double-fire a due job.
	mu sync.Mutex
}

// NewLoop creates a scheduler loop. A nil clock means the system clock; a
// non-positive tick interval means the default.
func NewLoop(st store.JobStore, disp Dispatcher, clock Clock, tickInterval time.Duration) *Loop {
	if clock == nil {
		clock = SystemClock{}
	}
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	return &Loop{
		store:        st,
		dispatcher:   disp,
		clock:        clock,
		tickInterval: tickInterval,
		claimLimit:   DefaultClaimLimit,
	}
}

// SetCompletionNotifier wires the dependency resolver.
func (l *Loop) SetCompletionNotifier(n CompletionNotifier) { l.notifier = n }

// SetFollowUpChecker wires the completion tracker's follow-up pass.
func (l *Loop) SetFollowUpChecker(f FollowUpChecker) { l.followUps = f }

// CatchUp applies the startup policy for jobs that became due while the
// process was down: a past-due one-shot fires exactly once on the first tick;
// a past-due recurring job fires once and then resumes its cadence, because
// the advance is always computed from now rather than from the missed
// occurrence. This makes the catch-up explicit and observable: neither a
// silent skip nor a backlog flood.
func (l *Loop) CatchUp(ctx context.Context) error {
	now := l.clock.Now()
	due, err := l.store.DueJobs(now, models.JobStateActive, l.claimLimit)
	if err != nil {
		return fmt.Errorf("catch-up scan failed: %w", err)
	}
	oneShots, recurring := 0, 0
	for _, job := range due {
		if job.Schedule.IsRecurring() {
			recurring++
		} else {
			oneShots++
		}
	}
	if len(due) > 0 {
		slog.Info("Loop.CatchUp: past-due jobs will fire once on the first tick",
			"oneShots", oneShots, "recurring", recurring)
	}
	return nil
}

// Run starts the tick loop. It blocks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	slog.Info("Loop.Run: starting scheduler", "tickInterval", l.tickInterval)

	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Loop.Run: stopping")
			return
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				slog.Error("Loop.Run: tick failed, will retry next tick", "error", err)
			}
		}
	}
}

// Tick executes one scheduling cycle. A persistence failure aborts the cycle:
// a job is never considered handled until its advance is durably recorded.
func (l *Loop) Tick(ctx context.Context) error {
	if !l.mu.TryLock() {
		slog.Warn("Loop.Tick: previous tick still running, skipping")
		return nil
	}
	defer l.mu.Unlock()

	now := l.clock.Now()
	due, err := l.store.DueJobs(now, models.JobStateActive, l.claimLimit)
	if err != nil {
		return fmt.Errorf("claim due jobs failed: %w", err)
	}

	for _, job := range due {
		if err := l.handleDue(ctx, job, now); err != nil {
			return fmt.Errorf("handling job %s failed: %w", job.ID, err)
		}
	}

	if l.followUps != nil {
		if err := l.followUps.CheckFollowUps(ctx, now); err != nil {
			return fmt.Errorf("follow-up pass failed: %w", err)
		}
	}
	return nil
}

// handleDue fires one due job and persists the outcome. Dispatch failures are
// absorbed: the schedule stays untouched and the job retries on its own
// cadence. Store failures propagate and abort the tick.
func (l *Loop) handleDue(ctx context.Context, job models.Job, now time.Time) error {
	outcome := l.dispatcher.Dispatch(ctx, job, now)
	if outcome != dispatch.OutcomeDelivered {
		slog.Debug("Loop.handleDue: dispatch did not deliver, schedule left intact",
			"jobID", job.ID, "outcome", outcome)
		return nil
	}

	if job.Schedule.IsRecurring() {
		next, err := schedule.ComputeNextRun(job.Schedule, now)
		if err != nil {
			// The schedule was valid at creation; park the job instead of
			// letting it re-fire every tick.
			slog.Error("Loop.handleDue: recurring advance failed, clearing next run",
				"error", err, "jobID", job.ID)
			return l.store.AdvanceJob(job.ID, nil, models.JobStateActive, job.AttemptCount)
		}
		return l.store.AdvanceJob(job.ID, &next, models.JobStateActive, job.AttemptCount)
	}

	if job.RequireConfirmation {
		// The follow-up deadline is persisted on the awaiting_ack row so the
		// policy survives restart. No deadline means waiting indefinitely.
		var next *time.Time
		if job.RemindAgainSeconds > 0 {
			t := now.Add(time.Duration(job.RemindAgainSeconds) * time.Second)
			next = &t
		}
		return l.store.AdvanceJob(job.ID, next, models.JobStateAwaitingAck, job.AttemptCount+1)
	}

	// One-shot without confirmation: removal is the atomic terminal record.
	if _, err := l.store.RemoveJob(job.ID); err != nil {
		return err
	}
	slog.Info("Loop.handleDue: one-shot completed", "jobID", job.ID)
	if l.notifier != nil {
		if err := l.notifier.OnCompleted(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}
