// Package depend keeps chained jobs dormant until their prerequisite
// completes, then activates them immediately.
package depend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// Clock abstracts wall-clock reads for activation timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Resolver activates dependent jobs when their prerequisite completes and
// rejects cyclic dependency chains at creation time.
type Resolver struct {
	store store.JobStore
	clock Clock
}

// NewResolver creates a resolver. A nil clock means the system clock.
func NewResolver(st store.JobStore, clock Clock) *Resolver {
	if clock == nil {
		clock = systemClock{}
	}
	return &Resolver{store: st, clock: clock}
}

// ValidateDependency checks, at creation time, that the prerequisite exists
// and that following the chain of prerequisites never revisits a job. Cycles
// are rejected here with a SchedulingError rather than detected at runtime.
func (r *Resolver) ValidateDependency(dependsOnID string) error {
	if dependsOnID == "" {
		return nil
	}

	seen := make(map[string]bool)
	current := dependsOnID
	for current != "" {
		if seen[current] {
			return models.NewSchedulingError(
				fmt.Sprintf("dependency chain through %q", dependsOnID), models.ErrCyclicDependency)
		}
		seen[current] = true

		job, err := r.store.GetJob(current)
		if err != nil {
			return fmt.Errorf("dependency lookup failed: %w", err)
		}
		if job == nil {
			if current == dependsOnID {
				return models.NewSchedulingError(
					fmt.Sprintf("prerequisite %q", dependsOnID), models.ErrDependencyNotFound)
			}
			// A transitive prerequisite that is already gone ends the chain.
			return nil
		}
		current = job.DependsOnJobID
	}
	return nil
}

// OnCompleted activates every dormant job waiting on the completed one:
// next_run_at is set to now and the state to active, so the job becomes
// eligible on the very next tick.
func (r *Resolver) OnCompleted(ctx context.Context, jobID string) error {
	dependents, err := r.store.ListDependents(jobID)
	if err != nil {
		return fmt.Errorf("listing dependents of %s failed: %w", jobID, err)
	}

	now := r.clock.Now()
	for _, dep := range dependents {
		if dep.State != models.JobStateDormant {
			continue
		}
		if err := r.store.AdvanceJob(dep.ID, &now, models.JobStateActive, dep.AttemptCount); err != nil {
			return fmt.Errorf("activating dependent %s failed: %w", dep.ID, err)
		}
		slog.Info("Resolver.OnCompleted: dependent activated",
			"jobID", dep.ID, "prerequisite", jobID, "nextRun", now)
	}
	return nil
}
