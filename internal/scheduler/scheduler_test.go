package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/dispatch"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// fakeClock returns a settable instant so tests drive simulated time.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeDispatcher records every dispatch and returns a configurable outcome.
type fakeDispatcher struct {
	outcome dispatch.Outcome
	calls   []models.Job
}

func (d *fakeDispatcher) Dispatch(_ context.Context, job models.Job, _ time.Time) dispatch.Outcome {
	d.calls = append(d.calls, job)
	return d.outcome
}

type recordingNotifier struct {
	completed []string
}

func (n *recordingNotifier) OnCompleted(_ context.Context, jobID string) error {
	n.completed = append(n.completed, jobID)
	return nil
}

type recordingFollowUps struct {
	ticks []time.Time
}

func (f *recordingFollowUps) CheckFollowUps(_ context.Context, now time.Time) error {
	f.ticks = append(f.ticks, now)
	return nil
}

func testStart(t *testing.T) time.Time {
	t.Helper()
	start, err := time.Parse(time.RFC3339, "2026-04-15T09:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	return start
}

func oneShotJob(id string, fireAt time.Time) models.Job {
	return models.Job{
		ID:       id,
		OwnerKey: "user-1",
		Schedule: models.Schedule{Kind: models.ScheduleKindOneShot, FireAt: fireAt},
		Payload:  models.Payload{Body: "take your medication", Channel: "whatsapp", To: "+15550001111"},
		NextRunAt: func() *time.Time {
			t := fireAt
			return &t
		}(),
		State: models.JobStateActive,
	}
}

func TestOneShotFiresExactlyOnce(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	clock := &fakeClock{now: testStart(t)}
	disp := &fakeDispatcher{outcome: dispatch.OutcomeDelivered}
	loop := NewLoop(st, disp, clock, time.Second)
	notifier := &recordingNotifier{}
	loop.SetCompletionNotifier(notifier)

	fireAt := clock.now.Add(120 * time.Second)
	if err := st.AddJob(oneShotJob("job-once", fireAt)); err != nil {
		t.Fatal(err)
	}

	// Not due yet: ticks before the fire instant deliver nothing.
	for i := 0; i < 3; i++ {
		if err := loop.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
		clock.Advance(30 * time.Second)
	}
	if len(disp.calls) != 0 {
		t.Fatalf("expected no deliveries before the fire instant, got %d", len(disp.calls))
	}

	// 120 simulated seconds in: exactly one delivery to the destination.
	clock.now = fireAt
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(disp.calls))
	}
	if disp.calls[0].Payload.To != "+15550001111" {
		t.Errorf("delivered to %s, want +15550001111", disp.calls[0].Payload.To)
	}

	// The job completed and later ticks see nothing.
	job, err := st.GetJob("job-once")
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Errorf("expected one-shot job removed after firing, still present in state %s", job.State)
	}
	if len(notifier.completed) != 1 || notifier.completed[0] != "job-once" {
		t.Errorf("expected completion notification for job-once, got %v", notifier.completed)
	}

	clock.Advance(time.Hour)
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("one-shot fired again: %d total deliveries", len(disp.calls))
	}
}

func TestIntervalJobAdvances(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	clock := &fakeClock{now: testStart(t)}
	disp := &fakeDispatcher{outcome: dispatch.OutcomeDelivered}
	loop := NewLoop(st, disp, clock, time.Second)

	next := clock.now
	job := models.Job{
		ID:        "job-interval",
		OwnerKey:  "user-1",
		Schedule:  models.Schedule{Kind: models.ScheduleKindInterval, EverySeconds: 60},
		Payload:   models.Payload{Body: "stand up", Channel: "whatsapp", To: "+15550001111"},
		NextRunAt: &next,
		State:     models.JobStateActive,
	}
	if err := st.AddJob(job); err != nil {
		t.Fatal(err)
	}

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("expected one delivery, got %d", len(disp.calls))
	}

	got, err := st.GetJob("job-interval")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("interval job was removed, expected it to persist")
	}
	if got.State != models.JobStateActive {
		t.Errorf("state = %s, want active", got.State)
	}
	want := clock.now.Add(60 * time.Second)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Errorf("next run = %v, want %v", got.NextRunAt, want)
	}

	// The same tick instant must not double-fire.
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("job re-fired before its period elapsed: %d deliveries", len(disp.calls))
	}
}

func TestConfirmationJobEntersAwaitingAck(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	clock := &fakeClock{now: testStart(t)}
	disp := &fakeDispatcher{outcome: dispatch.OutcomeDelivered}
	loop := NewLoop(st, disp, clock, time.Second)
	notifier := &recordingNotifier{}
	loop.SetCompletionNotifier(notifier)

	job := oneShotJob("job-confirm", clock.now)
	job.RequireConfirmation = true
	job.RemindAgainSeconds = 60
	if err := st.AddJob(job); err != nil {
		t.Fatal(err)
	}

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetJob("job-confirm")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("confirmation-tracked job was removed on first delivery")
	}
	if got.State != models.JobStateAwaitingAck {
		t.Errorf("state = %s, want awaiting_ack", got.State)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", got.AttemptCount)
	}
	want := clock.now.Add(60 * time.Second)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Errorf("follow-up deadline = %v, want %v", got.NextRunAt, want)
	}
	if len(notifier.completed) != 0 {
		t.Errorf("completion notified before acknowledgment: %v", notifier.completed)
	}
}

func TestUndeliveredLeavesScheduleIntact(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	clock := &fakeClock{now: testStart(t)}
	disp := &fakeDispatcher{outcome: dispatch.OutcomeChannelUnready}
	loop := NewLoop(st, disp, clock, time.Second)

	fireAt := clock.now
	if err := st.AddJob(oneShotJob("job-retry", fireAt)); err != nil {
		t.Fatal(err)
	}

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetJob("job-retry")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("job removed after failed dispatch")
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(fireAt) {
		t.Errorf("next run changed after failed dispatch: %v", got.NextRunAt)
	}

	// Once the channel recovers, the next tick delivers it.
	disp.outcome = dispatch.OutcomeDelivered
	clock.Advance(time.Second)
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(disp.calls) != 2 {
		t.Fatalf("expected the retry to dispatch, got %d total calls", len(disp.calls))
	}
	if got, _ := st.GetJob("job-retry"); got != nil {
		t.Error("expected job removed after eventual delivery")
	}
}

// flakyStore fails DueJobs until healed, to verify that a tick aborts on a
// store error and the same work is retried later.
type flakyStore struct {
	store.JobStore
	fail bool
}

func (s *flakyStore) DueJobs(now time.Time, state models.JobState, limit int) ([]models.Job, error) {
	if s.fail {
		return nil, errors.New("store unavailable")
	}
	return s.JobStore.DueJobs(now, state, limit)
}

func TestStoreFailureAbortsTickAndRetries(t *testing.T) {
	inner := store.NewInMemoryStore()
	defer inner.Close()
	st := &flakyStore{JobStore: inner, fail: true}
	clock := &fakeClock{now: testStart(t)}
	disp := &fakeDispatcher{outcome: dispatch.OutcomeDelivered}
	loop := NewLoop(st, disp, clock, time.Second)

	if err := inner.AddJob(oneShotJob("job-flaky", clock.now)); err != nil {
		t.Fatal(err)
	}

	if err := loop.Tick(context.Background()); err == nil {
		t.Fatal("expected tick to fail while the store is down")
	}
	if len(disp.calls) != 0 {
		t.Fatalf("dispatched despite store failure: %d calls", len(disp.calls))
	}

	st.fail = false
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("expected the job to fire once the store recovered, got %d calls", len(disp.calls))
	}
}

func TestCatchUpFiresPastDueOnce(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	clock := &fakeClock{now: testStart(t)}
	disp := &fakeDispatcher{outcome: dispatch.OutcomeDelivered}
	loop := NewLoop(st, disp, clock, time.Second)

	// Both jobs became due two hours ago, while the process was down.
	past := clock.now.Add(-2 * time.Hour)
	if err := st.AddJob(oneShotJob("job-missed", past)); err != nil {
		t.Fatal(err)
	}
	recurring := models.Job{
		ID:        "job-missed-recurring",
		OwnerKey:  "user-1",
		Schedule:  models.Schedule{Kind: models.ScheduleKindInterval, EverySeconds: 3600},
		Payload:   models.Payload{Body: "hourly check", Channel: "whatsapp", To: "+15550001111"},
		NextRunAt: &past,
		State:     models.JobStateActive,
	}
	if err := st.AddJob(recurring); err != nil {
		t.Fatal(err)
	}

	if err := loop.CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	// One catch-up firing each, not one per missed occurrence.
	if len(disp.calls) != 2 {
		t.Fatalf("expected 2 catch-up deliveries, got %d", len(disp.calls))
	}

	// The recurring job resumed its cadence from now, not from the backlog.
	got, err := st.GetJob("job-missed-recurring")
	if err != nil {
		t.Fatal(err)
	}
	want := clock.now.Add(time.Hour)
	if got == nil || got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Errorf("recurring next run after catch-up = %v, want %v", got.NextRunAt, want)
	}

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(disp.calls) != 2 {
		t.Fatalf("backlog flood: %d total deliveries", len(disp.calls))
	}
}

func TestRestartDoesNotRefireDeliveredJob(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	clock := &fakeClock{now: testStart(t)}
	disp := &fakeDispatcher{outcome: dispatch.OutcomeDelivered}

	job := oneShotJob("job-restart", clock.now)
	job.RequireConfirmation = true
	job.RemindAgainSeconds = 600
	if err := st.AddJob(job); err != nil {
		t.Fatal(err)
	}

	loop := NewLoop(st, disp, clock, time.Second)
	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("expected one delivery before restart, got %d", len(disp.calls))
	}

	// A new loop over the same store simulates a process restart between the
	// firing and the acknowledgment. The job is awaiting_ack, not active, so
	// the restarted instance must not deliver it again.
	restarted := NewLoop(st, disp, clock, time.Second)
	if err := restarted.CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := restarted.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("restart re-fired a delivered job: %d total deliveries", len(disp.calls))
	}
}

func TestTickRunsFollowUpPass(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	clock := &fakeClock{now: testStart(t)}
	loop := NewLoop(st, &fakeDispatcher{outcome: dispatch.OutcomeDelivered}, clock, time.Second)
	followUps := &recordingFollowUps{}
	loop.SetFollowUpChecker(followUps)

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(followUps.ticks) != 1 || !followUps.ticks[0].Equal(clock.now) {
		t.Errorf("follow-up pass not run at tick time: %v", followUps.ticks)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := store.NewInMemoryStore()
	defer st.Close()
	loop := NewLoop(st, &fakeDispatcher{outcome: dispatch.OutcomeDelivered}, &fakeClock{now: testStart(t)}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
