// Package dispatch hands fired jobs to their channel adapters.
//
// The dispatcher is the only component that knows about concrete channels.
// Channel-unknown and channel-unready conditions are absorbed here: the job's
// schedule is left untouched and it retries on its own natural cadence.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// DefaultSendTimeout bounds a single dispatch so a hanging channel cannot
// stall delivery of other due jobs in the same tick.
const DefaultSendTimeout = 10 * time.Second

// Channel is the narrow adapter contract the scheduler depends on: send a
// message and report readiness. Nothing else is required of a transport.
type Channel interface {
	// Send delivers text to the address and returns the channel-assigned
	// message identifier used for acknowledgment correlation.
	Send(ctx context.Context, to string, body string) (messageID string, err error)

	// Ready reports whether the channel can currently deliver.
	Ready() bool
}

// RecipientCanonicalizer is an optional Channel upgrade. Adapters whose
// acknowledgment events report addresses in a normalized form implement it so
// delivery correlations are recorded under the same form.
type RecipientCanonicalizer interface {
	CanonicalRecipient(to string) string
}

// Outcome classifies a dispatch attempt.
type Outcome string

const (
	// OutcomeDelivered means the payload reached the channel and a delivery
	// correlation was recorded.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeChannelUnknown means no adapter is registered for the
	// destination's channel.
	OutcomeChannelUnknown Outcome = "channel_unknown"
	// OutcomeChannelUnready means the adapter exists but could not deliver
	// right now (not connected, send error, or timeout).
	OutcomeChannelUnready Outcome = "channel_unready"
)

// Dispatcher routes fired jobs to registered channel adapters and records
// delivery correlations for the completion tracker.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel
	store    store.JobStore
	timeout  time.Duration
}

// NewDispatcher creates a Dispatcher recording correlations in the given store.
func NewDispatcher(st store.JobStore) *Dispatcher {
	return &Dispatcher{
		channels: make(map[string]Channel),
		store:    st,
		timeout:  DefaultSendTimeout,
	}
}

// SetTimeout overrides the per-dispatch send timeout.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

// Register adds a channel adapter under the given name.
func (d *Dispatcher) Register(name string, ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[name] = ch
	slog.Info("Dispatcher.Register: channel registered", "channel", name)
}

type sendResult struct {
	messageID string
	err       error
}

// Dispatch delivers the job's payload. On success it records a delivery
// correlation stamped with now. Failures never propagate: they are logged and
// classified so the caller leaves the job's schedule intact.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.Job, now time.Time) Outcome {
	d.mu.RLock()
	ch, ok := d.channels[job.Payload.Channel]
	d.mu.RUnlock()

	if !ok {
		slog.Warn("Dispatcher.Dispatch: no adapter for channel",
			"jobID", job.ID, "channel", job.Payload.Channel, "to", job.Payload.To)
		return OutcomeChannelUnknown
	}
	if !ch.Ready() {
		slog.Warn("Dispatcher.Dispatch: channel not ready, skipping occurrence",
			"jobID", job.ID, "channel", job.Payload.Channel)
		return OutcomeChannelUnready
	}

	to := job.Payload.To
	if c, ok := ch.(RecipientCanonicalizer); ok {
		to = c.CanonicalRecipient(to)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// Send in a goroutine so a hanging adapter only costs this job its
	// timeout, not the whole tick.
	results := make(chan sendResult, 1)
	go func() {
		id, err := ch.Send(sendCtx, to, job.Payload.Body)
		results <- sendResult{messageID: id, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			slog.Error("Dispatcher.Dispatch: send failed",
				"error", res.err, "jobID", job.ID, "channel", job.Payload.Channel)
			return OutcomeChannelUnready
		}
		d.recordDelivery(job, to, res.messageID, now)
		slog.Info("Dispatcher.Dispatch: delivered",
			"jobID", job.ID, "channel", job.Payload.Channel, "messageID", res.messageID)
		return OutcomeDelivered
	case <-sendCtx.Done():
		slog.Warn("Dispatcher.Dispatch: send timed out",
			"jobID", job.ID, "channel", job.Payload.Channel, "timeout", d.timeout)
		return OutcomeChannelUnready
	}
}

// recordDelivery stores the message-id correlation used to match a later
// acknowledgment back to the job.
func (d *Dispatcher) recordDelivery(job models.Job, to, messageID string, now time.Time) {
	if messageID == "" {
		slog.Debug("Dispatcher.recordDelivery: channel returned no message id", "jobID", job.ID)
		return
	}
	err := d.store.AddDelivery(models.Delivery{
		To:        to,
		MessageID: messageID,
		JobID:     job.ID,
		SentAt:    now,
	})
	if err != nil {
		// The message is already out; losing the correlation only means a
		// later acknowledgment will not match.
		slog.Error("Dispatcher.recordDelivery: failed to record correlation",
			"error", err, "jobID", job.ID, "messageID", messageID)
	}
}
