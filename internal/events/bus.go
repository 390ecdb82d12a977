// Package events delivers typed run events. The store is the
// authoritative, ordered sink: every event is appended there first and
// receives its id from the append. Fan-out to other sinks (stdout,
// webhook) is best-effort and never blocks state progress.
package events

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tombee/arazzo/internal/store"
)

// Event types, in the vocabulary the CLI and webhook consumers see.
const (
	TypeRunStarted      = "run.started"
	TypeRunFinished     = "run.finished"
	TypeStepStarted     = "step.started"
	TypeAttemptStarted  = "step.attempt.started"
	TypeAttemptFinished = "step.attempt.finished"
	TypeStepSucceeded   = "step.succeeded"
	TypeStepFailed      = "step.failed"
	TypeStepSkipped     = "step.skipped"
	TypePolicyViolated  = "policy.violated"
)

// Sink receives events after they are durably ordered by the store.
type Sink interface {
	// Deliver handles one event. Errors are logged, not propagated; a
	// failing sink must not stall the run.
	Deliver(ctx context.Context, ev *store.Event) error
}

// Bus appends events to the store and fans them out to sinks.
type Bus struct {
	store  store.Store
	sinks  []Sink
	logger *slog.Logger
}

// NewBus creates a bus over the authoritative store.
func NewBus(st store.Store, logger *slog.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{store: st, sinks: sinks, logger: logger}
}

// Emit persists the event and fans it out. The store append error is
// returned — losing the authoritative record is a state-machine
// failure — while sink errors are only logged.
func (b *Bus) Emit(ctx context.Context, ev *store.Event) error {
	if _, err := b.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	for _, sink := range b.sinks {
		if err := sink.Deliver(ctx, ev); err != nil {
			b.logger.Warn("event sink delivery failed",
				"type", ev.Type,
				"event_id", ev.ID,
				"error", err,
			)
		}
	}
	return nil
}

// RunEvent builds a run-scoped event.
func RunEvent(runID uuid.UUID, eventType string, payload map[string]any) *store.Event {
	return &store.Event{RunID: runID, Type: eventType, Payload: payload}
}

// StepEvent builds a step-scoped event.
func StepEvent(runID uuid.UUID, stepRowID uuid.UUID, eventType string, payload map[string]any) *store.Event {
	return &store.Event{RunID: runID, RunStepID: &stepRowID, Type: eventType, Payload: payload}
}
