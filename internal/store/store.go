package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateIdempotencyKey is returned by CreateRun when another run
// already holds the (creator, idempotency key) pair.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// Store is the durable state API the scheduler and CLI drive. Every
// method is safe for concurrent use; multi-row transitions are
// transactional in each implementation.
type Store interface {
	// PutDocument writes a document row if its content hash is absent.
	// Writing the same hash twice is a no-op.
	PutDocument(ctx context.Context, doc *Document) error

	// GetDocument loads a document row by content hash.
	GetDocument(ctx context.Context, id string) (*Document, error)

	// PutSources snapshots the loaded OpenAPI descriptions of a document.
	PutSources(ctx context.Context, snapshots []SourceSnapshot) error

	// ListSources returns the snapshots frozen for a document.
	ListSources(ctx context.Context, documentID string) ([]SourceSnapshot, error)

	// CreateRun inserts the run, all step rows with their depends_on
	// lists and initial deps_remaining, and all edges — in one
	// transaction.
	CreateRun(ctx context.Context, run *Run, steps []*RunStep, edges []Edge) error

	// GetRun loads a run by id.
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)

	// FindRunByIdempotency returns the run for a (creator, key) pair, or
	// ErrNotFound.
	FindRunByIdempotency(ctx context.Context, creator, key string) (*Run, error)

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	// SetRunStatus transitions a run from any of the given statuses to
	// the new one, recording the terminal error when provided. It
	// returns false without error when the run was in none of the from
	// statuses, which makes terminal transitions idempotent.
	SetRunStatus(ctx context.Context, id uuid.UUID, from []RunStatus, to RunStatus, errInfo *ErrorInfo) (bool, error)

	// SetRunOutputs records the evaluated workflow outputs.
	SetRunOutputs(ctx context.Context, id uuid.UUID, outputs map[string]any) error

	// ListSteps returns all step rows of a run in step_index order.
	ListSteps(ctx context.Context, runID uuid.UUID) ([]*RunStep, error)

	// ClaimReadySteps atomically claims up to limit dispatchable steps:
	// status pending, deps_remaining zero, next_run_at due. Claimed rows
	// transition to running with started_at set. Concurrent claimers
	// never receive the same step.
	ClaimReadySteps(ctx context.Context, runID uuid.UUID, limit int) ([]*RunStep, error)

	// CommitStepSuccess marks the step succeeded with its outputs and
	// decrements deps_remaining on every successor, in one transaction.
	CommitStepSuccess(ctx context.Context, stepRowID uuid.UUID, outputs map[string]any) error

	// FailStep marks the step failed. When skipSuccessors is set, all
	// transitive successors become skipped in the same transaction;
	// otherwise successors are unblocked as if the step had finished.
	FailStep(ctx context.Context, stepRowID uuid.UUID, errInfo *ErrorInfo, skipSuccessors bool) error

	// RescheduleStep returns a claimed step to pending with the given
	// next_run_at, adding retryDelta to its retry counter.
	RescheduleStep(ctx context.Context, stepRowID uuid.UUID, nextRunAt time.Time, retryDelta int) error

	// ResetStepReady forces a step to pending with no dependency or
	// backoff gate (the goto action), and recomputes deps_remaining on
	// its successors from live predecessor statuses.
	ResetStepReady(ctx context.Context, runID uuid.UUID, stepID string) error

	// BeginAttempt appends the next attempt row (attempt_no is the
	// previous number plus one) in running state.
	BeginAttempt(ctx context.Context, stepRowID uuid.UUID, req *HTTPRecord) (*Attempt, error)

	// FinishAttempt writes the attempt's terminal row. The row is never
	// mutated afterwards.
	FinishAttempt(ctx context.Context, attemptID uuid.UUID, status AttemptStatus, resp *HTTPRecord, errInfo *ErrorInfo, duration time.Duration) error

	// LatestAttempt returns the newest attempt of a step, or ErrNotFound.
	LatestAttempt(ctx context.Context, stepRowID uuid.UUID) (*Attempt, error)

	// ListAttempts returns a step's attempts in attempt_no order.
	ListAttempts(ctx context.Context, stepRowID uuid.UUID) ([]*Attempt, error)

	// AppendEvent inserts an event and returns its assigned id.
	AppendEvent(ctx context.Context, ev *Event) (int64, error)

	// ListEvents returns a run's events with id greater than afterID,
	// in id order, up to limit.
	ListEvents(ctx context.Context, runID uuid.UUID, afterID int64, limit int) ([]*Event, error)

	// Close releases the underlying resources.
	Close()
}
