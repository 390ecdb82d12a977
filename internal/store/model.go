// Package store persists runs, steps, edges, attempts, and events, and
// implements the durable state machine the scheduler drives. Two
// implementations exist: postgres (production) and memory (tests and
// store-less execution). All state transitions go through this API; the
// scheduler holds no authoritative in-memory state.
package store

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status is final. A run reaches a
// terminal status at most once.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCanceled
}

// StepStatus is the lifecycle state of a run step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// AttemptStatus is the lifecycle state of one HTTP attempt.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// ErrorInfo is the persisted form of a terminal error.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Document is a workflow document row, written once per content hash.
type Document struct {
	// ID is the content hash of the raw document bytes.
	ID        string
	Title     string
	Content   []byte
	CreatedAt time.Time
}

// SourceSnapshot is a loaded OpenAPI description frozen alongside the
// document that references it, so resume never depends on the network.
type SourceSnapshot struct {
	DocumentID string
	Name       string
	URL        string
	Version    string
	Content    []byte
}

// Run is one invocation of a workflow with a frozen input set.
type Run struct {
	ID         uuid.UUID
	DocumentID string
	WorkflowID string
	Status     RunStatus

	Creator        string
	IdempotencyKey string

	// Inputs are frozen at creation; Overrides carry --set values.
	Inputs    map[string]any
	Overrides map[string]any

	// Outputs are the workflow outputs, set on success.
	Outputs map[string]any

	Error *ErrorInfo

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// RunStep is the durable per-step state of a run.
type RunStep struct {
	ID        uuid.UUID
	RunID     uuid.UUID
	StepID    string
	StepIndex int
	Status    StepStatus

	// DependsOn is the planned predecessor list, frozen at run creation.
	DependsOn []string

	// DepsRemaining counts unfinished predecessors. Zero is necessary
	// (not sufficient) for dispatch.
	DepsRemaining int

	// NextRunAt gates dispatch for backoff; nil means ready now.
	NextRunAt *time.Time

	// RetryCount counts onFailure retry actions consumed.
	RetryCount int

	Outputs map[string]any
	Error   *ErrorInfo

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Edge is a materialized dependency of a run, immutable after creation.
type Edge struct {
	RunID      uuid.UUID
	FromStepID string
	ToStepID   string
}

// HTTPRecord is the persisted half of an HTTP exchange. Sensitive
// values are redacted before the record is built.
type HTTPRecord struct {
	Method     string              `json:"method,omitempty"`
	URL        string              `json:"url,omitempty"`
	StatusCode int                 `json:"statusCode,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
}

// Attempt is one HTTP invocation on behalf of a step. Attempts are
// append-only: once the terminal row is written it is never mutated.
type Attempt struct {
	ID        uuid.UUID
	RunStepID uuid.UUID
	AttemptNo int
	Status    AttemptStatus

	Request  *HTTPRecord
	Response *HTTPRecord
	Error    *ErrorInfo

	Duration   time.Duration
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Event is a typed record of a state transition. IDs are assigned by
// the store and are monotonically increasing per run in causal order.
type Event struct {
	ID        int64
	RunID     uuid.UUID
	RunStepID *uuid.UUID
	TS        time.Time
	Type      string
	Payload   map[string]any
}
