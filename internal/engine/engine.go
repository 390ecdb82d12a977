// Package engine drives a run to completion: it claims ready steps from
// the store, executes them on a bounded worker pool, applies retries and
// onSuccess/onFailure actions, and owns pausing, cancellation, and
// crash-recovery. A single process owns a run at a time; the store is
// the only authoritative state.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/arazzo/internal/events"
	"github.com/tombee/arazzo/internal/httpclient"
	"github.com/tombee/arazzo/internal/openapi"
	"github.com/tombee/arazzo/internal/retry"
	"github.com/tombee/arazzo/internal/secrets"
	"github.com/tombee/arazzo/internal/store"
	"github.com/tombee/arazzo/pkg/arazzo"
	"github.com/tombee/arazzo/pkg/arazzo/expression"
	"github.com/tombee/arazzo/pkg/errors"
	"github.com/tombee/arazzo/pkg/plan"
	"github.com/tombee/arazzo/pkg/policy"
)

// DefaultMaxConcurrency bounds the worker pool when the config is
// silent.
const DefaultMaxConcurrency = 10

// maxSubWorkflowDepth bounds nested workflow-step recursion.
const maxSubWorkflowDepth = 8

// heartbeat is the scheduler's wakeup interval: it re-checks backoff
// due times and external cancellation between step completions.
const heartbeat = 200 * time.Millisecond

// Config carries the per-run execution settings.
type Config struct {
	// MaxConcurrency bounds concurrently running steps.
	MaxConcurrency int

	// ContinueOnFailure unblocks successors of a failed step instead of
	// skipping them transitively.
	ContinueOnFailure bool

	// Creator is recorded on runs this engine creates.
	Creator string
}

// Params wires an Engine. Logger, Retry, and Metrics fall back to defaults
// when nil and Secrets may be nil; the other fields are required.
type Params struct {
	Document *arazzo.Document
	DocHash  string
	Store    store.Store
	Bus      *events.Bus
	Client   *httpclient.Client
	Policy   *policy.Policy
	Secrets  *secrets.Resolver
	Retry    *retry.Controller
	Compiler *openapi.Compiler
	Logger   *slog.Logger
	Metrics  *Metrics
	Config   Config
}

// Engine executes runs of one document.
type Engine struct {
	doc      *arazzo.Document
	docHash  string
	store    store.Store
	bus      *events.Bus
	client   *httpclient.Client
	pol      *policy.Policy
	secrets  *secrets.Resolver
	retry    *retry.Controller
	compiler *openapi.Compiler
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	cfg      Config
}

// New builds an Engine from its collaborators.
func New(p Params) *Engine {
	cfg := p.Config
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	controller := p.Retry
	if controller == nil {
		controller = retry.Default()
	}
	return &Engine{
		doc:      p.Document,
		docHash:  p.DocHash,
		store:    p.Store,
		bus:      p.Bus,
		client:   p.Client,
		pol:      p.Policy,
		secrets:  p.Secrets,
		retry:    controller,
		compiler: p.Compiler,
		logger:   logger,
		tracer:   otel.Tracer("arazzo/engine"),
		metrics:  metrics,
		cfg:      cfg,
	}
}

// program is the compiled, immutable execution plan of one workflow.
type program struct {
	wf    *arazzo.Workflow
	graph *plan.Graph
	steps map[string]*openapi.CompiledStep
}

func (e *Engine) compile(workflowID string) (*program, error) {
	wf, ok := e.doc.Workflow(workflowID)
	if !ok {
		return nil, &errors.PlanError{WorkflowID: workflowID, Message: "workflow not found in document"}
	}
	graph, err := plan.Build(wf)
	if err != nil {
		return nil, err
	}
	compiled, err := e.compiler.CompileWorkflow(wf, graph)
	if err != nil {
		return nil, err
	}
	prog := &program{wf: wf, graph: graph, steps: make(map[string]*openapi.CompiledStep, len(compiled))}
	for _, cs := range compiled {
		prog.steps[cs.StepID] = cs
	}
	return prog, nil
}

// CreateRun plans the workflow and persists the run, its step rows with
// initial dependency counters, and its edges in one transaction. With a
// matching (creator, idempotency key) the existing run is returned.
func (e *Engine) CreateRun(ctx context.Context, workflowID string, inputs, overrides map[string]any, idempotencyKey string) (*store.Run, error) {
	prog, err := e.compile(workflowID)
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		ID:             uuid.New(),
		DocumentID:     e.docHash,
		WorkflowID:     workflowID,
		Status:         store.RunQueued,
		Creator:        e.cfg.Creator,
		IdempotencyKey: idempotencyKey,
		Inputs:         inputs,
		Overrides:      overrides,
	}

	var steps []*store.RunStep
	var edges []store.Edge
	for _, node := range prog.graph.Nodes {
		steps = append(steps, &store.RunStep{
			ID:            uuid.New(),
			RunID:         run.ID,
			StepID:        node.StepID,
			StepIndex:     node.Index,
			Status:        store.StepPending,
			DependsOn:     node.DependsOn,
			DepsRemaining: len(node.DependsOn),
		})
	}
	for _, edge := range prog.graph.Edges {
		edges = append(edges, store.Edge{RunID: run.ID, FromStepID: edge.From, ToStepID: edge.To})
	}

	if err := e.store.CreateRun(ctx, run, steps, edges); err != nil {
		if stderrors.Is(err, store.ErrDuplicateIdempotencyKey) {
			return e.store.FindRunByIdempotency(ctx, e.cfg.Creator, idempotencyKey)
		}
		return nil, err
	}
	return run, nil
}

// Execute drives the run to a terminal status and returns the final row.
func (e *Engine) Execute(ctx context.Context, runID uuid.UUID) (*store.Run, error) {
	return e.execute(ctx, runID, 0)
}

func (e *Engine) execute(ctx context.Context, runID uuid.UUID, depth int) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	prog, err := e.compile(run.WorkflowID)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With("run_id", runID.String(), "workflow", run.WorkflowID)
	ctx, span := e.tracer.Start(ctx, "run")
	defer span.End()

	claimed, err := e.store.SetRunStatus(ctx, runID, []store.RunStatus{store.RunQueued}, store.RunRunning, nil)
	if err != nil {
		return nil, err
	}
	if claimed {
		if err := e.bus.Emit(ctx, events.RunEvent(runID, events.TypeRunStarted, map[string]any{
			"workflowId": run.WorkflowID,
		})); err != nil {
			return nil, err
		}
	} else {
		// Resume of a run that was already running: close crashed
		// attempts and decide retry vs fail before scheduling resumes.
		if err := e.recoverCrashed(ctx, runID, logger); err != nil {
			return nil, err
		}
	}

	env := newEnvironment(e.doc, run.Inputs)
	if err := e.seedEnvironment(ctx, runID, env); err != nil {
		return nil, err
	}

	rs := &runState{
		engine:  e,
		prog:    prog,
		run:     run,
		env:     env,
		logger:  logger,
		depth:   depth,
		skipped: make(map[uuid.UUID]bool),
	}
	return rs.loop(ctx)
}

// seedEnvironment rebuilds the in-memory binding environment from the
// store, so resume evaluates expressions identically to an
// uninterrupted run.
func (e *Engine) seedEnvironment(ctx context.Context, runID uuid.UUID, env *environment) error {
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Status != store.StepSucceeded {
			continue
		}
		resp, err := e.latestResponse(ctx, step.ID)
		if err != nil {
			return err
		}
		env.commitStep(step.StepID, step.Outputs, resp)
	}
	return nil
}

// recoverCrashed closes attempts left running by a dead process: the
// attempt becomes failed{crash}, then the controller decides retry vs
// step failure.
func (e *Engine) recoverCrashed(ctx context.Context, runID uuid.UUID, logger *slog.Logger) error {
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Status != store.StepRunning {
			continue
		}

		crash := &store.ErrorInfo{Kind: string(errors.KindCrash), Message: "process died while the attempt was in flight"}
		attemptNo := 0
		attempt, err := e.store.LatestAttempt(ctx, step.ID)
		switch {
		case err == nil:
			attemptNo = attempt.AttemptNo
			if attempt.Status == store.AttemptRunning {
				if err := e.store.FinishAttempt(ctx, attempt.ID, store.AttemptFailed, nil, crash, 0); err != nil {
					return err
				}
			}
		case stderrors.Is(err, store.ErrNotFound):
			// Claimed but never attempted; reschedule without penalty.
		default:
			return err
		}

		if attemptNo < e.retry.MaxAttempts {
			logger.Info("recovering crashed step", "step_id", step.StepID, "attempt", attemptNo)
			if err := e.store.RescheduleStep(ctx, step.ID, time.Now(), 0); err != nil {
				return err
			}
			continue
		}

		logger.Warn("crashed step out of attempts", "step_id", step.StepID, "attempt", attemptNo)
		if err := e.store.FailStep(ctx, step.ID, crash, !e.cfg.ContinueOnFailure); err != nil {
			return err
		}
		if err := e.bus.Emit(ctx, events.StepEvent(runID, step.ID, events.TypeStepFailed, map[string]any{
			"stepId": step.StepID,
			"error":  crash,
		})); err != nil {
			return err
		}
	}
	return nil
}

// latestResponse reconstructs the expression view of a step's last
// successful exchange.
func (e *Engine) latestResponse(ctx context.Context, stepRowID uuid.UUID) (*expression.Response, error) {
	attempt, err := e.store.LatestAttempt(ctx, stepRowID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if attempt.Response == nil {
		return nil, nil
	}
	return decodeRecord(attempt.Response), nil
}

// Cancel requests cancellation of a run owned by any process: the
// status flips to canceled and the owning scheduler drains on its next
// heartbeat. Terminal runs are left untouched (terminal idempotence).
func Cancel(ctx context.Context, st store.Store, runID uuid.UUID) (bool, error) {
	return st.SetRunStatus(ctx, runID,
		[]store.RunStatus{store.RunQueued, store.RunRunning},
		store.RunCanceled,
		&store.ErrorInfo{Kind: string(errors.KindCanceled), Message: "canceled by request"})
}

func subWorkflowDepthExceeded() error {
	return &errors.PlanError{
		Message: fmt.Sprintf("sub-workflow nesting exceeds %d levels", maxSubWorkflowDepth),
	}
}
