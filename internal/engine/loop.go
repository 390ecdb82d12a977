package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/arazzo/internal/events"
	"github.com/tombee/arazzo/internal/store"
	"github.com/tombee/arazzo/pkg/arazzo/expression"
	"github.com/tombee/arazzo/pkg/errors"
)

// runState is the orchestrator's per-run working set. It is owned by the
// single loop goroutine; worker tasks communicate only through the
// finish channel and the store.
type runState struct {
	engine  *Engine
	prog    *program
	run     *store.Run
	env     *environment
	logger  *slog.Logger
	depth   int
	skipped map[uuid.UUID]bool
}

type outcomeKind int

const (
	// outcomeFinished means the step reached a terminal status.
	outcomeFinished outcomeKind = iota
	// outcomeRescheduled means the step went back to pending with a
	// next_run_at gate.
	outcomeRescheduled
)

// outcome is what a worker task reports back to the loop.
type outcome struct {
	row  *store.RunStep
	kind outcomeKind

	// failed is set when the step terminally failed; recovered marks
	// failures absorbed by a goto action (the run continues).
	failed    bool
	recovered bool
	err       *store.ErrorInfo

	// gotoStep names a step to force-ready.
	gotoStep string

	// endRun terminates the run with the given status when non-empty.
	endRun store.RunStatus

	// fatal aborts the orchestrator (store failure on a state
	// transition).
	fatal error
}

// loop is the scheduler main loop: claim ready steps up to the
// concurrency bound, dispatch workers, and react to completions,
// heartbeats, and cancellation.
func (rs *runState) loop(ctx context.Context) (*store.Run, error) {
	e := rs.engine
	runID := rs.run.ID

	// Store and event writes survive cancellation: a canceled run still
	// records its terminal transitions.
	opCtx := context.WithoutCancel(ctx)

	stepCtx, cancelSteps := context.WithCancel(ctx)
	defer cancelSteps()

	finishCh := make(chan *outcome)
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	active := 0
	canceling := false
	var endRun store.RunStatus
	var runErr *store.ErrorInfo

	// doneCh is nilled once cancellation is underway so the closed
	// channel cannot spin the select while workers drain.
	doneCh := ctx.Done()

	for {
		if !canceling && endRun == "" && active < e.cfg.MaxConcurrency {
			claimedRows, err := e.store.ClaimReadySteps(opCtx, runID, e.cfg.MaxConcurrency-active)
			if err != nil {
				return nil, err
			}
			for _, row := range claimedRows {
				compiled := rs.prog.steps[row.StepID]
				active++
				e.metrics.StepsDispatched.Inc()
				if err := e.bus.Emit(opCtx, events.StepEvent(runID, row.ID, events.TypeStepStarted, map[string]any{
					"stepId":  row.StepID,
					"attempt": row.RetryCount + 1,
				})); err != nil {
					return nil, err
				}
				go func(row *store.RunStep) {
					finishCh <- e.runStep(stepCtx, opCtx, rs, row, compiled)
				}(row)
			}
		}

		if active == 0 {
			done, err := rs.quiescent(opCtx, canceling || endRun != "")
			if err != nil {
				return nil, err
			}
			if done {
				return rs.finalize(opCtx, canceling, endRun, runErr)
			}
		}

		select {
		case out := <-finishCh:
			active--
			if out.fatal != nil {
				cancelSteps()
				return nil, out.fatal
			}
			if err := rs.handleOutcome(opCtx, out, &canceling, &endRun, &runErr, cancelSteps); err != nil {
				cancelSteps()
				return nil, err
			}

		case <-ticker.C:
			if canceling {
				continue
			}
			current, err := e.store.GetRun(opCtx, runID)
			if err != nil {
				return nil, err
			}
			if current.Status == store.RunCanceled {
				rs.logger.Info("cancellation requested, draining in-flight steps")
				canceling = true
				cancelSteps()
			}

		case <-doneCh:
			doneCh = nil
			if !canceling {
				rs.logger.Info("context canceled, canceling run")
				if _, err := Cancel(opCtx, e.store, runID); err != nil {
					return nil, err
				}
				canceling = true
				cancelSteps()
			}
		}
	}
}

// quiescent decides whether the run is done: nothing active, nothing
// dispatchable now or later. When stopping, pending steps are left
// behind and only in-flight drain matters.
func (rs *runState) quiescent(ctx context.Context, stopping bool) (bool, error) {
	steps, err := rs.engine.store.ListSteps(ctx, rs.run.ID)
	if err != nil {
		return false, err
	}

	now := time.Now()
	anyRunning := false
	pendingDue := false
	pendingLater := false
	for _, step := range steps {
		switch step.Status {
		case store.StepRunning:
			anyRunning = true
		case store.StepPending:
			if step.DepsRemaining > 0 {
				continue
			}
			if step.NextRunAt == nil || !step.NextRunAt.After(now) {
				pendingDue = true
			} else {
				pendingLater = true
			}
		}
	}

	if stopping {
		return !anyRunning, nil
	}
	if anyRunning || pendingDue || pendingLater {
		return false, nil
	}
	// Pending steps whose dependencies can no longer finish (nothing
	// runs, nothing is due) cannot make progress; the run is done.
	return true, nil
}

func (rs *runState) handleOutcome(ctx context.Context, out *outcome, canceling *bool, endRun *store.RunStatus, runErr **store.ErrorInfo, cancelSteps context.CancelFunc) error {
	e := rs.engine

	if out.kind == outcomeRescheduled {
		e.metrics.Retries.Inc()
		return nil
	}

	if out.failed && !out.recovered {
		if *runErr == nil {
			*runErr = out.err
		}
		if !e.cfg.ContinueOnFailure {
			if err := rs.announceSkipped(ctx); err != nil {
				return err
			}
		}
	}

	if out.gotoStep != "" {
		if err := e.store.ResetStepReady(ctx, rs.run.ID, out.gotoStep); err != nil {
			return err
		}
	}

	if out.endRun != "" && *endRun == "" {
		rs.logger.Info("end action fired", "status", string(out.endRun), "step_id", out.row.StepID)
		*endRun = out.endRun
		cancelSteps()
	}
	return nil
}

// announceSkipped emits step.skipped for steps the last failure cascade
// skipped, exactly once each.
func (rs *runState) announceSkipped(ctx context.Context) error {
	steps, err := rs.engine.store.ListSteps(ctx, rs.run.ID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Status != store.StepSkipped || rs.skipped[step.ID] {
			continue
		}
		rs.skipped[step.ID] = true
		if err := rs.engine.bus.Emit(ctx, events.StepEvent(rs.run.ID, step.ID, events.TypeStepSkipped, map[string]any{
			"stepId": step.StepID,
		})); err != nil {
			return err
		}
	}
	return nil
}

// finalize writes the terminal run status at most once and emits
// run.finished.
func (rs *runState) finalize(ctx context.Context, canceling bool, endRun store.RunStatus, runErr *store.ErrorInfo) (*store.Run, error) {
	e := rs.engine
	runID := rs.run.ID

	status := store.RunSucceeded
	var errInfo *store.ErrorInfo

	switch {
	case canceling:
		status = store.RunCanceled
		errInfo = &store.ErrorInfo{Kind: string(errors.KindCanceled), Message: "canceled by request"}
	case endRun != "":
		status = endRun
		if endRun == store.RunFailed {
			errInfo = runErr
		}
	case runErr != nil:
		status = store.RunFailed
		errInfo = runErr
	}

	if status == store.RunSucceeded {
		outputs, err := rs.workflowOutputs()
		if err != nil {
			status = store.RunFailed
			errInfo = &store.ErrorInfo{Kind: string(errors.KindOf(err)), Message: err.Error()}
		} else if len(outputs) > 0 {
			if err := e.store.SetRunOutputs(ctx, runID, outputs); err != nil {
				return nil, err
			}
		}
	}

	// The CAS from running makes the terminal transition idempotent: a
	// run canceled externally keeps canceled.
	if _, err := e.store.SetRunStatus(ctx, runID, []store.RunStatus{store.RunRunning}, status, errInfo); err != nil {
		return nil, err
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"status": string(run.Status)}
	if run.Outputs != nil {
		payload["outputs"] = run.Outputs
	}
	if run.Error != nil {
		payload["error"] = map[string]any{"kind": run.Error.Kind, "message": run.Error.Message}
	}
	if err := e.bus.Emit(ctx, events.RunEvent(runID, events.TypeRunFinished, payload)); err != nil {
		return nil, err
	}

	e.metrics.RunsFinished.WithLabelValues(string(run.Status)).Inc()
	if run.StartedAt != nil && run.FinishedAt != nil {
		e.metrics.RunDuration.Observe(run.FinishedAt.Sub(*run.StartedAt).Seconds())
	}
	rs.logger.Info("run finished", "status", string(run.Status))
	return run, nil
}

// workflowOutputs evaluates the workflow's output expressions against
// the final environment.
func (rs *runState) workflowOutputs() (map[string]any, error) {
	if len(rs.prog.wf.Outputs) == 0 {
		return nil, nil
	}
	env := rs.env.snapshot(nil)
	out := make(map[string]any, len(rs.prog.wf.Outputs))
	for name, exprStr := range rs.prog.wf.Outputs {
		v, err := expression.ResolveString(exprStr, env)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}
