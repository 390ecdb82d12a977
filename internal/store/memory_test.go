package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond creates a run with steps a -> {b, c} -> d.
func diamond(t *testing.T, m *Memory) (*Run, map[string]*RunStep) {
	t.Helper()
	run := &Run{ID: uuid.New(), DocumentID: "doc", WorkflowID: "wf", Status: RunQueued}

	mk := func(id string, index int, deps ...string) *RunStep {
		return &RunStep{
			ID: uuid.New(), RunID: run.ID, StepID: id, StepIndex: index,
			Status: StepPending, DependsOn: deps, DepsRemaining: len(deps),
		}
	}
	steps := []*RunStep{
		mk("a", 0),
		mk("b", 1, "a"),
		mk("c", 2, "a"),
		mk("d", 3, "b", "c"),
	}
	edges := []Edge{
		{RunID: run.ID, FromStepID: "a", ToStepID: "b"},
		{RunID: run.ID, FromStepID: "a", ToStepID: "c"},
		{RunID: run.ID, FromStepID: "b", ToStepID: "d"},
		{RunID: run.ID, FromStepID: "c", ToStepID: "d"},
	}
	require.NoError(t, m.CreateRun(context.Background(), run, steps, edges))

	byID := map[string]*RunStep{}
	for _, s := range steps {
		byID[s.StepID] = s
	}
	return run, byID
}

func TestClaimRespectsDependencies(t *testing.T) {
	m := NewMemory()
	run, steps := diamond(t, m)
	ctx := context.Background()

	claimed, err := m.ClaimReadySteps(ctx, run.ID, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "a", claimed[0].StepID)
	assert.Equal(t, StepRunning, claimed[0].Status)

	// Nothing else is claimable while a runs.
	claimed, err = m.ClaimReadySteps(ctx, run.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, m.CommitStepSuccess(ctx, steps["a"].ID, map[string]any{"id": "a"}))

	claimed, err = m.ClaimReadySteps(ctx, run.ID, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "b", claimed[0].StepID, "claim order follows step_index")
	assert.Equal(t, "c", claimed[1].StepID)
}

func TestClaimHonorsLimitAndBackoff(t *testing.T) {
	m := NewMemory()
	run, steps := diamond(t, m)
	ctx := context.Background()

	claimed, err := m.ClaimReadySteps(ctx, run.ID, 10)
	require.NoError(t, err)
	require.NoError(t, m.CommitStepSuccess(ctx, claimed[0].ID, nil))

	claimed, err = m.ClaimReadySteps(ctx, run.ID, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "limit bounds the claim")
	assert.Equal(t, "b", claimed[0].StepID)

	// A rescheduled step with a future next_run_at is not claimable.
	require.NoError(t, m.RescheduleStep(ctx, steps["c"].ID, time.Now().Add(time.Hour), 1))
	claimed, err = m.ClaimReadySteps(ctx, run.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// Once due, it is.
	require.NoError(t, m.RescheduleStep(ctx, steps["c"].ID, time.Now().Add(-time.Second), 0))
	claimed, err = m.ClaimReadySteps(ctx, run.ID, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "c", claimed[0].StepID)
	assert.Equal(t, 1, claimed[0].RetryCount)
}

// deps_remaining always equals the number of unfinished predecessors.
func TestDependencyCounterInvariant(t *testing.T) {
	m := NewMemory()
	run, steps := diamond(t, m)
	ctx := context.Background()

	check := func(stepID string, want int) {
		t.Helper()
		rows, err := m.ListSteps(ctx, run.ID)
		require.NoError(t, err)
		for _, row := range rows {
			if row.StepID == stepID {
				assert.Equal(t, want, row.DepsRemaining, stepID)
				return
			}
		}
		t.Fatalf("step %s not found", stepID)
	}

	check("d", 2)
	require.NoError(t, m.CommitStepSuccess(ctx, steps["a"].ID, nil))
	check("b", 0)
	check("c", 0)
	require.NoError(t, m.CommitStepSuccess(ctx, steps["b"].ID, nil))
	check("d", 1)
	require.NoError(t, m.CommitStepSuccess(ctx, steps["c"].ID, nil))
	check("d", 0)
}

func TestFailStepSkipsTransitively(t *testing.T) {
	m := NewMemory()
	run, steps := diamond(t, m)
	ctx := context.Background()

	_, err := m.ClaimReadySteps(ctx, run.ID, 10)
	require.NoError(t, err)
	require.NoError(t, m.FailStep(ctx, steps["a"].ID, &ErrorInfo{Kind: "http_status", Message: "500"}, true))

	rows, err := m.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	statuses := map[string]StepStatus{}
	for _, row := range rows {
		statuses[row.StepID] = row.Status
	}
	assert.Equal(t, StepFailed, statuses["a"])
	assert.Equal(t, StepSkipped, statuses["b"])
	assert.Equal(t, StepSkipped, statuses["c"])
	assert.Equal(t, StepSkipped, statuses["d"])
}

func TestResetStepReady(t *testing.T) {
	m := NewMemory()
	run, steps := diamond(t, m)
	ctx := context.Background()

	_, err := m.ClaimReadySteps(ctx, run.ID, 10)
	require.NoError(t, err)
	require.NoError(t, m.FailStep(ctx, steps["a"].ID, &ErrorInfo{Kind: "network"}, true))

	// goto b: b becomes ready regardless of prior status, and d's
	// counter is recomputed from live predecessor statuses.
	require.NoError(t, m.ResetStepReady(ctx, run.ID, "b"))

	rows, err := m.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	for _, row := range rows {
		switch row.StepID {
		case "b":
			assert.Equal(t, StepPending, row.Status)
			assert.Equal(t, 0, row.DepsRemaining)
		case "d":
			// b pending again; c skipped.
			assert.Equal(t, 1, row.DepsRemaining)
		}
	}
}

func TestAttemptNumbering(t *testing.T) {
	m := NewMemory()
	_, steps := diamond(t, m)
	ctx := context.Background()

	first, err := m.BeginAttempt(ctx, steps["a"].ID, &HTTPRecord{Method: "GET", URL: "https://x/1"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.AttemptNo)
	require.NoError(t, m.FinishAttempt(ctx, first.ID, AttemptFailed, nil, &ErrorInfo{Kind: "network"}, time.Second))

	second, err := m.BeginAttempt(ctx, steps["a"].ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, second.AttemptNo)

	latest, err := m.LatestAttempt(ctx, steps["a"].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.AttemptNo)
	assert.Equal(t, AttemptRunning, latest.Status)

	all, err := m.ListAttempts(ctx, steps["a"].ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, AttemptFailed, all[0].Status)
}

func TestEventOrdering(t *testing.T) {
	m := NewMemory()
	run, _ := diamond(t, m)
	ctx := context.Background()

	for _, typ := range []string{"run.started", "step.started", "step.succeeded", "run.finished"} {
		_, err := m.AppendEvent(ctx, &Event{RunID: run.ID, Type: typ})
		require.NoError(t, err)
	}

	events, err := m.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	var last int64
	for i, ev := range events {
		assert.Greater(t, ev.ID, last, "ids are monotonic")
		last = ev.ID
		_ = i
	}
	assert.Equal(t, "run.started", events[0].Type)
	assert.Equal(t, "run.finished", events[3].Type)

	tail, err := m.ListEvents(ctx, run.ID, events[1].ID, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "step.succeeded", tail[0].Type)
}

func TestTerminalIdempotence(t *testing.T) {
	m := NewMemory()
	run, _ := diamond(t, m)
	ctx := context.Background()

	flipped, err := m.SetRunStatus(ctx, run.ID, []RunStatus{RunQueued}, RunRunning, nil)
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = m.SetRunStatus(ctx, run.ID, []RunStatus{RunRunning}, RunFailed, &ErrorInfo{Kind: "http_status"})
	require.NoError(t, err)
	assert.True(t, flipped)

	// A second termination request is a no-op.
	flipped, err = m.SetRunStatus(ctx, run.ID, []RunStatus{RunQueued, RunRunning}, RunCanceled, nil)
	require.NoError(t, err)
	assert.False(t, flipped)

	got, err := m.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, got.Status)
}

func TestIdempotencyKeyUnique(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	mk := func() *Run {
		return &Run{ID: uuid.New(), DocumentID: "doc", WorkflowID: "wf",
			Status: RunQueued, Creator: "ada", IdempotencyKey: "once"}
	}
	require.NoError(t, m.CreateRun(ctx, mk(), nil, nil))
	err := m.CreateRun(ctx, mk(), nil, nil)
	require.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

	found, err := m.FindRunByIdempotency(ctx, "ada", "once")
	require.NoError(t, err)
	assert.Equal(t, "once", found.IdempotencyKey)
}
