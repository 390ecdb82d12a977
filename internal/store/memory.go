package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store. It is used by tests and by store-less
// execution (`execute` without --store); semantics match the postgres
// implementation, including transactional multi-row transitions, which
// here are covered by one mutex.
type Memory struct {
	mu sync.Mutex

	docs     map[string]*Document
	sources  map[string][]SourceSnapshot
	runs     map[uuid.UUID]*Run
	steps    map[uuid.UUID]*RunStep // by row id
	byRun    map[uuid.UUID][]uuid.UUID
	edges    map[uuid.UUID][]Edge
	attempts map[uuid.UUID][]*Attempt
	events   []*Event
	nextID   int64

	// now allows tests to control the claim clock.
	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]*Document),
		sources:  make(map[string][]SourceSnapshot),
		runs:     make(map[uuid.UUID]*Run),
		steps:    make(map[uuid.UUID]*RunStep),
		byRun:    make(map[uuid.UUID][]uuid.UUID),
		edges:    make(map[uuid.UUID][]Edge),
		attempts: make(map[uuid.UUID][]*Attempt),
		now:      time.Now,
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) PutDocument(_ context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; exists {
		return nil
	}
	copied := *doc
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = m.now()
	}
	m.docs[doc.ID] = &copied
	return nil
}

func (m *Memory) GetDocument(_ context.Context, id string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (m *Memory) PutSources(_ context.Context, snapshots []SourceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, snap := range snapshots {
		existing := m.sources[snap.DocumentID]
		replaced := false
		for i := range existing {
			if existing[i].Name == snap.Name {
				existing[i] = snap
				replaced = true
			}
		}
		if !replaced {
			existing = append(existing, snap)
		}
		m.sources[snap.DocumentID] = existing
	}
	return nil
}

func (m *Memory) ListSources(_ context.Context, documentID string) ([]SourceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SourceSnapshot, len(m.sources[documentID]))
	copy(out, m.sources[documentID])
	return out, nil
}

func (m *Memory) CreateRun(_ context.Context, run *Run, steps []*RunStep, edges []Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.IdempotencyKey != "" && run.Creator != "" {
		for _, existing := range m.runs {
			if existing.Creator == run.Creator && existing.IdempotencyKey == run.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}

	copied := *run
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = m.now()
	}
	m.runs[run.ID] = &copied

	for _, step := range steps {
		sc := *step
		if sc.CreatedAt.IsZero() {
			sc.CreatedAt = copied.CreatedAt
		}
		m.steps[step.ID] = &sc
		m.byRun[run.ID] = append(m.byRun[run.ID], step.ID)
	}
	m.edges[run.ID] = append([]Edge{}, edges...)
	return nil
}

func (m *Memory) GetRun(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (m *Memory) FindRunByIdempotency(_ context.Context, creator, key string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.Creator == creator && run.IdempotencyKey == key {
			copied := *run
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		copied := *run
		runs = append(runs, &copied)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *Memory) SetRunStatus(_ context.Context, id uuid.UUID, from []RunStatus, to RunStatus, errInfo *ErrorInfo) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return false, ErrNotFound
	}
	matched := len(from) == 0
	for _, status := range from {
		if run.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	run.Status = to
	if errInfo != nil {
		run.Error = errInfo
	}
	now := m.now()
	if to == RunRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if to.Terminal() {
		run.FinishedAt = &now
	}
	return true, nil
}

func (m *Memory) SetRunOutputs(_ context.Context, id uuid.UUID, outputs map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Outputs = outputs
	return nil
}

func (m *Memory) ListSteps(_ context.Context, runID uuid.UUID) ([]*RunStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepsOfLocked(runID), nil
}

// stepsOfLocked returns copies of a run's steps in step_index order.
func (m *Memory) stepsOfLocked(runID uuid.UUID) []*RunStep {
	out := make([]*RunStep, 0, len(m.byRun[runID]))
	for _, rowID := range m.byRun[runID] {
		copied := *m.steps[rowID]
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out
}

func (m *Memory) ClaimReadySteps(_ context.Context, runID uuid.UUID, limit int) ([]*RunStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var claimed []*RunStep
	for _, step := range m.stepsOfLocked(runID) {
		if len(claimed) >= limit {
			break
		}
		if step.Status != StepPending || step.DepsRemaining != 0 {
			continue
		}
		if step.NextRunAt != nil && step.NextRunAt.After(now) {
			continue
		}
		row := m.steps[step.ID]
		row.Status = StepRunning
		started := now
		row.StartedAt = &started
		copied := *row
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

func (m *Memory) CommitStepSuccess(_ context.Context, stepRowID uuid.UUID, outputs map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepRowID]
	if !ok {
		return ErrNotFound
	}
	step.Status = StepSucceeded
	step.Outputs = outputs
	now := m.now()
	step.FinishedAt = &now

	m.decrementSuccessorsLocked(step.RunID, step.StepID)
	return nil
}

// decrementSuccessorsLocked maintains the invariant
// deps_remaining = |unfinished predecessors| after a step finishes.
func (m *Memory) decrementSuccessorsLocked(runID uuid.UUID, stepID string) {
	for _, edge := range m.edges[runID] {
		if edge.FromStepID != stepID {
			continue
		}
		for _, rowID := range m.byRun[runID] {
			row := m.steps[rowID]
			if row.StepID == edge.ToStepID && row.Status == StepPending && row.DepsRemaining > 0 {
				row.DepsRemaining--
			}
		}
	}
}

func (m *Memory) FailStep(_ context.Context, stepRowID uuid.UUID, errInfo *ErrorInfo, skipSuccessors bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepRowID]
	if !ok {
		return ErrNotFound
	}
	step.Status = StepFailed
	step.Error = errInfo
	now := m.now()
	step.FinishedAt = &now

	if !skipSuccessors {
		m.decrementSuccessorsLocked(step.RunID, step.StepID)
		return nil
	}

	// Transitive closure over edges; every reachable pending step is
	// skipped in the same critical section.
	frontier := []string{step.StepID}
	seen := map[string]bool{}
	for len(frontier) > 0 {
		from := frontier[0]
		frontier = frontier[1:]
		for _, edge := range m.edges[step.RunID] {
			if edge.FromStepID != from || seen[edge.ToStepID] {
				continue
			}
			seen[edge.ToStepID] = true
			frontier = append(frontier, edge.ToStepID)
		}
	}
	for _, rowID := range m.byRun[step.RunID] {
		row := m.steps[rowID]
		if seen[row.StepID] && row.Status == StepPending {
			row.Status = StepSkipped
			finished := now
			row.FinishedAt = &finished
			m.decrementSuccessorsLocked(step.RunID, row.StepID)
		}
	}
	return nil
}

func (m *Memory) RescheduleStep(_ context.Context, stepRowID uuid.UUID, nextRunAt time.Time, retryDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[stepRowID]
	if !ok {
		return ErrNotFound
	}
	step.Status = StepPending
	step.NextRunAt = &nextRunAt
	step.RetryCount += retryDelta
	step.StartedAt = nil
	return nil
}

func (m *Memory) ResetStepReady(_ context.Context, runID uuid.UUID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var target *RunStep
	for _, rowID := range m.byRun[runID] {
		if m.steps[rowID].StepID == stepID {
			target = m.steps[rowID]
			break
		}
	}
	if target == nil {
		return ErrNotFound
	}

	target.Status = StepPending
	target.DepsRemaining = 0
	target.NextRunAt = nil
	target.Error = nil
	target.FinishedAt = nil
	target.StartedAt = nil

	// Successors of a goto'd step recompute deps_remaining from live
	// predecessor statuses.
	for _, edge := range m.edges[runID] {
		if edge.FromStepID != stepID {
			continue
		}
		for _, rowID := range m.byRun[runID] {
			row := m.steps[rowID]
			if row.StepID != edge.ToStepID {
				continue
			}
			row.DepsRemaining = m.unfinishedPredsLocked(runID, row.StepID)
		}
	}
	return nil
}

func (m *Memory) unfinishedPredsLocked(runID uuid.UUID, stepID string) int {
	count := 0
	for _, edge := range m.edges[runID] {
		if edge.ToStepID != stepID {
			continue
		}
		for _, rowID := range m.byRun[runID] {
			row := m.steps[rowID]
			if row.StepID == edge.FromStepID && row.Status != StepSucceeded && row.Status != StepSkipped {
				count++
			}
		}
	}
	return count
}

func (m *Memory) BeginAttempt(_ context.Context, stepRowID uuid.UUID, req *HTTPRecord) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[stepRowID]; !ok {
		return nil, ErrNotFound
	}
	attempt := &Attempt{
		ID:        uuid.New(),
		RunStepID: stepRowID,
		AttemptNo: len(m.attempts[stepRowID]) + 1,
		Status:    AttemptRunning,
		Request:   req,
		StartedAt: m.now(),
	}
	m.attempts[stepRowID] = append(m.attempts[stepRowID], attempt)
	copied := *attempt
	return &copied, nil
}

func (m *Memory) FinishAttempt(_ context.Context, attemptID uuid.UUID, status AttemptStatus, resp *HTTPRecord, errInfo *ErrorInfo, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, attempts := range m.attempts {
		for _, attempt := range attempts {
			if attempt.ID == attemptID {
				if attempt.Status != AttemptRunning {
					return nil
				}
				attempt.Status = status
				attempt.Response = resp
				attempt.Error = errInfo
				attempt.Duration = duration
				now := m.now()
				attempt.FinishedAt = &now
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *Memory) LatestAttempt(_ context.Context, stepRowID uuid.UUID) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempts := m.attempts[stepRowID]
	if len(attempts) == 0 {
		return nil, ErrNotFound
	}
	copied := *attempts[len(attempts)-1]
	return &copied, nil
}

func (m *Memory) ListAttempts(_ context.Context, stepRowID uuid.UUID) ([]*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Attempt, 0, len(m.attempts[stepRowID]))
	for _, attempt := range m.attempts[stepRowID] {
		copied := *attempt
		out = append(out, &copied)
	}
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, ev *Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	copied := *ev
	copied.ID = m.nextID
	if copied.TS.IsZero() {
		copied.TS = m.now()
	}
	m.events = append(m.events, &copied)
	return copied.ID, nil
}

func (m *Memory) ListEvents(_ context.Context, runID uuid.UUID, afterID int64, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, ev := range m.events {
		if ev.RunID != runID || ev.ID <= afterID {
			continue
		}
		copied := *ev
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Close() {}
