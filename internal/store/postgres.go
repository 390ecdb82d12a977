package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tombee/arazzo/pkg/errors"
)

// Postgres is the production Store over a pgx connection pool. The pool
// is injected; the caller owns its lifetime unless Open created it.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Open connects to the database at url and verifies connectivity.
func Open(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, &errors.StoreError{Op: "open", Cause: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &errors.StoreError{Op: "ping", Cause: err}
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func storeErr(op string, err error) error {
	return &errors.StoreError{Op: op, Cause: err}
}

// toJSON marshals nullable jsonb values; nil maps become SQL NULL.
func toJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case *ErrorInfo:
		if t == nil {
			return nil, nil
		}
	case *HTTPRecord:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func fromJSON[T any](data []byte) (*T, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Postgres) PutDocument(ctx context.Context, doc *Document) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO workflow_docs (id, title, content) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		doc.ID, doc.Title, doc.Content)
	if err != nil {
		return storeErr("put_document", err)
	}
	return nil
}

func (p *Postgres) GetDocument(ctx context.Context, id string) (*Document, error) {
	doc := &Document{ID: id}
	err := p.pool.QueryRow(ctx,
		`SELECT title, content, created_at FROM workflow_docs WHERE id = $1`, id).
		Scan(&doc.Title, &doc.Content, &doc.CreatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get_document", err)
	}
	return doc, nil
}

func (p *Postgres) PutSources(ctx context.Context, snapshots []SourceSnapshot) error {
	for _, snap := range snapshots {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO openapi_sources (doc_id, name, url, version, content)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (doc_id, name) DO UPDATE
			 SET url = excluded.url, version = excluded.version, content = excluded.content`,
			snap.DocumentID, snap.Name, snap.URL, snap.Version, snap.Content)
		if err != nil {
			return storeErr("put_sources", err)
		}
	}
	return nil
}

func (p *Postgres) ListSources(ctx context.Context, documentID string) ([]SourceSnapshot, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT name, url, version, content FROM openapi_sources WHERE doc_id = $1 ORDER BY name`,
		documentID)
	if err != nil {
		return nil, storeErr("list_sources", err)
	}
	defer rows.Close()

	var out []SourceSnapshot
	for rows.Next() {
		snap := SourceSnapshot{DocumentID: documentID}
		if err := rows.Scan(&snap.Name, &snap.URL, &snap.Version, &snap.Content); err != nil {
			return nil, storeErr("list_sources", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateRun(ctx context.Context, run *Run, steps []*RunStep, edges []Edge) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return storeErr("create_run", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	inputs, err := toJSON(run.Inputs)
	if err != nil {
		return storeErr("create_run", err)
	}
	overrides, err := toJSON(run.Overrides)
	if err != nil {
		return storeErr("create_run", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_runs (id, doc_id, workflow_id, status, creator, idempotency_key, inputs, overrides)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, coalesce($7::jsonb, '{}'), coalesce($8::jsonb, '{}'))`,
		run.ID.String(), run.DocumentID, run.WorkflowID, string(run.Status),
		run.Creator, run.IdempotencyKey, inputs, overrides)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return storeErr("create_run", err)
	}

	for _, step := range steps {
		dependsOn, err := json.Marshal(step.DependsOn)
		if err != nil {
			return storeErr("create_run", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO run_steps (id, run_id, step_id, step_index, status, depends_on, deps_remaining)
			 VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7)`,
			step.ID.String(), run.ID.String(), step.StepID, step.StepIndex,
			string(step.Status), dependsOn, step.DepsRemaining)
		if err != nil {
			return storeErr("create_run", err)
		}
	}

	for _, edge := range edges {
		_, err = tx.Exec(ctx,
			`INSERT INTO run_step_edges (run_id, from_step_id, to_step_id) VALUES ($1::uuid, $2, $3)`,
			edge.RunID.String(), edge.FromStepID, edge.ToStepID)
		if err != nil {
			return storeErr("create_run", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("create_run", err)
	}
	return nil
}

const runColumns = `id::text, doc_id, workflow_id, status, creator, idempotency_key,
	inputs, overrides, outputs, error, created_at, started_at, finished_at`

func scanRun(row pgx.Row) (*Run, error) {
	var (
		run                                 Run
		id                                  string
		status                              string
		inputs, overrides, outputs, errInfo []byte
	)
	err := row.Scan(&id, &run.DocumentID, &run.WorkflowID, &status, &run.Creator,
		&run.IdempotencyKey, &inputs, &overrides, &outputs, &errInfo,
		&run.CreatedAt, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	run.ID = uuid.MustParse(id)
	run.Status = RunStatus(status)
	if v, err := fromJSON[map[string]any](inputs); err == nil && v != nil {
		run.Inputs = *v
	}
	if v, err := fromJSON[map[string]any](overrides); err == nil && v != nil {
		run.Overrides = *v
	}
	if v, err := fromJSON[map[string]any](outputs); err == nil && v != nil {
		run.Outputs = *v
	}
	if v, err := fromJSON[ErrorInfo](errInfo); err == nil {
		run.Error = v
	}
	return &run, nil
}

func (p *Postgres) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	run, err := scanRun(p.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1::uuid`, id.String()))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get_run", err)
	}
	return run, nil
}

func (p *Postgres) FindRunByIdempotency(ctx context.Context, creator, key string) (*Run, error) {
	run, err := scanRun(p.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE creator = $1 AND idempotency_key = $2`,
		creator, key))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("find_run", err)
	}
	return run, nil
}

func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+runColumns+` FROM workflow_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, storeErr("list_runs", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("list_runs", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (p *Postgres) SetRunStatus(ctx context.Context, id uuid.UUID, from []RunStatus, to RunStatus, errInfo *ErrorInfo) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	errJSON, err := toJSON(errInfo)
	if err != nil {
		return false, storeErr("set_run_status", err)
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET status = $2,
		     error = coalesce($3::jsonb, error),
		     started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
		     finished_at = CASE WHEN $2 IN ('succeeded', 'failed', 'canceled') THEN now() ELSE finished_at END
		 WHERE id = $1::uuid AND (cardinality($4::text[]) = 0 OR status = ANY ($4::text[]))`,
		id.String(), string(to), errJSON, fromStrs)
	if err != nil {
		return false, storeErr("set_run_status", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) SetRunOutputs(ctx context.Context, id uuid.UUID, outputs map[string]any) error {
	data, err := toJSON(outputs)
	if err != nil {
		return storeErr("set_run_outputs", err)
	}
	_, err = p.pool.Exec(ctx,
		`UPDATE workflow_runs SET outputs = $2::jsonb WHERE id = $1::uuid`, id.String(), data)
	if err != nil {
		return storeErr("set_run_outputs", err)
	}
	return nil
}

const stepColumns = `id::text, run_id::text, step_id, step_index, status, depends_on,
	deps_remaining, next_run_at, retry_count, outputs, error, created_at, started_at, finished_at`

func scanStep(row pgx.Row) (*RunStep, error) {
	var (
		step                       RunStep
		id, runID, status          string
		dependsOn, outputs, errRaw []byte
	)
	err := row.Scan(&id, &runID, &step.StepID, &step.StepIndex, &status, &dependsOn,
		&step.DepsRemaining, &step.NextRunAt, &step.RetryCount, &outputs, &errRaw,
		&step.CreatedAt, &step.StartedAt, &step.FinishedAt)
	if err != nil {
		return nil, err
	}
	step.ID = uuid.MustParse(id)
	step.RunID = uuid.MustParse(runID)
	step.Status = StepStatus(status)
	if len(dependsOn) > 0 {
		_ = json.Unmarshal(dependsOn, &step.DependsOn)
	}
	if v, err := fromJSON[map[string]any](outputs); err == nil && v != nil {
		step.Outputs = *v
	}
	if v, err := fromJSON[ErrorInfo](errRaw); err == nil {
		step.Error = v
	}
	return &step, nil
}

func (p *Postgres) ListSteps(ctx context.Context, runID uuid.UUID) ([]*RunStep, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = $1::uuid ORDER BY step_index`,
		runID.String())
	if err != nil {
		return nil, storeErr("list_steps", err)
	}
	defer rows.Close()

	var out []*RunStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, storeErr("list_steps", err)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// ClaimReadySteps selects dispatchable rows FOR UPDATE SKIP LOCKED and
// flips them to running in one statement, so concurrent claimers (the
// normal loop racing a resume) never double-claim.
func (p *Postgres) ClaimReadySteps(ctx context.Context, runID uuid.UUID, limit int) ([]*RunStep, error) {
	rows, err := p.pool.Query(ctx,
		`WITH ready AS (
		     SELECT id FROM run_steps
		     WHERE run_id = $1::uuid
		       AND status = 'pending'
		       AND deps_remaining = 0
		       AND (next_run_at IS NULL OR next_run_at <= now())
		     ORDER BY step_index
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE run_steps s
		 SET status = 'running', started_at = now()
		 FROM ready
		 WHERE s.id = ready.id
		 RETURNING s.id::text, s.run_id::text, s.step_id, s.step_index, s.status, s.depends_on,
		           s.deps_remaining, s.next_run_at, s.retry_count, s.outputs, s.error,
		           s.created_at, s.started_at, s.finished_at`,
		runID.String(), limit)
	if err != nil {
		return nil, storeErr("claim_ready_steps", err)
	}
	defer rows.Close()

	var out []*RunStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, storeErr("claim_ready_steps", err)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (p *Postgres) CommitStepSuccess(ctx context.Context, stepRowID uuid.UUID, outputs map[string]any) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return storeErr("commit_step_success", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	data, err := toJSON(outputs)
	if err != nil {
		return storeErr("commit_step_success", err)
	}

	var runID, stepID string
	err = tx.QueryRow(ctx,
		`UPDATE run_steps
		 SET status = 'succeeded', outputs = coalesce($2::jsonb, '{}'), finished_at = now()
		 WHERE id = $1::uuid
		 RETURNING run_id::text, step_id`,
		stepRowID.String(), data).Scan(&runID, &stepID)
	if err != nil {
		return storeErr("commit_step_success", err)
	}

	// The status write and the successor decrement share the
	// transaction: deps_remaining always equals the number of
	// unfinished predecessors at commit boundaries.
	_, err = tx.Exec(ctx,
		`UPDATE run_steps s
		 SET deps_remaining = s.deps_remaining - 1
		 FROM run_step_edges e
		 WHERE e.run_id = $1::uuid AND e.from_step_id = $2
		   AND s.run_id = e.run_id AND s.step_id = e.to_step_id
		   AND s.status = 'pending' AND s.deps_remaining > 0`,
		runID, stepID)
	if err != nil {
		return storeErr("commit_step_success", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit_step_success", err)
	}
	return nil
}

func (p *Postgres) FailStep(ctx context.Context, stepRowID uuid.UUID, errInfo *ErrorInfo, skipSuccessors bool) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return storeErr("fail_step", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	errJSON, err := toJSON(errInfo)
	if err != nil {
		return storeErr("fail_step", err)
	}

	var runID, stepID string
	err = tx.QueryRow(ctx,
		`UPDATE run_steps
		 SET status = 'failed', error = $2::jsonb, finished_at = now()
		 WHERE id = $1::uuid
		 RETURNING run_id::text, step_id`,
		stepRowID.String(), errJSON).Scan(&runID, &stepID)
	if err != nil {
		return storeErr("fail_step", err)
	}

	if skipSuccessors {
		_, err = tx.Exec(ctx,
			`WITH RECURSIVE succ AS (
			     SELECT e.to_step_id FROM run_step_edges e
			     WHERE e.run_id = $1::uuid AND e.from_step_id = $2
			     UNION
			     SELECT e.to_step_id FROM run_step_edges e
			     JOIN succ ON e.from_step_id = succ.to_step_id
			     WHERE e.run_id = $1::uuid
			 )
			 UPDATE run_steps s
			 SET status = 'skipped', finished_at = now()
			 WHERE s.run_id = $1::uuid AND s.status = 'pending'
			   AND s.step_id IN (SELECT to_step_id FROM succ)`,
			runID, stepID)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE run_steps s
			 SET deps_remaining = s.deps_remaining - 1
			 FROM run_step_edges e
			 WHERE e.run_id = $1::uuid AND e.from_step_id = $2
			   AND s.run_id = e.run_id AND s.step_id = e.to_step_id
			   AND s.status = 'pending' AND s.deps_remaining > 0`,
			runID, stepID)
	}
	if err != nil {
		return storeErr("fail_step", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("fail_step", err)
	}
	return nil
}

func (p *Postgres) RescheduleStep(ctx context.Context, stepRowID uuid.UUID, nextRunAt time.Time, retryDelta int) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE run_steps
		 SET status = 'pending', next_run_at = $2, retry_count = retry_count + $3, started_at = NULL
		 WHERE id = $1::uuid`,
		stepRowID.String(), nextRunAt, retryDelta)
	if err != nil {
		return storeErr("reschedule_step", err)
	}
	return nil
}

func (p *Postgres) ResetStepReady(ctx context.Context, runID uuid.UUID, stepID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return storeErr("reset_step_ready", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE run_steps
		 SET status = 'pending', deps_remaining = 0, next_run_at = NULL,
		     error = NULL, started_at = NULL, finished_at = NULL
		 WHERE run_id = $1::uuid AND step_id = $2`,
		runID.String(), stepID)
	if err != nil {
		return storeErr("reset_step_ready", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	// Successors recompute deps_remaining from live predecessor
	// statuses to preserve the dependency-counter invariant.
	_, err = tx.Exec(ctx,
		`UPDATE run_steps s
		 SET deps_remaining = (
		     SELECT count(*) FROM run_step_edges e
		     JOIN run_steps pred ON pred.run_id = e.run_id AND pred.step_id = e.from_step_id
		     WHERE e.run_id = s.run_id AND e.to_step_id = s.step_id
		       AND pred.status NOT IN ('succeeded', 'skipped')
		 )
		 WHERE s.run_id = $1::uuid
		   AND s.step_id IN (SELECT to_step_id FROM run_step_edges WHERE run_id = $1::uuid AND from_step_id = $2)`,
		runID.String(), stepID)
	if err != nil {
		return storeErr("reset_step_ready", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("reset_step_ready", err)
	}
	return nil
}

func (p *Postgres) BeginAttempt(ctx context.Context, stepRowID uuid.UUID, req *HTTPRecord) (*Attempt, error) {
	reqJSON, err := toJSON(req)
	if err != nil {
		return nil, storeErr("begin_attempt", err)
	}

	attempt := &Attempt{
		ID:        uuid.New(),
		RunStepID: stepRowID,
		Status:    AttemptRunning,
		Request:   req,
	}
	err = p.pool.QueryRow(ctx,
		`INSERT INTO step_attempts (id, run_step_id, attempt_no, status, request)
		 VALUES ($1::uuid, $2::uuid,
		         (SELECT coalesce(max(attempt_no), 0) + 1 FROM step_attempts WHERE run_step_id = $2::uuid),
		         'running', $3::jsonb)
		 RETURNING attempt_no, started_at`,
		attempt.ID.String(), stepRowID.String(), reqJSON).
		Scan(&attempt.AttemptNo, &attempt.StartedAt)
	if err != nil {
		return nil, storeErr("begin_attempt", err)
	}
	return attempt, nil
}

func (p *Postgres) FinishAttempt(ctx context.Context, attemptID uuid.UUID, status AttemptStatus, resp *HTTPRecord, errInfo *ErrorInfo, duration time.Duration) error {
	respJSON, err := toJSON(resp)
	if err != nil {
		return storeErr("finish_attempt", err)
	}
	errJSON, err := toJSON(errInfo)
	if err != nil {
		return storeErr("finish_attempt", err)
	}
	_, err = p.pool.Exec(ctx,
		`UPDATE step_attempts
		 SET status = $2, response = $3::jsonb, error = $4::jsonb, duration_ms = $5, finished_at = now()
		 WHERE id = $1::uuid AND status = 'running'`,
		attemptID.String(), string(status), respJSON, errJSON, duration.Milliseconds())
	if err != nil {
		return storeErr("finish_attempt", err)
	}
	return nil
}

const attemptColumns = `id::text, run_step_id::text, attempt_no, status, request, response, error,
	duration_ms, started_at, finished_at`

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var (
		attempt                 Attempt
		id, stepRowID, status   string
		reqRaw, respRaw, errRaw []byte
		durationMS              int64
	)
	err := row.Scan(&id, &stepRowID, &attempt.AttemptNo, &status, &reqRaw, &respRaw,
		&errRaw, &durationMS, &attempt.StartedAt, &attempt.FinishedAt)
	if err != nil {
		return nil, err
	}
	attempt.ID = uuid.MustParse(id)
	attempt.RunStepID = uuid.MustParse(stepRowID)
	attempt.Status = AttemptStatus(status)
	attempt.Duration = time.Duration(durationMS) * time.Millisecond
	if v, err := fromJSON[HTTPRecord](reqRaw); err == nil {
		attempt.Request = v
	}
	if v, err := fromJSON[HTTPRecord](respRaw); err == nil {
		attempt.Response = v
	}
	if v, err := fromJSON[ErrorInfo](errRaw); err == nil {
		attempt.Error = v
	}
	return &attempt, nil
}

func (p *Postgres) LatestAttempt(ctx context.Context, stepRowID uuid.UUID) (*Attempt, error) {
	attempt, err := scanAttempt(p.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM step_attempts
		 WHERE run_step_id = $1::uuid ORDER BY attempt_no DESC LIMIT 1`,
		stepRowID.String()))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("latest_attempt", err)
	}
	return attempt, nil
}

func (p *Postgres) ListAttempts(ctx context.Context, stepRowID uuid.UUID) ([]*Attempt, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM step_attempts
		 WHERE run_step_id = $1::uuid ORDER BY attempt_no`,
		stepRowID.String())
	if err != nil {
		return nil, storeErr("list_attempts", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, storeErr("list_attempts", err)
		}
		out = append(out, attempt)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendEvent(ctx context.Context, ev *Event) (int64, error) {
	payload, err := toJSON(ev.Payload)
	if err != nil {
		return 0, storeErr("append_event", err)
	}
	var stepRowID any
	if ev.RunStepID != nil {
		stepRowID = ev.RunStepID.String()
	}

	var id int64
	err = p.pool.QueryRow(ctx,
		`INSERT INTO run_events (run_id, run_step_id, type, payload)
		 VALUES ($1::uuid, $2::uuid, $3, coalesce($4::jsonb, '{}'))
		 RETURNING id`,
		ev.RunID.String(), stepRowID, ev.Type, payload).Scan(&id)
	if err != nil {
		return 0, storeErr("append_event", err)
	}
	ev.ID = id
	return id, nil
}

func (p *Postgres) ListEvents(ctx context.Context, runID uuid.UUID, afterID int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, run_step_id::text, ts, type, payload FROM run_events
		 WHERE run_id = $1::uuid AND id > $2 ORDER BY id LIMIT $3`,
		runID.String(), afterID, limit)
	if err != nil {
		return nil, storeErr("list_events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev := &Event{RunID: runID}
		var stepRowID *string
		var payload []byte
		if err := rows.Scan(&ev.ID, &stepRowID, &ev.TS, &ev.Type, &payload); err != nil {
			return nil, storeErr("list_events", err)
		}
		if stepRowID != nil {
			parsed := uuid.MustParse(*stepRowID)
			ev.RunStepID = &parsed
		}
		if v, err := fromJSON[map[string]any](payload); err == nil && v != nil {
			ev.Payload = *v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
