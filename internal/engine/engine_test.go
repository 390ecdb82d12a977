package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/arazzo/internal/events"
	"github.com/tombee/arazzo/internal/httpclient"
	"github.com/tombee/arazzo/internal/openapi"
	"github.com/tombee/arazzo/internal/retry"
	"github.com/tombee/arazzo/internal/secrets"
	"github.com/tombee/arazzo/internal/store"
	"github.com/tombee/arazzo/pkg/arazzo"
	"github.com/tombee/arazzo/pkg/policy"
)

// specFor builds a minimal OpenAPI description exposing one GET
// operation per path, with operationId "op<Path>".
func specFor(serverURL string, paths ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `{"openapi":"3.0.3","info":{"title":"t","version":"1"},"servers":[{"url":%q}],"paths":{`, serverURL)
	for i, p := range paths {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `%q:{"get":{"operationId":%q,"responses":{"200":{"description":"ok"}}}}`,
			"/"+p, "op"+p)
	}
	b.WriteString("}}")
	return b.String()
}

type harness struct {
	engine *Engine
	store  *store.Memory
}

// newHarness wires an engine over the memory store with a fast retry
// controller and a policy admitting the test server.
func newHarness(t *testing.T, docYAML, openapiJSON string, mods ...func(*Params)) *harness {
	t.Helper()

	doc, err := arazzo.Parse([]byte(docYAML))
	require.NoError(t, err)
	findings := arazzo.Validate(doc)
	require.True(t, findings.Valid(), "document invalid: %v", findings)

	hash := arazzo.Hash([]byte(docYAML))
	loader := openapi.NewLoader(nil)
	loader.Preloaded = map[string][]byte{"api": []byte(openapiJSON)}
	compiler, err := openapi.NewCompiler(context.Background(), doc, hash, loader)
	require.NoError(t, err)

	mem := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	pol := policy.Default()
	pol.AllowedHosts = []string{"127.0.0.1", "10.0.0.5"}
	pol.AllowPrivate = true

	params := Params{
		Document: doc,
		DocHash:  hash,
		Store:    mem,
		Bus:      events.NewBus(mem, logger),
		Client:   httpclient.New(httpclient.Config{Timeout: 5 * time.Second, UserAgent: "test"}, pol),
		Policy:   pol,
		Secrets:  secrets.NewResolver(secrets.NewEnvProvider()),
		Retry:    retry.NewController(3, 50*time.Millisecond, time.Second, 0),
		Compiler: compiler,
		Logger:   logger,
		Config:   Config{MaxConcurrency: 10, Creator: "test"},
	}
	for _, mod := range mods {
		mod(&params)
	}

	return &harness{engine: New(params), store: mem}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func (h *harness) run(t *testing.T, workflowID string, inputs map[string]any) *store.Run {
	t.Helper()
	run, err := h.engine.CreateRun(context.Background(), workflowID, inputs, nil, "")
	require.NoError(t, err)
	final, err := h.engine.Execute(context.Background(), run.ID)
	require.NoError(t, err)
	return final
}

func (h *harness) eventTypes(t *testing.T, run *store.Run) []string {
	t.Helper()
	evs, err := h.store.ListEvents(context.Background(), run.ID, 0, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		label := ev.Type
		if stepID, ok := ev.Payload["stepId"].(string); ok {
			label += "(" + stepID + ")"
		}
		types = append(types, label)
	}
	return types
}

func (h *harness) stepByID(t *testing.T, run *store.Run, stepID string) *store.RunStep {
	t.Helper()
	steps, err := h.store.ListSteps(context.Background(), run.ID)
	require.NoError(t, err)
	for _, step := range steps {
		if step.StepID == stepID {
			return step
		}
	}
	t.Fatalf("step %s not found", stepID)
	return nil
}

const docHeader = `
arazzo: 1.0.0
info:
  title: test
  version: 1.0.0
sourceDescriptions:
  - name: api
    url: https://api.example/openapi.json
`

// Scenario: linear three-step chain, each step outputs the id the
// server returns; the workflow output maps the last step's id.
func TestLinearThreeStep(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%q}`, id)
	}))
	defer server.Close()

	doc := docHeader + `
workflows:
  - workflowId: linear
    steps:
      - stepId: A
        operationId: opa
        outputs:
          id: $response.body#/id
      - stepId: B
        operationId: opb
        dependsOn: A
        outputs:
          id: $response.body#/id
      - stepId: C
        operationId: opc
        dependsOn: B
        outputs:
          id: $response.body#/id
    outputs:
      final: $steps.C.outputs.id
`
	h := newHarness(t, doc, specFor(server.URL, "a", "b", "c"))
	run := h.run(t, "linear", nil)

	assert.Equal(t, store.RunSucceeded, run.Status)
	assert.Equal(t, "C", run.Outputs["final"])

	assert.Equal(t, []string{
		"run.started",
		"step.started(A)", "step.attempt.started(A)", "step.attempt.finished(A)", "step.succeeded(A)",
		"step.started(B)", "step.attempt.started(B)", "step.attempt.finished(B)", "step.succeeded(B)",
		"step.started(C)", "step.attempt.started(C)", "step.attempt.finished(C)", "step.succeeded(C)",
		"run.finished",
	}, h.eventTypes(t, run))
}

// Scenario: fan-out/fan-in — D starts only after both B and C succeed.
func TestFanOutFanIn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/b" || r.URL.Path == "/c" {
			time.Sleep(50 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	doc := docHeader + `
workflows:
  - workflowId: diamond
    steps:
      - stepId: A
        operationId: opa
      - stepId: B
        operationId: opb
        dependsOn: A
      - stepId: C
        operationId: opc
        dependsOn: A
      - stepId: D
        operationId: opd
        dependsOn:
          - B
          - C
`
	h := newHarness(t, doc, specFor(server.URL, "a", "b", "c", "d"), func(p *Params) {
		p.Config.MaxConcurrency = 2
	})
	run := h.run(t, "diamond", nil)
	require.Equal(t, store.RunSucceeded, run.Status)

	types := h.eventTypes(t, run)
	index := func(label string) int {
		for i, typ := range types {
			if typ == label {
				return i
			}
		}
		t.Fatalf("event %s missing from %v", label, types)
		return -1
	}
	assert.Greater(t, index("step.started(D)"), index("step.succeeded(B)"))
	assert.Greater(t, index("step.started(D)"), index("step.succeeded(C)"))
}

// Scenario: 503 then 200 — two attempts, backoff respected.
func TestRetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	doc := docHeader + `
workflows:
  - workflowId: retrying
    steps:
      - stepId: B
        operationId: opb
`
	h := newHarness(t, doc, specFor(server.URL, "b"))
	run := h.run(t, "retrying", nil)
	require.Equal(t, store.RunSucceeded, run.Status)

	step := h.stepByID(t, run, "B")
	attempts, err := h.store.ListAttempts(context.Background(), step.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	assert.Equal(t, store.AttemptFailed, attempts[0].Status)
	require.NotNil(t, attempts[0].Error)
	assert.Equal(t, "http_status", attempts[0].Error.Kind)
	assert.Equal(t, store.AttemptSucceeded, attempts[1].Status)

	// Backoff: attempt 2 starts no earlier than base*(1-jitter) after
	// attempt 1 finished (jitter is zero here).
	require.NotNil(t, attempts[0].FinishedAt)
	gap := attempts[1].StartedAt.Sub(*attempts[0].FinishedAt)
	assert.GreaterOrEqual(t, gap, 50*time.Millisecond)
}

// Scenario: a private target without --allow-private fails the attempt
// with a PolicyError before any socket opens.
func TestPolicyRejection(t *testing.T) {
	doc := docHeader + `
workflows:
  - workflowId: blocked
    steps:
      - stepId: A
        operationId: opa
`
	h := newHarness(t, doc, specFor("http://10.0.0.5", "a"), func(p *Params) {
		p.Policy.AllowPrivate = false
		p.Client = httpclient.New(httpclient.Config{Timeout: time.Second, UserAgent: "test"}, p.Policy)
	})
	run := h.run(t, "blocked", nil)

	assert.Equal(t, store.RunFailed, run.Status)
	step := h.stepByID(t, run, "A")
	assert.Equal(t, store.StepFailed, step.Status)
	require.NotNil(t, step.Error)
	assert.Equal(t, "policy", step.Error.Kind)

	attempts, err := h.store.ListAttempts(context.Background(), step.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1, "policy violations are not retried")

	assert.Contains(t, h.eventTypes(t, run), "policy.violated(A)")
}

// A failed criterion is terminal: no retry, successors skip, the run
// fails.
func TestCriterionFailureSkipsSuccessors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"state":"pending"}`)
	}))
	defer server.Close()

	doc := docHeader + `
workflows:
  - workflowId: strict
    steps:
      - stepId: A
        operationId: opa
        successCriteria:
          - condition: $response.body#/state == 'done'
      - stepId: B
        operationId: opb
        dependsOn: A
`
	h := newHarness(t, doc, specFor(server.URL, "a", "b"))
	run := h.run(t, "strict", nil)

	assert.Equal(t, store.RunFailed, run.Status)
	assert.Equal(t, "criterion", h.stepByID(t, run, "A").Error.Kind)
	assert.Equal(t, store.StepSkipped, h.stepByID(t, run, "B").Status)

	attempts, err := h.store.ListAttempts(context.Background(), h.stepByID(t, run, "A").ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
	assert.Contains(t, h.eventTypes(t, run), "step.skipped(B)")
}

// Scenario: cancellation mid-flight — finished steps keep their state,
// the in-flight step fails as canceled, later steps stay pending.
func TestCancelMidFlight(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/s3" {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()
	defer close(release)

	doc := docHeader + `
workflows:
  - workflowId: cancelable
    steps:
      - stepId: s1
        operationId: ops1
      - stepId: s2
        operationId: ops2
        dependsOn: s1
      - stepId: s3
        operationId: ops3
        dependsOn: s2
      - stepId: s4
        operationId: ops4
        dependsOn: s3
      - stepId: s5
        operationId: ops5
        dependsOn: s4
`
	h := newHarness(t, doc, specFor(server.URL, "s1", "s2", "s3", "s4", "s5"))

	run, err := h.engine.CreateRun(context.Background(), "cancelable", nil, nil, "")
	require.NoError(t, err)

	type result struct {
		run *store.Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		final, err := h.engine.Execute(context.Background(), run.ID)
		done <- result{run: final, err: err}
	}()

	// Wait until s3 is in flight, then cancel.
	require.Eventually(t, func() bool {
		step := h.stepByID(t, run, "s3")
		return step.Status == store.StepRunning
	}, 5*time.Second, 10*time.Millisecond)

	flipped, err := Cancel(context.Background(), h.store, run.ID)
	require.NoError(t, err)
	assert.True(t, flipped)

	res := <-done
	require.NoError(t, res.err)
	final := res.run
	assert.Equal(t, store.RunCanceled, final.Status)
	assert.Equal(t, store.StepSucceeded, h.stepByID(t, final, "s1").Status)
	assert.Equal(t, store.StepSucceeded, h.stepByID(t, final, "s2").Status)

	s3 := h.stepByID(t, final, "s3")
	assert.Equal(t, store.StepFailed, s3.Status)
	require.NotNil(t, s3.Error)
	assert.Equal(t, "canceled", s3.Error.Kind)

	assert.Equal(t, store.StepPending, h.stepByID(t, final, "s4").Status)
	assert.Equal(t, store.StepPending, h.stepByID(t, final, "s5").Status)
}

// Scenario: crash and resume — the orphaned attempt closes as
// failed{crash}, and the step retries to success.
func TestCrashResume(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	doc := docHeader + `
workflows:
  - workflowId: crashy
    steps:
      - stepId: C
        operationId: opc
`
	h := newHarness(t, doc, specFor(server.URL, "c"))
	ctx := context.Background()

	run, err := h.engine.CreateRun(ctx, "crashy", nil, nil, "")
	require.NoError(t, err)

	// Simulate a crash: the run is running, the step claimed, the
	// attempt open, and the process is gone.
	flipped, err := h.store.SetRunStatus(ctx, run.ID, []store.RunStatus{store.RunQueued}, store.RunRunning, nil)
	require.NoError(t, err)
	require.True(t, flipped)
	claimed, err := h.store.ClaimReadySteps(ctx, run.ID, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = h.store.BeginAttempt(ctx, claimed[0].ID, &store.HTTPRecord{Method: "GET", URL: server.URL + "/c"})
	require.NoError(t, err)

	final, err := h.engine.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, final.Status)

	attempts, err := h.store.ListAttempts(ctx, claimed[0].ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, store.AttemptFailed, attempts[0].Status)
	require.NotNil(t, attempts[0].Error)
	assert.Equal(t, "crash", attempts[0].Error.Kind)
	assert.Equal(t, store.AttemptSucceeded, attempts[1].Status)
}

// An empty workflow succeeds immediately with empty outputs.
func TestEmptyWorkflow(t *testing.T) {
	doc := docHeader + `
workflows:
  - workflowId: empty
    steps: []
`
	h := newHarness(t, doc, specFor("http://127.0.0.1:1", "unused"))
	run := h.run(t, "empty", nil)
	assert.Equal(t, store.RunSucceeded, run.Status)
	assert.Empty(t, run.Outputs)
}

// onSuccess end terminates the run without dispatching later steps.
func TestEndActionStopsRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	doc := docHeader + `
workflows:
  - workflowId: early
    steps:
      - stepId: A
        operationId: opa
        onSuccess:
          - name: stop
            type: end
      - stepId: B
        operationId: opb
        dependsOn: A
`
	h := newHarness(t, doc, specFor(server.URL, "a", "b"))
	run := h.run(t, "early", nil)

	assert.Equal(t, store.RunSucceeded, run.Status)
	assert.Equal(t, store.StepPending, h.stepByID(t, run, "B").Status)
}

// Inputs flow through parameters; idempotent creation returns the same
// run.
func TestInputsAndIdempotency(t *testing.T) {
	var gotQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query().Get("id"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	doc := docHeader + `
workflows:
  - workflowId: ins
    steps:
      - stepId: A
        operationId: opa
        parameters:
          - name: id
            in: query
            value: $inputs.petId
`
	h := newHarness(t, doc, specFor(server.URL, "a"))
	ctx := context.Background()

	first, err := h.engine.CreateRun(ctx, "ins", map[string]any{"petId": "p-7"}, nil, "key-1")
	require.NoError(t, err)
	again, err := h.engine.CreateRun(ctx, "ins", map[string]any{"petId": "p-7"}, nil, "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	final, err := h.engine.Execute(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, final.Status)
	assert.Equal(t, "p-7", gotQuery.Load())
}

// max_concurrency=1 serializes same-level steps in step-index order.
func TestSerialOrderUnderUnitConcurrency(t *testing.T) {
	var order []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	doc := docHeader + `
workflows:
  - workflowId: serial
    steps:
      - stepId: A
        operationId: opa
      - stepId: B
        operationId: opb
      - stepId: C
        operationId: opc
`
	h := newHarness(t, doc, specFor(server.URL, "a", "b", "c"), func(p *Params) {
		p.Config.MaxConcurrency = 1
	})
	run := h.run(t, "serial", nil)
	require.Equal(t, store.RunSucceeded, run.Status)
	assert.Equal(t, []string{"/a", "/b", "/c"}, order)
}
