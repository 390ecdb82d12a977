package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/arazzo/pkg/arazzo"
	"github.com/tombee/arazzo/pkg/errors"
)

func step(id string, deps ...string) arazzo.Step {
	return arazzo.Step{StepID: id, OperationID: "op-" + id, DependsOn: deps}
}

func TestBuildLinear(t *testing.T) {
	wf := &arazzo.Workflow{
		WorkflowID: "linear",
		Steps:      []arazzo.Step{step("a"), step("b", "a"), step("c", "b")},
	}

	g, err := Build(wf)
	require.NoError(t, err)

	levels := g.Levels()
	require.Len(t, levels, 3)
	assert.Equal(t, "a", levels[0][0].StepID)
	assert.Equal(t, "b", levels[1][0].StepID)
	assert.Equal(t, "c", levels[2][0].StepID)
	assert.Equal(t, []string{"b"}, g.Successors("a"))
}

func TestBuildFanOutFanIn(t *testing.T) {
	wf := &arazzo.Workflow{
		WorkflowID: "diamond",
		Steps: []arazzo.Step{
			step("a"),
			step("b", "a"),
			step("c", "a"),
			step("d", "b", "c"),
		},
	}

	g, err := Build(wf)
	require.NoError(t, err)

	levels := g.Levels()
	require.Len(t, levels, 3)
	assert.Len(t, levels[1], 2)
	// Within a level, document order decides.
	assert.Equal(t, "b", levels[1][0].StepID)
	assert.Equal(t, "c", levels[1][1].StepID)

	d, ok := g.Node("d")
	require.True(t, ok)
	assert.Equal(t, 2, d.Level)
	assert.Equal(t, []string{"b", "c"}, d.DependsOn)
}

func TestImplicitDependencies(t *testing.T) {
	wf := &arazzo.Workflow{
		WorkflowID: "implicit",
		Steps: []arazzo.Step{
			step("fetch"),
			{
				StepID:      "use",
				OperationID: "op-use",
				Parameters: []arazzo.Parameter{
					{Name: "id", In: "query", Value: "$steps.fetch.outputs.id"},
				},
			},
		},
	}

	g, err := Build(wf)
	require.NoError(t, err)

	use, ok := g.Node("use")
	require.True(t, ok)
	assert.Equal(t, []string{"fetch"}, use.DependsOn)
	require.Len(t, g.Edges, 1)
	assert.True(t, g.Edges[0].Implicit)
}

func TestCycleDetection(t *testing.T) {
	wf := &arazzo.Workflow{
		WorkflowID: "cyclic",
		Steps:      []arazzo.Step{step("a", "b"), step("b", "a")},
	}

	_, err := Build(wf)
	require.Error(t, err)
	var planErr *errors.PlanError
	require.ErrorAs(t, err, &planErr)
	assert.NotEmpty(t, planErr.Cycle)
	assert.Contains(t, planErr.Cycle, "a")
	assert.Contains(t, planErr.Cycle, "b")
}

func TestUnknownDependency(t *testing.T) {
	wf := &arazzo.Workflow{
		WorkflowID: "broken",
		Steps:      []arazzo.Step{step("a", "ghost")},
	}

	_, err := Build(wf)
	var planErr *errors.PlanError
	require.ErrorAs(t, err, &planErr)
	assert.Contains(t, planErr.Message, "ghost")
}

func TestDOT(t *testing.T) {
	wf := &arazzo.Workflow{
		WorkflowID: "dot",
		Steps:      []arazzo.Step{step("a"), step("b", "a")},
	}

	g, err := Build(wf)
	require.NoError(t, err)

	out := g.DOT()
	assert.True(t, strings.HasPrefix(out, `digraph "dot" {`))
	assert.Contains(t, out, `"a" -> "b";`)
	assert.Contains(t, out, "rank=same")
}
