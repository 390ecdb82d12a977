// Package plan compiles a validated workflow into an executable
// dependency graph: explicit dependsOn edges plus implicit edges
// inferred from expression references, cycle detection, and level
// assignment for deterministic scheduling.
package plan

import (
	"fmt"
	"sort"

	"github.com/tombee/arazzo/pkg/arazzo"
	"github.com/tombee/arazzo/pkg/arazzo/expression"
	"github.com/tombee/arazzo/pkg/errors"
)

// Node is one step in the graph.
type Node struct {
	// StepID is the step's id within the workflow.
	StepID string

	// Index is the step's position in the document, the tie-breaker for
	// deterministic scheduling within a level.
	Index int

	// Level is the longest path from a root: 0 for roots,
	// 1 + max(level of dependencies) otherwise.
	Level int

	// DependsOn lists the deduplicated predecessor step ids, ordered by
	// their document index.
	DependsOn []string
}

// Edge is a dependency: From must finish before To dispatches.
type Edge struct {
	From string
	To   string

	// Implicit marks edges inferred from expression references rather
	// than declared via dependsOn.
	Implicit bool
}

// Graph is the immutable compiled dependency graph of one workflow.
type Graph struct {
	// WorkflowID names the planned workflow.
	WorkflowID string

	// Nodes in document order.
	Nodes []*Node

	// Edges deduplicated, ordered by (from-index, to-index).
	Edges []Edge

	byID       map[string]*Node
	successors map[string][]string
}

// Build derives the dependency graph for a workflow. It returns a
// PlanError for a reference to an unknown step or for a dependency
// cycle; no run may be created from a workflow that fails to plan.
func Build(wf *arazzo.Workflow) (*Graph, error) {
	g := &Graph{
		WorkflowID: wf.WorkflowID,
		byID:       make(map[string]*Node, len(wf.Steps)),
		successors: make(map[string][]string),
	}

	for i := range wf.Steps {
		node := &Node{StepID: wf.Steps[i].StepID, Index: i}
		g.Nodes = append(g.Nodes, node)
		g.byID[node.StepID] = node
	}

	type edgeKey struct{ from, to string }
	seen := map[edgeKey]bool{}

	addEdge := func(from, to string, implicit bool) error {
		if from == to {
			return &errors.PlanError{
				WorkflowID: wf.WorkflowID,
				Message:    fmt.Sprintf("step %q depends on itself", to),
			}
		}
		if _, ok := g.byID[from]; !ok {
			return &errors.PlanError{
				WorkflowID: wf.WorkflowID,
				Message:    fmt.Sprintf("step %q depends on unknown step %q", to, from),
			}
		}
		key := edgeKey{from, to}
		if seen[key] {
			return nil
		}
		seen[key] = true
		g.Edges = append(g.Edges, Edge{From: from, To: to, Implicit: implicit})
		g.successors[from] = append(g.successors[from], to)
		return nil
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		for _, dep := range step.DependsOn {
			if err := addEdge(dep, step.StepID, false); err != nil {
				return nil, err
			}
		}
		for _, ref := range implicitRefs(step) {
			if _, ok := g.byID[ref]; !ok {
				// References to steps of other workflows are resolved at
				// run time through the workflows scope; only same-workflow
				// references become edges.
				continue
			}
			if ref == step.StepID {
				continue
			}
			if err := addEdge(ref, step.StepID, true); err != nil {
				return nil, err
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &errors.PlanError{WorkflowID: wf.WorkflowID, Cycle: cycle}
	}

	g.assignLevels()
	g.finalize()
	return g, nil
}

// implicitRefs collects the step ids a step's expressions reference:
// parameters, request body, success criteria, and outputs.
func implicitRefs(step *arazzo.Step) []string {
	var refs []*expression.Expr

	for _, p := range step.Parameters {
		refs = append(refs, expression.ExtractValueRefs(p.Value)...)
	}
	if step.RequestBody != nil {
		refs = append(refs, expression.ExtractValueRefs(step.RequestBody.Payload)...)
		for _, r := range step.RequestBody.Replacements {
			refs = append(refs, expression.ExtractValueRefs(r.Value)...)
		}
	}
	for _, c := range step.SuccessCriteria {
		refs = append(refs, expression.ExtractRefs(c.Context)...)
		refs = append(refs, expression.ExtractRefs(c.Condition)...)
	}
	for _, out := range step.Outputs {
		refs = append(refs, expression.ExtractRefs(out)...)
	}

	var ids []string
	for _, ref := range refs {
		if id, ok := ref.StepID(); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// findCycle runs a DFS and returns the members of the first cycle found,
// in traversal order, or nil.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range g.successors[id] {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				// Slice the stack from the first occurrence of next: that
				// suffix is the cycle membership.
				for i, member := range stack {
					if member == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, node := range g.Nodes {
		if color[node.StepID] == white {
			if visit(node.StepID) {
				return cycle
			}
		}
	}
	return nil
}

// assignLevels computes longest-path-from-root levels by Kahn iteration.
// The graph is known acyclic here.
func (g *Graph) assignLevels() {
	indegree := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		indegree[e.To]++
	}

	var queue []*Node
	for _, node := range g.Nodes {
		if indegree[node.StepID] == 0 {
			node.Level = 0
			queue = append(queue, node)
		}
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, succID := range g.successors[node.StepID] {
			succ := g.byID[succID]
			if succ.Level < node.Level+1 {
				succ.Level = node.Level + 1
			}
			indegree[succID]--
			if indegree[succID] == 0 {
				queue = append(queue, succ)
			}
		}
	}
}

// finalize fills per-node dependency lists and orders edges
// deterministically.
func (g *Graph) finalize() {
	deps := make(map[string][]string)
	for _, e := range g.Edges {
		deps[e.To] = append(deps[e.To], e.From)
	}
	for _, node := range g.Nodes {
		list := deps[node.StepID]
		sort.Slice(list, func(i, j int) bool {
			return g.byID[list[i]].Index < g.byID[list[j]].Index
		})
		node.DependsOn = list
	}

	sort.Slice(g.Edges, func(i, j int) bool {
		a, b := g.Edges[i], g.Edges[j]
		if g.byID[a.From].Index != g.byID[b.From].Index {
			return g.byID[a.From].Index < g.byID[b.From].Index
		}
		return g.byID[a.To].Index < g.byID[b.To].Index
	})

	for _, succs := range g.successors {
		sort.Slice(succs, func(i, j int) bool {
			return g.byID[succs[i]].Index < g.byID[succs[j]].Index
		})
	}
}

// Node returns the node for a step id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Successors returns the step ids that depend on the given step, in
// document order.
func (g *Graph) Successors(id string) []string {
	return g.successors[id]
}

// Levels groups nodes by level; within a level nodes keep document
// order. The grouping is stable and total.
func (g *Graph) Levels() [][]*Node {
	max := 0
	for _, node := range g.Nodes {
		if node.Level > max {
			max = node.Level
		}
	}
	levels := make([][]*Node, max+1)
	for _, node := range g.Nodes {
		levels[node.Level] = append(levels[node.Level], node)
	}
	for _, level := range levels {
		sort.Slice(level, func(i, j int) bool { return level[i].Index < level[j].Index })
	}
	return levels
}
