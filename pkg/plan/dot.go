package plan

import (
	"fmt"
	"strings"
)

// DOT renders the graph in Graphviz dot format. Nodes are grouped into
// same-rank clusters by level; implicit edges are dashed.
func (g *Graph) DOT() string {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", g.WorkflowID)
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, fontname=\"monospace\"];\n")

	for li, level := range g.Levels() {
		b.WriteString("  { rank=same;")
		for _, node := range level {
			fmt.Fprintf(&b, " %q;", node.StepID)
		}
		fmt.Fprintf(&b, " } // level %d\n", li)
	}

	for _, node := range g.Nodes {
		fmt.Fprintf(&b, "  %q [label=\"%s\\n(level %d)\"];\n", node.StepID, node.StepID, node.Level)
	}

	for _, e := range g.Edges {
		if e.Implicit {
			fmt.Fprintf(&b, "  %q -> %q [style=dashed];\n", e.From, e.To)
		} else {
			fmt.Fprintf(&b, "  %q -> %q;\n", e.From, e.To)
		}
	}

	b.WriteString("}\n")
	return b.String()
}
