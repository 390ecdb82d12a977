// Package plancmd implements `arazzo plan`.
package plancmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/arazzo/internal/commands/shared"
	"github.com/tombee/arazzo/pkg/plan"
)

// NewCommand creates the plan command.
func NewCommand() *cobra.Command {
	var workflowID string
	var format string

	cmd := &cobra.Command{
		Use:   "plan <workflow-file>",
		Short: "Compile the dependency graph and print its levels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, err := shared.LoadDocument(args[0])
			if err != nil {
				return err
			}

			for i := range doc.Workflows {
				wf := &doc.Workflows[i]
				if workflowID != "" && wf.WorkflowID != workflowID {
					continue
				}
				graph, err := plan.Build(wf)
				if err != nil {
					return shared.Validation(err)
				}

				if format == "dot" {
					fmt.Print(graph.DOT())
					continue
				}

				fmt.Printf("workflow %s\n", wf.WorkflowID)
				for level, nodes := range graph.Levels() {
					fmt.Printf("  level %d:", level)
					for _, node := range nodes {
						fmt.Printf(" %s", node.StepID)
					}
					fmt.Println()
				}
				for _, edge := range graph.Edges {
					marker := ""
					if edge.Implicit {
						marker = " (implicit)"
					}
					fmt.Printf("  %s -> %s%s\n", edge.From, edge.To, marker)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "plan only this workflow id")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text|dot")
	return cmd
}
