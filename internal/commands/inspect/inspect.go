// Package inspect implements the read-only document commands:
// workflows, inspect, and openapi.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tombee/arazzo/internal/commands/shared"
	"github.com/tombee/arazzo/internal/config"
	"github.com/tombee/arazzo/internal/openapi"
	"github.com/tombee/arazzo/pkg/plan"
)

// NewWorkflowsCommand lists the workflows of a document.
func NewWorkflowsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows <workflow-file>",
		Short: "List the workflows a document declares",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, err := shared.LoadDocument(args[0])
			if err != nil {
				return err
			}
			for _, wf := range doc.Workflows {
				summary := wf.Summary
				if summary == "" {
					summary = wf.Description
				}
				fmt.Printf("%s\t%d steps\t%s\n", wf.WorkflowID, len(wf.Steps), summary)
			}
			return nil
		},
	}
}

// NewInspectCommand prints the compiled view of one workflow.
func NewInspectCommand() *cobra.Command {
	var workflowID string

	cmd := &cobra.Command{
		Use:   "inspect <workflow-file>",
		Short: "Show the compiled plan of a workflow as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, err := shared.LoadDocument(args[0])
			if err != nil {
				return err
			}

			type stepView struct {
				StepID    string   `json:"stepId"`
				Level     int      `json:"level"`
				DependsOn []string `json:"dependsOn,omitempty"`
				Operation string   `json:"operation,omitempty"`
				Workflow  string   `json:"workflow,omitempty"`
			}
			out := map[string][]stepView{}

			for i := range doc.Workflows {
				wf := &doc.Workflows[i]
				if workflowID != "" && wf.WorkflowID != workflowID {
					continue
				}
				graph, err := plan.Build(wf)
				if err != nil {
					return shared.Validation(err)
				}
				var views []stepView
				for _, node := range graph.Nodes {
					step, _ := wf.Step(node.StepID)
					view := stepView{
						StepID:    node.StepID,
						Level:     node.Level,
						DependsOn: node.DependsOn,
						Workflow:  step.WorkflowID,
					}
					if step.OperationID != "" {
						view.Operation = step.OperationID
					} else if step.OperationPath != "" {
						view.Operation = step.OperationPath
					}
					views = append(views, view)
				}
				out[wf.WorkflowID] = views
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "inspect only this workflow id")
	return cmd
}

// NewOpenAPICommand lists the operations resolvable from a document's
// sources.
func NewOpenAPICommand() *cobra.Command {
	cfg := &config.Exec{}

	cmd := &cobra.Command{
		Use:   "openapi <workflow-file>",
		Short: "List the operations the document's sources expose",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, err := shared.LoadDocument(args[0])
			if err != nil {
				return err
			}
			overrides, err := cfg.OpenAPIOverrides()
			if err != nil {
				return shared.Validation(err)
			}

			loader := openapi.NewLoader(overrides)
			for _, sd := range doc.SourceDescriptions {
				if sd.Type == "arazzo" {
					continue
				}
				src, err := loader.Load(context.Background(), sd)
				if err != nil {
					return shared.Validation(err)
				}
				idx, err := openapi.BuildIndex(src)
				if err != nil {
					return shared.Validation(err)
				}
				fmt.Printf("source %s (%s)\n", src.Name, src.Version)
				ops := idx.Operations()
				sort.Slice(ops, func(i, j int) bool {
					if ops[i].Path != ops[j].Path {
						return ops[i].Path < ops[j].Path
					}
					return ops[i].Method < ops[j].Method
				})
				for _, op := range ops {
					fmt.Printf("  %-7s %s", op.Method, op.Path)
					if op.OperationID != "" {
						fmt.Printf("  (%s)", op.OperationID)
					}
					fmt.Println()
				}
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&cfg.OpenAPI, "openapi", nil, "OpenAPI source override name=path (repeatable)")
	return cmd
}
