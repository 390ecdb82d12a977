// Package status implements the run inspection commands: status,
// trace, and events.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/arazzo/internal/commands/shared"
	"github.com/tombee/arazzo/internal/config"
	"github.com/tombee/arazzo/internal/store"
)

func parseRunID(arg string) (uuid.UUID, error) {
	runID, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, shared.Validation(fmt.Errorf("malformed run id %q", arg))
	}
	return runID, nil
}

// NewStatusCommand prints a run's status and per-step states.
func NewStatusCommand() *cobra.Command {
	cfg := &config.Exec{}

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's status and its step states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := shared.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(ctx, runID)
			if err != nil {
				return shared.RuntimeErr(err)
			}
			steps, err := st.ListSteps(ctx, runID)
			if err != nil {
				return shared.RuntimeErr(err)
			}

			if cfg.Format == "json" {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"run":   runView(run),
					"steps": stepViews(steps),
				})
			}

			fmt.Printf("run %s  workflow=%s  status=%s\n", run.ID, run.WorkflowID, run.Status)
			if run.Error != nil {
				fmt.Printf("error: %s: %s\n", run.Error.Kind, run.Error.Message)
			}
			for _, step := range steps {
				line := fmt.Sprintf("  %-3d %-24s %-10s deps=%d", step.StepIndex, step.StepID, step.Status, step.DepsRemaining)
				if step.Error != nil {
					line += fmt.Sprintf("  %s: %s", step.Error.Kind, step.Error.Message)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.StoreURL, "store", "", "postgres store URL")
	cmd.Flags().StringVar(&cfg.Format, "format", "text", "output format: text|json")
	return cmd
}

// NewTraceCommand prints every attempt of every step of a run.
func NewTraceCommand() *cobra.Command {
	cfg := &config.Exec{}

	cmd := &cobra.Command{
		Use:   "trace <run-id>",
		Short: "Show per-attempt request/response detail for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := shared.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			steps, err := st.ListSteps(ctx, runID)
			if err != nil {
				return shared.RuntimeErr(err)
			}

			enc := json.NewEncoder(os.Stdout)
			for _, step := range steps {
				attempts, err := st.ListAttempts(ctx, step.ID)
				if err != nil {
					return shared.RuntimeErr(err)
				}
				if cfg.Format == "json" {
					if err := enc.Encode(map[string]any{
						"stepId":   step.StepID,
						"status":   step.Status,
						"attempts": attempts,
					}); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("%s (%s)\n", step.StepID, step.Status)
				for _, attempt := range attempts {
					fmt.Printf("  attempt %d: %s (%s)\n", attempt.AttemptNo, attempt.Status, attempt.Duration)
					if attempt.Request != nil {
						fmt.Printf("    %s %s\n", attempt.Request.Method, attempt.Request.URL)
					}
					if attempt.Response != nil {
						fmt.Printf("    -> HTTP %d\n", attempt.Response.StatusCode)
					}
					if attempt.Error != nil {
						fmt.Printf("    error: %s: %s\n", attempt.Error.Kind, attempt.Error.Message)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.StoreURL, "store", "", "postgres store URL")
	cmd.Flags().StringVar(&cfg.Format, "format", "text", "output format: text|json")
	return cmd
}

// NewEventsCommand prints (and optionally follows) a run's event tail.
func NewEventsCommand() *cobra.Command {
	cfg := &config.Exec{}
	var follow bool
	var afterID int64

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a run's ordered event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := shared.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			enc := json.NewEncoder(os.Stdout)
			last := afterID
			for {
				batch, err := st.ListEvents(ctx, runID, last, 500)
				if err != nil {
					return shared.RuntimeErr(err)
				}
				for _, ev := range batch {
					last = ev.ID
					if cfg.Format == "json" {
						if err := enc.Encode(ev); err != nil {
							return err
						}
						continue
					}
					step := ""
					if v, ok := ev.Payload["stepId"].(string); ok {
						step = " step=" + v
					}
					fmt.Printf("%-6d %s  %s%s\n", ev.ID, ev.TS.Format(time.RFC3339Nano), ev.Type, step)
				}
				if !follow {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
		},
	}
	cmd.Flags().StringVar(&cfg.StoreURL, "store", "", "postgres store URL")
	cmd.Flags().StringVar(&cfg.Format, "format", "text", "output format: text|json")
	cmd.Flags().BoolVar(&follow, "follow", false, "stream new events until interrupted")
	cmd.Flags().Int64Var(&afterID, "after", 0, "start after this event id")
	return cmd
}

func runView(run *store.Run) map[string]any {
	out := map[string]any{
		"id":         run.ID.String(),
		"workflowId": run.WorkflowID,
		"status":     run.Status,
		"createdAt":  run.CreatedAt,
	}
	if run.Error != nil {
		out["error"] = run.Error
	}
	if run.Outputs != nil {
		out["outputs"] = run.Outputs
	}
	return out
}

func stepViews(steps []*store.RunStep) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for _, step := range steps {
		view := map[string]any{
			"stepId":        step.StepID,
			"stepIndex":     step.StepIndex,
			"status":        step.Status,
			"depsRemaining": step.DepsRemaining,
			"retryCount":    step.RetryCount,
		}
		if step.Error != nil {
			view["error"] = step.Error
		}
		if step.Outputs != nil {
			view["outputs"] = step.Outputs
		}
		out = append(out, view)
	}
	return out
}
