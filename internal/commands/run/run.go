// Package run implements the execution commands: execute, start,
// resume, and cancel.
package run

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/arazzo/internal/commands/shared"
	"github.com/tombee/arazzo/internal/config"
	"github.com/tombee/arazzo/internal/engine"
	"github.com/tombee/arazzo/internal/log"
	"github.com/tombee/arazzo/internal/store"
)

// NewExecuteCommand runs a workflow to completion in the foreground.
func NewExecuteCommand() *cobra.Command {
	cfg := &config.Exec{}

	cmd := &cobra.Command{
		Use:   "execute <workflow-file> <workflow-id>",
		Short: "Execute a workflow and wait for its terminal status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := log.New(log.FromEnv())
			rt, err := shared.BuildRuntime(ctx, args[0], cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			inputs, overrides, err := cfg.LoadInputs()
			if err != nil {
				return shared.Validation(err)
			}

			run, err := rt.Engine.CreateRun(ctx, args[1], inputs, overrides, cfg.IdempotencyKey)
			if err != nil {
				return shared.Validation(err)
			}

			final, err := rt.Engine.Execute(ctx, run.ID)
			if err != nil {
				return shared.RuntimeErr(err)
			}
			return reportRun(final, cfg.Format)
		},
	}
	cfg.RegisterFlags(cmd.Flags())
	return cmd
}

// NewStartCommand creates a run without executing it and prints its id.
func NewStartCommand() *cobra.Command {
	cfg := &config.Exec{}

	cmd := &cobra.Command{
		Use:   "start <workflow-file> <workflow-id>",
		Short: "Create a run in the store and print its id (non-blocking)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := log.New(log.FromEnv())

			if cfg.DatabaseURL() == "" {
				return shared.RuntimeErr(fmt.Errorf("start requires a store: set --store, ARAZZO_DATABASE_URL, or DATABASE_URL"))
			}

			rt, err := shared.BuildRuntime(ctx, args[0], cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			inputs, overrides, err := cfg.LoadInputs()
			if err != nil {
				return shared.Validation(err)
			}

			run, err := rt.Engine.CreateRun(ctx, args[1], inputs, overrides, cfg.IdempotencyKey)
			if err != nil {
				return shared.Validation(err)
			}
			fmt.Println(run.ID.String())
			return nil
		},
	}
	cfg.RegisterFlags(cmd.Flags())
	return cmd
}

// NewResumeCommand resumes a queued or crashed run by id.
func NewResumeCommand() *cobra.Command {
	cfg := &config.Exec{}

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a run from its last committed state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return shared.Validation(fmt.Errorf("malformed run id %q", args[0]))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := log.New(log.FromEnv())
			rt, run, err := shared.BuildRuntimeForRun(ctx, runID, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if run.Status.Terminal() {
				return reportRun(run, cfg.Format)
			}

			final, err := rt.Engine.Execute(ctx, runID)
			if err != nil {
				return shared.RuntimeErr(err)
			}
			return reportRun(final, cfg.Format)
		},
	}
	cfg.RegisterFlags(cmd.Flags())
	return cmd
}

// NewCancelCommand requests cancellation of a run.
func NewCancelCommand() *cobra.Command {
	cfg := &config.Exec{}

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a queued or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return shared.Validation(fmt.Errorf("malformed run id %q", args[0]))
			}

			ctx := cmd.Context()
			st, err := shared.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			flipped, err := engine.Cancel(ctx, st, runID)
			if err != nil {
				return shared.RuntimeErr(err)
			}
			if flipped {
				fmt.Println("cancellation requested")
			} else {
				fmt.Println("run is already terminal")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.StoreURL, "store", "", "postgres store URL")
	return cmd
}

// reportRun prints the terminal run state and maps a failed run to exit
// code 3.
func reportRun(run *store.Run, format string) error {
	if format == "json" {
		payload := map[string]any{
			"runId":  run.ID.String(),
			"status": string(run.Status),
		}
		if run.Outputs != nil {
			payload["outputs"] = run.Outputs
		}
		if run.Error != nil {
			payload["error"] = run.Error
		}
		if err := json.NewEncoder(os.Stdout).Encode(payload); err != nil {
			return err
		}
	} else {
		fmt.Printf("run %s: %s\n", run.ID, run.Status)
		if run.Error != nil {
			fmt.Printf("error: %s: %s\n", run.Error.Kind, run.Error.Message)
		}
		if len(run.Outputs) > 0 {
			data, err := json.MarshalIndent(run.Outputs, "", "  ")
			if err == nil {
				fmt.Printf("outputs: %s\n", data)
			}
		}
	}

	switch run.Status {
	case store.RunSucceeded:
		return nil
	default:
		return &shared.ExitError{Code: shared.ExitRunFailed}
	}
}
