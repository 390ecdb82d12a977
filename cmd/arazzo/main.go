package main

import (
	"github.com/tombee/arazzo/internal/cli"
	"github.com/tombee/arazzo/internal/commands/db"
	"github.com/tombee/arazzo/internal/commands/inspect"
	"github.com/tombee/arazzo/internal/commands/metricscmd"
	"github.com/tombee/arazzo/internal/commands/plancmd"
	"github.com/tombee/arazzo/internal/commands/run"
	"github.com/tombee/arazzo/internal/commands/status"
	"github.com/tombee/arazzo/internal/commands/validate"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)
	rootCmd := cli.NewRootCommand()

	// Document commands
	rootCmd.AddCommand(validate.NewCommand())
	rootCmd.AddCommand(plancmd.NewCommand())
	rootCmd.AddCommand(inspect.NewWorkflowsCommand())
	rootCmd.AddCommand(inspect.NewInspectCommand())
	rootCmd.AddCommand(inspect.NewOpenAPICommand())

	// Execution commands
	rootCmd.AddCommand(run.NewExecuteCommand())
	rootCmd.AddCommand(run.NewStartCommand())
	rootCmd.AddCommand(run.NewResumeCommand())
	rootCmd.AddCommand(run.NewCancelCommand())

	// Run inspection commands
	rootCmd.AddCommand(status.NewStatusCommand())
	rootCmd.AddCommand(status.NewTraceCommand())
	rootCmd.AddCommand(status.NewEventsCommand())

	// Operations commands
	rootCmd.AddCommand(metricscmd.NewCommand())
	rootCmd.AddCommand(db.NewMigrateCommand())
	rootCmd.AddCommand(db.NewDoctorCommand())

	cli.HandleExitError(rootCmd.Execute())
}
