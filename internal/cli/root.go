// Package cli assembles the root cobra command and exit-code handling.
package cli

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/arazzo/internal/commands/shared"
)

// SetVersion records the build-time version info (called from main).
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root command for the arazzo runner.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "arazzo",
		Short: "arazzo - API workflow runner",
		Long: `arazzo executes API workflows written in the Arazzo workflow language:
it compiles a workflow document against its OpenAPI sources, runs steps
in dependency order with bounded parallelism, and persists every state
transition so runs survive crashes and can be resumed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	version, commit, date := shared.Version()
	cmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	return cmd
}

// HandleExitError prints err and exits with its mapped code: 2 for
// validation failures, 3 for failed runs, 4 for runtime errors.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *shared.ExitError
	if stderrors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", exitErr.Err)
		}
		os.Exit(exitErr.Code)
	}

	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(shared.ExitRuntime)
}
