// Package validate implements `arazzo validate`.
package validate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/arazzo/internal/commands/shared"
	"github.com/tombee/arazzo/pkg/arazzo"
)

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate <workflow-file>",
		Short: "Validate an Arazzo workflow document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, err := arazzo.ParseFile(args[0])
			if err != nil {
				return shared.Validation(err)
			}
			findings := arazzo.Validate(doc)

			if format == "json" {
				out := findings
				if out == nil {
					out = arazzo.Findings{}
				}
				if err := json.NewEncoder(os.Stdout).Encode(map[string]any{
					"valid":    findings.Valid(),
					"findings": out,
				}); err != nil {
					return err
				}
			} else {
				for _, finding := range findings {
					fmt.Println(finding)
				}
				if findings.Valid() {
					fmt.Println("document is valid")
				}
			}

			if !findings.Valid() {
				return &shared.ExitError{Code: shared.ExitValidation}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text|json")
	return cmd
}
