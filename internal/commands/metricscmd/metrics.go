// Package metricscmd implements `arazzo metrics`.
package metricscmd

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/tombee/arazzo/internal/engine"
)

// NewCommand prints the engine metric families in Prometheus text
// exposition format. Run in-process it reflects the current process
// only; it exists mainly so operators can see the metric surface.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print the engine's Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := prometheus.NewRegistry()
			engine.NewMetrics(registry)

			families, err := registry.Gather()
			if err != nil {
				return err
			}
			encoder := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
			for _, family := range families {
				if err := encoder.Encode(family); err != nil {
					return fmt.Errorf("encode metric family: %w", err)
				}
			}
			return nil
		},
	}
}
