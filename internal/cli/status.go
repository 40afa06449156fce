package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/amqpmodel/health"
	"github.com/spf13/cobra"
)

func newStatusCommand(g *globalFlags, opts Options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Declare the topology and report model and connection health as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := g.open(cmd, opts)
			if err != nil {
				return err
			}
			defer disconnect(m, cmd.ErrOrStderr())

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			// Setup failures show up in the report
			_ = m.WaitReady(ctx)

			registry := health.NewRegistry(health.NewModelChecker(m))
			if conn, ok := m.Connection().Transport().(health.Connectable); ok {
				registry.Register(health.NewConnectionChecker(conn))
			}

			report := registry.Check(ctx)
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(report); err != nil {
				return fmt.Errorf("failed to encode report: %w", err)
			}

			if report.Status != health.StatusHealthy {
				return fmt.Errorf("model is %s", report.Status)
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "How long to wait for the model to become ready")

	return cmd
}
