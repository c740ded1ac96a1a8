package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show nearbyd endpoint, connection, upgrade and payload counters",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			families, err := fetchMetricFamilies(context.Background())
			if err != nil {
				return fmt.Errorf("fetch daemon metrics: %w", err)
			}

			out, err := formatStatus(buildStatusView(families), outputFormat)
			if err != nil {
				return fmt.Errorf("format status: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
