package commands

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll nearbyd counters and print changes",
		Long:  "Scrapes the nearbyd metrics endpoint on an interval and prints each counter change until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			prev, err := scrapeCounters(ctx)
			if err != nil {
				return err
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}

				cur, err := scrapeCounters(ctx)
				if err != nil {
					// Context cancellation (Ctrl+C) is expected, not an error.
					if ctx.Err() != nil {
						return nil
					}
					return err
				}

				ts := time.Now().Format(time.RFC3339)
				for key, val := range cur {
					if old, ok := prev[key]; !ok || val != old {
						fmt.Printf("[%s] %s  %.0f -> %.0f\n", ts, key, prev[key], val)
					}
				}
				prev = cur
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second,
		"time between metric scrapes")

	return cmd
}

// scrapeCounters flattens one scrape into "metric{labels}" -> value.
func scrapeCounters(ctx context.Context) (map[string]float64, error) {
	families, err := fetchMetricFamilies(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch daemon metrics: %w", err)
	}

	out := make(map[string]float64)
	for name := range families {
		if !strings.HasPrefix(name, metricPrefix) {
			continue
		}
		for _, v := range labeledValues(families, name) {
			key := name
			if ls := labelString(v.Labels); ls != "" {
				key = name + "{" + ls + "}"
			}
			out[key] = v.Value
		}
	}

	return out, nil
}
