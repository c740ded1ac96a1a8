package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

var (
	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon metrics address (host:port).
	serverAddr string

	// metricsPath is the URL path of the daemon's metrics endpoint.
	metricsPath string
)

// rootCmd is the top-level cobra command for nearbyctl.
var rootCmd = &cobra.Command{
	Use:   "nearbyctl",
	Short: "CLI client for the nearbyd daemon",
	Long:  "nearbyctl inspects a running nearbyd daemon through its Prometheus metrics endpoint.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:9100",
		"nearbyd metrics address (host:port)")
	rootCmd.PersistentFlags().StringVar(&metricsPath, "metrics-path", "/metrics",
		"nearbyd metrics URL path")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// fetchMetricFamilies scrapes the daemon's metrics endpoint and parses the
// text exposition format into metric families keyed by metric name.
func fetchMetricFamilies(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	url := "http://" + serverAddr + metricsPath

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build metrics request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape %s: unexpected status %s", url, resp.Status)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse metrics from %s: %w", url, err)
	}

	return families, nil
}
