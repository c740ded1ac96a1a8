// Package commands implements the nearbyctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	dto "github.com/prometheus/client_model/go"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// metricPrefix is the namespace_subsystem prefix every nearbyd controller
// metric carries (see internal/metrics).
const metricPrefix = "nearbyd_conn_"

// labeledValue is one (label set, value) sample of a metric family.
type labeledValue struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// statusView is the daemon state nearbyctl derives from one metrics scrape.
type statusView struct {
	DiscoveredEndpoints float64        `json:"discovered_endpoints"`
	ConnectedEndpoints  []labeledValue `json:"connected_endpoints"`
	Initiated           []labeledValue `json:"connections_initiated"`
	Accepted            []labeledValue `json:"connections_accepted"`
	Rejected            []labeledValue `json:"connections_rejected"`
	Disconnected        []labeledValue `json:"connections_disconnected"`
	BwuCompleted        []labeledValue `json:"bwu_upgrades_completed"`
	BwuFailed           []labeledValue `json:"bwu_upgrades_failed"`
	PayloadsSent        []labeledValue `json:"payloads_sent"`
	PayloadsReceived    []labeledValue `json:"payloads_received"`
	PayloadBytes        []labeledValue `json:"payload_bytes_transferred"`
}

// buildStatusView extracts the controller's metric families from a scrape.
func buildStatusView(families map[string]*dto.MetricFamily) *statusView {
	return &statusView{
		DiscoveredEndpoints: scalarValue(families, metricPrefix+"discovered_endpoints"),
		ConnectedEndpoints:  labeledValues(families, metricPrefix+"connected_endpoints"),
		Initiated:           labeledValues(families, metricPrefix+"connections_initiated_total"),
		Accepted:            labeledValues(families, metricPrefix+"connections_accepted_total"),
		Rejected:            labeledValues(families, metricPrefix+"connections_rejected_total"),
		Disconnected:        labeledValues(families, metricPrefix+"connections_disconnected_total"),
		BwuCompleted:        labeledValues(families, metricPrefix+"bwu_upgrades_completed_total"),
		BwuFailed:           labeledValues(families, metricPrefix+"bwu_upgrades_failed_total"),
		PayloadsSent:        labeledValues(families, metricPrefix+"payloads_sent_total"),
		PayloadsReceived:    labeledValues(families, metricPrefix+"payloads_received_total"),
		PayloadBytes:        labeledValues(families, metricPrefix+"payload_bytes_transferred_total"),
	}
}

// scalarValue returns the single unlabeled sample of a family, or 0.
func scalarValue(families map[string]*dto.MetricFamily, name string) float64 {
	vals := labeledValues(families, name)
	if len(vals) == 0 {
		return 0
	}
	return vals[0].Value
}

// labeledValues flattens one metric family into (labels, value) samples,
// sorted by label string for stable output.
func labeledValues(families map[string]*dto.MetricFamily, name string) []labeledValue {
	mf, ok := families[name]
	if !ok {
		return nil
	}

	out := make([]labeledValue, 0, len(mf.GetMetric()))
	for _, m := range mf.GetMetric() {
		v := labeledValue{}
		if labels := m.GetLabel(); len(labels) > 0 {
			v.Labels = make(map[string]string, len(labels))
			for _, lp := range labels {
				v.Labels[lp.GetName()] = lp.GetValue()
			}
		}
		switch {
		case m.GetGauge() != nil:
			v.Value = m.GetGauge().GetValue()
		case m.GetCounter() != nil:
			v.Value = m.GetCounter().GetValue()
		case m.GetUntyped() != nil:
			v.Value = m.GetUntyped().GetValue()
		}
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool {
		return labelString(out[i].Labels) < labelString(out[j].Labels)
	})

	return out
}

// labelString renders a label set as "k=v,k=v" in key order.
func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

// formatStatus renders a status view in the requested format.
func formatStatus(v *statusView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatStatusJSON(v)
	case formatTable:
		return formatStatusTable(v)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatStatusJSON(v *statusView) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal status to JSON: %w", err)
	}

	return string(data), nil
}

func formatStatusTable(v *statusView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Discovered Endpoints:\t%.0f\n", v.DiscoveredEndpoints)
	writeSection(w, "Connected Endpoints", v.ConnectedEndpoints)
	writeSection(w, "Connections Initiated", v.Initiated)
	writeSection(w, "Connections Accepted", v.Accepted)
	writeSection(w, "Connections Rejected", v.Rejected)
	writeSection(w, "Connections Disconnected", v.Disconnected)
	writeSection(w, "BWU Upgrades Completed", v.BwuCompleted)
	writeSection(w, "BWU Upgrades Failed", v.BwuFailed)
	writeSection(w, "Payloads Sent", v.PayloadsSent)
	writeSection(w, "Payloads Received", v.PayloadsReceived)
	writeSection(w, "Payload Bytes", v.PayloadBytes)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// writeSection emits one "Name (labels): value" row per sample, or a
// single zero row when the family has no samples yet.
func writeSection(w *tabwriter.Writer, name string, vals []labeledValue) {
	if len(vals) == 0 {
		fmt.Fprintf(w, "%s:\t0\n", name)
		return
	}
	for _, v := range vals {
		if ls := labelString(v.Labels); ls != "" {
			fmt.Fprintf(w, "%s (%s):\t%.0f\n", name, ls, v.Value)
			continue
		}
		fmt.Fprintf(w, "%s:\t%.0f\n", name, v.Value)
	}
}
