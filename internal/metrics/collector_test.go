package nearbymetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	nearbymetrics "github.com/nearbycore/nearby/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := nearbymetrics.NewCollector(reg)

	if c.DiscoveredEndpoints == nil {
		t.Error("DiscoveredEndpoints is nil")
	}
	if c.ConnectedEndpoints == nil {
		t.Error("ConnectedEndpoints is nil")
	}
	if c.ConnectionsInitiated == nil {
		t.Error("ConnectionsInitiated is nil")
	}
	if c.ConnectionsAccepted == nil {
		t.Error("ConnectionsAccepted is nil")
	}
	if c.ConnectionsRejected == nil {
		t.Error("ConnectionsRejected is nil")
	}
	if c.ConnectionsDisconnected == nil {
		t.Error("ConnectionsDisconnected is nil")
	}
	if c.BwuUpgradesCompleted == nil {
		t.Error("BwuUpgradesCompleted is nil")
	}
	if c.BwuUpgradesFailed == nil {
		t.Error("BwuUpgradesFailed is nil")
	}
	if c.PayloadsSent == nil {
		t.Error("PayloadsSent is nil")
	}
	if c.PayloadsReceived == nil {
		t.Error("PayloadsReceived is nil")
	}
	if c.PayloadBytesTransferred == nil {
		t.Error("PayloadBytesTransferred is nil")
	}
	if c.PayloadTransferDuration == nil {
		t.Error("PayloadTransferDuration is nil")
	}

	// Verify all metrics are registered by gathering them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	// No data yet, so families may be empty -- but registration must not panic.
	_ = families
}

func TestDiscoveredEndpointsGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := nearbymetrics.NewCollector(reg)

	c.SetDiscoveredEndpoints(3)
	if got := gaugeValue(t, c.DiscoveredEndpoints); got != 3 {
		t.Errorf("DiscoveredEndpoints = %v, want 3", got)
	}

	c.SetDiscoveredEndpoints(0)
	if got := gaugeValue(t, c.DiscoveredEndpoints); got != 0 {
		t.Errorf("DiscoveredEndpoints = %v, want 0", got)
	}
}

func TestConnectedEndpointsGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := nearbymetrics.NewCollector(reg)

	c.RegisterConnected("WIFI_LAN")
	c.RegisterConnected("WIFI_LAN")
	c.RegisterConnected("BLUETOOTH")

	if got := gaugeVecValue(t, c.ConnectedEndpoints, "WIFI_LAN"); got != 2 {
		t.Errorf("ConnectedEndpoints[WIFI_LAN] = %v, want 2", got)
	}

	c.UnregisterConnected("WIFI_LAN")

	if got := gaugeVecValue(t, c.ConnectedEndpoints, "WIFI_LAN"); got != 1 {
		t.Errorf("ConnectedEndpoints[WIFI_LAN] = %v, want 1", got)
	}
	if got := gaugeVecValue(t, c.ConnectedEndpoints, "BLUETOOTH"); got != 1 {
		t.Errorf("ConnectedEndpoints[BLUETOOTH] = %v, want 1 (unaffected)", got)
	}
}

func TestConnectionLifecycleCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := nearbymetrics.NewCollector(reg)

	c.IncConnectionsInitiated("WIFI_LAN")
	c.IncConnectionsInitiated("WIFI_LAN")
	c.IncConnectionsAccepted("WIFI_LAN")
	c.IncConnectionsRejected("WIFI_LAN")
	c.IncConnectionsDisconnected("ENDPOINT_IO_ERROR")

	if got := counterVecValue(t, c.ConnectionsInitiated, "WIFI_LAN"); got != 2 {
		t.Errorf("ConnectionsInitiated[WIFI_LAN] = %v, want 2", got)
	}
	if got := counterVecValue(t, c.ConnectionsAccepted, "WIFI_LAN"); got != 1 {
		t.Errorf("ConnectionsAccepted[WIFI_LAN] = %v, want 1", got)
	}
	if got := counterVecValue(t, c.ConnectionsRejected, "WIFI_LAN"); got != 1 {
		t.Errorf("ConnectionsRejected[WIFI_LAN] = %v, want 1", got)
	}
	if got := counterVecValue(t, c.ConnectionsDisconnected, "ENDPOINT_IO_ERROR"); got != 1 {
		t.Errorf("ConnectionsDisconnected[ENDPOINT_IO_ERROR] = %v, want 1", got)
	}
}

func TestBwuUpgradeCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := nearbymetrics.NewCollector(reg)

	c.IncBwuUpgradesCompleted("BLUETOOTH", "WIFI_LAN")
	c.IncBwuUpgradesCompleted("BLUETOOTH", "WIFI_LAN")
	c.IncBwuUpgradesFailed("WIFI_LAN")

	if got := counterVecValue(t, c.BwuUpgradesCompleted, "BLUETOOTH", "WIFI_LAN"); got != 2 {
		t.Errorf("BwuUpgradesCompleted[BLUETOOTH,WIFI_LAN] = %v, want 2", got)
	}
	if got := counterVecValue(t, c.BwuUpgradesFailed, "WIFI_LAN"); got != 1 {
		t.Errorf("BwuUpgradesFailed[WIFI_LAN] = %v, want 1", got)
	}
}

func TestPayloadCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := nearbymetrics.NewCollector(reg)

	c.RecordPayloadSent("BYTES", 128, 0.5)
	c.RecordPayloadSent("BYTES", 256, 1.5)
	c.RecordPayloadReceived("FILE", 4096, 2.0)

	if got := counterVecValue(t, c.PayloadsSent, "BYTES"); got != 2 {
		t.Errorf("PayloadsSent[BYTES] = %v, want 2", got)
	}
	if got := counterVecValue(t, c.PayloadBytesTransferred, "BYTES"); got != 384 {
		t.Errorf("PayloadBytesTransferred[BYTES] = %v, want 384", got)
	}
	if got := counterVecValue(t, c.PayloadsReceived, "FILE"); got != 1 {
		t.Errorf("PayloadsReceived[FILE] = %v, want 1", got)
	}
	if got := counterVecValue(t, c.PayloadBytesTransferred, "FILE"); got != 4096 {
		t.Errorf("PayloadBytesTransferred[FILE] = %v, want 4096", got)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func gaugeVecValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	g, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterVecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

