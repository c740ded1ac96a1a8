package nearbymetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "nearbyd"
	subsystem = "conn"
)

// Label names for connection metrics.
const (
	labelMedium      = "medium"
	labelFromMedium  = "from_medium"
	labelToMedium    = "to_medium"
	labelPayloadType = "payload_type"
	labelCloseReason = "close_reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Nearby Connections Metrics
// -------------------------------------------------------------------------

// Collector holds all Nearby Connections Prometheus metrics.
//
// Metrics cover the controller's four observable subsystems:
//   - Endpoint gauges track discovered and connected endpoints.
//   - Connection counters track lifecycle transitions per medium.
//   - Bandwidth-upgrade counters record medium migrations and failures.
//   - Payload counters and histograms track transfer volume and outcome.
type Collector struct {
	// DiscoveredEndpoints tracks the number of currently discovered but
	// not-yet-connected endpoints.
	DiscoveredEndpoints prometheus.Gauge

	// ConnectedEndpoints tracks the number of currently connected
	// endpoints, labeled by the medium of the active channel.
	ConnectedEndpoints *prometheus.GaugeVec

	// ConnectionsInitiated counts RequestConnection calls per medium.
	ConnectionsInitiated *prometheus.CounterVec

	// ConnectionsAccepted counts connections that reached CONNECTED.
	ConnectionsAccepted *prometheus.CounterVec

	// ConnectionsRejected counts connections rejected by either side.
	ConnectionsRejected *prometheus.CounterVec

	// ConnectionsDisconnected counts connections torn down, labeled by
	// CloseReason (spec.md section 4.3.6).
	ConnectionsDisconnected *prometheus.CounterVec

	// BwuUpgradesCompleted counts successful bandwidth upgrades, labeled
	// by the medium migrated from and to (spec.md section 4.6).
	BwuUpgradesCompleted *prometheus.CounterVec

	// BwuUpgradesFailed counts bandwidth upgrade attempts that did not
	// complete (spec.md section 7: never surfaced to the client, only
	// observable here).
	BwuUpgradesFailed *prometheus.CounterVec

	// PayloadsSent counts completed outgoing payload transfers, labeled
	// by payload type (spec.md section 4.7).
	PayloadsSent *prometheus.CounterVec

	// PayloadsReceived counts completed incoming payload transfers,
	// labeled by payload type.
	PayloadsReceived *prometheus.CounterVec

	// PayloadBytesTransferred sums bytes moved in either direction,
	// labeled by payload type.
	PayloadBytesTransferred *prometheus.CounterVec

	// PayloadTransferDuration observes how long a payload transfer took
	// from SendPayload/first chunk to PayloadSuccess, labeled by payload
	// type.
	PayloadTransferDuration *prometheus.HistogramVec
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "nearbyd_conn_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.DiscoveredEndpoints,
		c.ConnectedEndpoints,
		c.ConnectionsInitiated,
		c.ConnectionsAccepted,
		c.ConnectionsRejected,
		c.ConnectionsDisconnected,
		c.BwuUpgradesCompleted,
		c.BwuUpgradesFailed,
		c.PayloadsSent,
		c.PayloadsReceived,
		c.PayloadBytesTransferred,
		c.PayloadTransferDuration,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	mediumLabels := []string{labelMedium}
	migrationLabels := []string{labelFromMedium, labelToMedium}
	closeLabels := []string{labelCloseReason}
	payloadLabels := []string{labelPayloadType}

	return &Collector{
		DiscoveredEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discovered_endpoints",
			Help:      "Number of currently discovered but not-yet-connected endpoints.",
		}),

		ConnectedEndpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connected_endpoints",
			Help:      "Number of currently connected endpoints by active medium.",
		}, mediumLabels),

		ConnectionsInitiated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_initiated_total",
			Help:      "Total RequestConnection calls by medium.",
		}, mediumLabels),

		ConnectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_accepted_total",
			Help:      "Total connections that reached CONNECTED, by medium.",
		}, mediumLabels),

		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_rejected_total",
			Help:      "Total connections rejected by either side, by medium.",
		}, mediumLabels),

		ConnectionsDisconnected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_disconnected_total",
			Help:      "Total connections torn down, by close reason.",
		}, closeLabels),

		BwuUpgradesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bwu_upgrades_completed_total",
			Help:      "Total successful bandwidth upgrades, by source and target medium.",
		}, migrationLabels),

		BwuUpgradesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bwu_upgrades_failed_total",
			Help:      "Total bandwidth upgrade attempts that did not complete, by target medium.",
		}, mediumLabels),

		PayloadsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "payloads_sent_total",
			Help:      "Total completed outgoing payload transfers, by payload type.",
		}, payloadLabels),

		PayloadsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "payloads_received_total",
			Help:      "Total completed incoming payload transfers, by payload type.",
		}, payloadLabels),

		PayloadBytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "payload_bytes_transferred_total",
			Help:      "Total payload bytes transferred in either direction, by payload type.",
		}, payloadLabels),

		PayloadTransferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "payload_transfer_duration_seconds",
			Help:      "Payload transfer duration from send/first-chunk to completion, by payload type.",
			Buckets:   prometheus.DefBuckets,
		}, payloadLabels),
	}
}

// -------------------------------------------------------------------------
// Endpoint Lifecycle
// -------------------------------------------------------------------------

// SetDiscoveredEndpoints sets the discovered-endpoints gauge to n.
func (c *Collector) SetDiscoveredEndpoints(n int) {
	c.DiscoveredEndpoints.Set(float64(n))
}

// RegisterConnected increments the connected-endpoints gauge for medium.
// Called when a connection reaches CONNECTED.
func (c *Collector) RegisterConnected(medium string) {
	c.ConnectedEndpoints.WithLabelValues(medium).Inc()
}

// UnregisterConnected decrements the connected-endpoints gauge for medium.
// Called when a connection is disconnected.
func (c *Collector) UnregisterConnected(medium string) {
	c.ConnectedEndpoints.WithLabelValues(medium).Dec()
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// IncConnectionsInitiated increments the initiated-connections counter.
func (c *Collector) IncConnectionsInitiated(medium string) {
	c.ConnectionsInitiated.WithLabelValues(medium).Inc()
}

// IncConnectionsAccepted increments the accepted-connections counter.
func (c *Collector) IncConnectionsAccepted(medium string) {
	c.ConnectionsAccepted.WithLabelValues(medium).Inc()
}

// IncConnectionsRejected increments the rejected-connections counter.
func (c *Collector) IncConnectionsRejected(medium string) {
	c.ConnectionsRejected.WithLabelValues(medium).Inc()
}

// IncConnectionsDisconnected increments the disconnected-connections
// counter, labeled by the reported CloseReason.
func (c *Collector) IncConnectionsDisconnected(reason string) {
	c.ConnectionsDisconnected.WithLabelValues(reason).Inc()
}

// -------------------------------------------------------------------------
// Bandwidth Upgrade
// -------------------------------------------------------------------------

// IncBwuUpgradesCompleted increments the completed-upgrades counter for a
// from -> to medium migration.
func (c *Collector) IncBwuUpgradesCompleted(from, to string) {
	c.BwuUpgradesCompleted.WithLabelValues(from, to).Inc()
}

// IncBwuUpgradesFailed increments the failed-upgrades counter for a
// target medium.
func (c *Collector) IncBwuUpgradesFailed(target string) {
	c.BwuUpgradesFailed.WithLabelValues(target).Inc()
}

// -------------------------------------------------------------------------
// Payload Transfer
// -------------------------------------------------------------------------

// RecordPayloadSent records a completed outgoing transfer: increments the
// sent counter, adds bytes to the bytes-transferred counter, and observes
// duration in the transfer-duration histogram.
func (c *Collector) RecordPayloadSent(payloadType string, bytes int64, duration float64) {
	c.PayloadsSent.WithLabelValues(payloadType).Inc()
	c.PayloadBytesTransferred.WithLabelValues(payloadType).Add(float64(bytes))
	c.PayloadTransferDuration.WithLabelValues(payloadType).Observe(duration)
}

// RecordPayloadReceived records a completed incoming transfer.
func (c *Collector) RecordPayloadReceived(payloadType string, bytes int64, duration float64) {
	c.PayloadsReceived.WithLabelValues(payloadType).Inc()
	c.PayloadBytesTransferred.WithLabelValues(payloadType).Add(float64(bytes))
	c.PayloadTransferDuration.WithLabelValues(payloadType).Observe(duration)
}
