package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the Spyglass service
type Metrics struct {
	// Event pipeline metrics
	EventsIngested  *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	DiamondsCounted *prometheus.CounterVec

	// WebSocket Hub metrics
	HubConnections *prometheus.GaugeVec
	HubMessages    *prometheus.CounterVec

	// Persistence metrics
	SnapshotWrites *prometheus.CounterVec

	// Kafka metrics
	KafkaMessages *prometheus.CounterVec
	KafkaDuration *prometheus.HistogramVec

	// Recorder metrics
	RecordingSessions *prometheus.GaugeVec
}
