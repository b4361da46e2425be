// Package metrics defines the service's Prometheus metric set and the
// periodic system gauge sampler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/paritytech/substrate-analytics/pkg/monitoring"
)

// Metrics holds every service-specific instrument. One instance is built in
// main and shared by the ingest, feed, buffer and cache layers.
type Metrics struct {
	WSMessagesReceived *prometheus.CounterVec
	WSBytesReceived    *prometheus.CounterVec
	WSConnected        *prometheus.CounterVec
	WSDropped          *prometheus.CounterVec

	CurrentNodeConnections *prometheus.GaugeVec
	CurrentFeedConnections *prometheus.GaugeVec
	FeedsConnected         *prometheus.CounterVec
	FeedsDisconnected      *prometheus.CounterVec

	LogsDropped    *prometheus.CounterVec
	BatchesWritten *prometheus.CounterVec
	BatchSize      *prometheus.HistogramVec

	CacheEntries     *prometheus.GaugeVec
	CacheSubscribers *prometheus.GaugeVec

	SystemLoad     *prometheus.GaugeVec
	SystemMemory   *prometheus.GaugeVec
	SystemSwapUsed *prometheus.GaugeVec
}

// New registers the service metric set on the collector's registry.
func New(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		WSMessagesReceived: mc.NewCounter("ws_messages_received_total",
			"Telemetry messages received from nodes", []string{"kind"}),
		WSBytesReceived: mc.NewCounter("ws_bytes_received_total",
			"Telemetry payload bytes received from nodes", nil),
		WSConnected: mc.NewCounter("ws_connected_total",
			"Node websocket connections accepted", []string{"audit"}),
		WSDropped: mc.NewCounter("ws_dropped_total",
			"Node websocket connections closed", []string{"reason"}),

		CurrentNodeConnections: mc.NewGauge("current_substrate_connections",
			"Node websocket connections currently open", nil),
		CurrentFeedConnections: mc.NewGauge("current_feed_connections",
			"Feed websocket connections currently open", nil),
		FeedsConnected: mc.NewCounter("feeds_connected_total",
			"Feed websocket connections accepted", nil),
		FeedsDisconnected: mc.NewCounter("feeds_disconnected_total",
			"Feed websocket connections closed", []string{"reason"}),

		LogsDropped: mc.NewCounter("logs_dropped_total",
			"Records dropped before reaching the store", []string{"reason"}),
		BatchesWritten: mc.NewCounter("batches_written_total",
			"Batches handed to the store", []string{"status"}),
		BatchSize: mc.NewHistogram("batch_size_records",
			"Records per written batch", nil,
			[]float64{1, 8, 32, 128, 512, 1024}),

		CacheEntries: mc.NewGauge("cache_entries",
			"Stream keys currently cached", nil),
		CacheSubscribers: mc.NewGauge("cache_subscribers",
			"Feed subscribers currently registered", nil),

		SystemLoad: mc.NewGauge("system_load",
			"System load average", []string{"period"}),
		SystemMemory: mc.NewGauge("system_memory_bytes",
			"Virtual memory", []string{"kind"}),
		SystemSwapUsed: mc.NewGauge("system_swap_used_bytes",
			"Swap in use", nil),
	}
}
