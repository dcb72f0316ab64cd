// Package metrics defines the Prometheus collectors exposed by espif
// operations: exchange retry/backoff counts, transport-level error
// counts, benchmark throughput gauges, and multicast reply counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "espif"
	subsystem = "client"
)

// Label names.
const (
	labelMode      = "mode"      // transport.Mode string
	labelOperation = "operation" // read_sector, write_sector, get_checksum, flash_info, flash_select, stats, benchmark_upload, benchmark_download, image, send
	labelPhase     = "phase"     // benchmark upload/download
)

// Collector holds every Prometheus metric the client exposes.
type Collector struct {
	// ExchangeRetries counts retry attempts consumed by internal/exchange,
	// labeled by the calling operation.
	ExchangeRetries *prometheus.CounterVec

	// ExchangeFailures counts exchanges that exhausted all attempts.
	ExchangeFailures *prometheus.CounterVec

	// TransportErrors counts Send/Receive/Drain failures per transport mode.
	TransportErrors *prometheus.CounterVec

	// BenchmarkThroughputBytesPerSec reports the most recent benchmark
	// result, labeled by phase ("upload"/"download").
	BenchmarkThroughputBytesPerSec *prometheus.GaugeVec

	// MulticastReplies counts discovery replies received, labeled by
	// source host.
	MulticastReplies *prometheus.CounterVec

	// MulticastHostsDiscovered reports the number of distinct hosts seen
	// in the most recent discovery run.
	MulticastHostsDiscovered prometheus.Gauge
}

// NewCollector creates a Collector with every metric registered against
// reg. A nil reg registers against prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ExchangeRetries,
		c.ExchangeFailures,
		c.TransportErrors,
		c.BenchmarkThroughputBytesPerSec,
		c.MulticastReplies,
		c.MulticastHostsDiscovered,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		ExchangeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exchange_retries_total",
			Help:      "Total exchange retry attempts, labeled by the calling operation.",
		}, []string{labelOperation}),

		ExchangeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exchange_failures_total",
			Help:      "Total exchanges that exhausted all retry attempts.",
		}, []string{labelOperation}),

		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transport_errors_total",
			Help:      "Total Send/Receive/Drain failures, labeled by transport mode.",
		}, []string{labelMode}),

		BenchmarkThroughputBytesPerSec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "benchmark_throughput_bytes_per_second",
			Help:      "Most recent benchmark throughput, labeled by phase.",
		}, []string{labelPhase}),

		MulticastReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "multicast_replies_total",
			Help:      "Total multicast discovery replies received, labeled by source host.",
		}, []string{"host"}),

		MulticastHostsDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "multicast_hosts_discovered",
			Help:      "Number of distinct hosts seen in the most recent discovery run.",
		}),
	}
}

// RecordExchangeRetry increments the retry counter for operation.
func (c *Collector) RecordExchangeRetry(operation string) {
	c.ExchangeRetries.WithLabelValues(operation).Inc()
}

// RecordExchangeFailure increments the exhausted-attempts counter for
// operation.
func (c *Collector) RecordExchangeFailure(operation string) {
	c.ExchangeFailures.WithLabelValues(operation).Inc()
}

// RecordTransportError increments the transport error counter for mode.
func (c *Collector) RecordTransportError(mode string) {
	c.TransportErrors.WithLabelValues(mode).Inc()
}

// SetBenchmarkThroughput records the most recent throughput for phase
// ("upload" or "download").
func (c *Collector) SetBenchmarkThroughput(phase string, bytesPerSec float64) {
	c.BenchmarkThroughputBytesPerSec.WithLabelValues(phase).Set(bytesPerSec)
}

// RecordMulticastReply increments the reply counter for host and sets
// the distinct-hosts gauge.
func (c *Collector) RecordMulticastReply(host string, hostsDiscovered int) {
	c.MulticastReplies.WithLabelValues(host).Inc()
	c.MulticastHostsDiscovered.Set(float64(hostsDiscovered))
}
