package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/eriksl/espif-go/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.ExchangeRetries == nil {
		t.Error("ExchangeRetries is nil")
	}
	if c.ExchangeFailures == nil {
		t.Error("ExchangeFailures is nil")
	}
	if c.TransportErrors == nil {
		t.Error("TransportErrors is nil")
	}
	if c.BenchmarkThroughputBytesPerSec == nil {
		t.Error("BenchmarkThroughputBytesPerSec is nil")
	}
	if c.MulticastReplies == nil {
		t.Error("MulticastReplies is nil")
	}
	if c.MulticastHostsDiscovered == nil {
		t.Error("MulticastHostsDiscovered is nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	_ = families
}

func TestNewCollectorNilRegistererUsesDefault(t *testing.T) {
	// Registers against prometheus.DefaultRegisterer; must not panic and
	// must not collide with other tests since metric names are unique
	// enough within a single test binary run.
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("NewCollector(nil) panicked: %v", r)
		}
	}()

	c := metrics.NewCollector(nil)
	if c == nil {
		t.Fatal("NewCollector(nil) returned nil")
	}
}

func TestExchangeCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordExchangeRetry("read")
	c.RecordExchangeRetry("read")
	c.RecordExchangeRetry("write")

	if got := counterValue(t, c.ExchangeRetries, "read"); got != 2 {
		t.Errorf("ExchangeRetries(read) = %v, want 2", got)
	}
	if got := counterValue(t, c.ExchangeRetries, "write"); got != 1 {
		t.Errorf("ExchangeRetries(write) = %v, want 1", got)
	}

	c.RecordExchangeFailure("verify")

	if got := counterValue(t, c.ExchangeFailures, "verify"); got != 1 {
		t.Errorf("ExchangeFailures(verify) = %v, want 1", got)
	}
}

func TestTransportErrorCounter(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordTransportError("tcp")
	c.RecordTransportError("tcp")
	c.RecordTransportError("udp")

	if got := counterValue(t, c.TransportErrors, "tcp"); got != 2 {
		t.Errorf("TransportErrors(tcp) = %v, want 2", got)
	}
	if got := counterValue(t, c.TransportErrors, "udp"); got != 1 {
		t.Errorf("TransportErrors(udp) = %v, want 1", got)
	}
}

func TestBenchmarkThroughputGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetBenchmarkThroughput("upload", 1024.5)
	c.SetBenchmarkThroughput("download", 2048.0)

	if got := gaugeValue(t, c.BenchmarkThroughputBytesPerSec, "upload"); got != 1024.5 {
		t.Errorf("BenchmarkThroughputBytesPerSec(upload) = %v, want 1024.5", got)
	}
	if got := gaugeValue(t, c.BenchmarkThroughputBytesPerSec, "download"); got != 2048.0 {
		t.Errorf("BenchmarkThroughputBytesPerSec(download) = %v, want 2048.0", got)
	}

	// A repeated Set overwrites rather than accumulates.
	c.SetBenchmarkThroughput("upload", 512.0)
	if got := gaugeValue(t, c.BenchmarkThroughputBytesPerSec, "upload"); got != 512.0 {
		t.Errorf("BenchmarkThroughputBytesPerSec(upload) after overwrite = %v, want 512.0", got)
	}
}

func TestMulticastReplyCounterAndHostsGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordMulticastReply("10.0.0.5", 1)
	c.RecordMulticastReply("10.0.0.5", 1)
	c.RecordMulticastReply("10.0.0.6", 2)

	if got := counterValue(t, c.MulticastReplies, "10.0.0.5"); got != 2 {
		t.Errorf("MulticastReplies(10.0.0.5) = %v, want 2", got)
	}
	if got := counterValue(t, c.MulticastReplies, "10.0.0.6"); got != 1 {
		t.Errorf("MulticastReplies(10.0.0.6) = %v, want 1", got)
	}

	m := &dto.Metric{}
	if err := c.MulticastHostsDiscovered.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 2 {
		t.Errorf("MulticastHostsDiscovered = %v, want 2 (last recorded value)", got)
	}
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
