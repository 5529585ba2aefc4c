package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	if _, err := NewMetrics("", "", nil); err == nil {
		t.Error("expected error for empty namespace")
	}

	m, err := NewMetrics("net_probe", "", prometheus.Labels{"zone": "a"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	if len(m.collectors()) != 10 {
		t.Errorf("expected 10 collectors, got %d", len(m.collectors()))
	}
}

func TestMetricsRegister(t *testing.T) {
	m, err := NewMetrics("net_probe", "", nil)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	registry := prometheus.NewRegistry()

	if err := m.Register(registry); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(registry); err == nil {
		t.Error("registering twice should fail")
	}

	m.Unregister(registry)
	if err := m.Register(registry); err != nil {
		t.Errorf("Register() after Unregister error = %v", err)
	}
}

func TestMetricNames(t *testing.T) {
	m, err := NewMetrics("net_probe", "edge", prometheus.Labels{"zone": "a"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	registry := prometheus.NewRegistry()
	if err := m.Register(registry); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.IterationsTotal.WithLabelValues("example.org", "success").Inc()
	m.StageDuration.WithLabelValues("example.org", "connect").Observe(0.02)
	m.StartTimeSeconds.Set(1)

	for _, name := range []string{
		"net_probe_edge_iterations_total",
		"net_probe_edge_stage_duration_seconds",
		"net_probe_edge_start_time_seconds",
	} {
		if n, err := testutil.GatherAndCount(registry, name); err != nil || n != 1 {
			t.Errorf("GatherAndCount(%s) = %d, %v; want 1 series", name, n, err)
		}
	}
}
