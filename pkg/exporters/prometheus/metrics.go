package prometheus

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// stageDurationBuckets cover loopback connects through slow WAN round trips.
var stageDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics contains all the Prometheus metrics published by the probe
type Metrics struct {
	// Counter metrics
	IterationsTotal     *prometheus.CounterVec
	FailuresTotal       *prometheus.CounterVec
	BytesSentTotal      *prometheus.CounterVec
	BytesReceivedTotal  *prometheus.CounterVec
	EmptyResponsesTotal *prometheus.CounterVec

	// Gauge metrics
	ConsecutiveFailures  *prometheus.GaugeVec
	LastSuccessTimestamp *prometheus.GaugeVec
	Info                 *prometheus.GaugeVec
	StartTimeSeconds     prometheus.Gauge

	// Histogram metrics
	StageDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with all metric definitions
func NewMetrics(namespace, subsystem string, constLabels prometheus.Labels) (*Metrics, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	labels := make(prometheus.Labels, len(constLabels))
	for k, v := range constLabels {
		labels[k] = v
	}

	counter := func(name, help string, labelNames ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, labelNames)
	}
	gauge := func(name, help string, labelNames ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, labelNames)
	}

	m := &Metrics{
		IterationsTotal: counter("iterations_total",
			"Total number of probe iterations by result (success or failure)", "host", "result"),
		FailuresTotal: counter("failures_total",
			"Total number of failed probe iterations by failing stage", "host", "stage"),
		BytesSentTotal: counter("bytes_sent_total",
			"Total number of request bytes written to the target", "host"),
		BytesReceivedTotal: counter("bytes_received_total",
			"Total number of response bytes read from the target", "host"),
		EmptyResponsesTotal: counter("empty_responses_total",
			"Total number of iterations where the peer closed without sending data", "host"),

		ConsecutiveFailures: gauge("consecutive_failures",
			"Number of failed iterations since the last success", "host"),
		LastSuccessTimestamp: gauge("last_success_timestamp_seconds",
			"Unix timestamp of the last successful iteration", "host"),
		Info: gauge("info",
			"Net Probe version and build information", "version", "go_version"),
		StartTimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "start_time_seconds",
			Help:        "Unix timestamp when Net Probe was started",
			ConstLabels: labels,
		}),

		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "stage_duration_seconds",
			Help:        "Duration of each probe stage in seconds",
			ConstLabels: labels,
			Buckets:     stageDurationBuckets,
		}, []string{"host", "stage"}),
	}

	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.IterationsTotal,
		m.FailuresTotal,
		m.BytesSentTotal,
		m.BytesReceivedTotal,
		m.EmptyResponsesTotal,
		m.ConsecutiveFailures,
		m.LastSuccessTimestamp,
		m.Info,
		m.StartTimeSeconds,
		m.StageDuration,
	}
}

// Register registers all metrics with the provided registry
func (m *Metrics) Register(registry *prometheus.Registry) error {
	for _, collector := range m.collectors() {
		if err := registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return nil
}

// Unregister removes all metrics from the provided registry
func (m *Metrics) Unregister(registry *prometheus.Registry) {
	for _, collector := range m.collectors() {
		registry.Unregister(collector)
	}
}
