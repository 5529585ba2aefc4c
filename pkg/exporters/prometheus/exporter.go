// Package prometheus publishes probe iteration results as Prometheus metrics.
package prometheus

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/net-probe/pkg/logger"
	"github.com/supporttools/net-probe/pkg/types"
)

const shutdownTimeout = 30 * time.Second

// Exporter records probe iterations in a Prometheus registry and serves it over HTTP.
type Exporter struct {
	config    types.MetricsConfig
	version   string
	registry  *prometheus.Registry
	metrics   *Metrics
	server    *metricsServer
	log       *logrus.Entry
	startTime time.Time

	mu          sync.Mutex
	started     bool
	consecutive map[string]int
}

// NewExporter creates a Prometheus exporter with the given configuration
func NewExporter(config types.MetricsConfig, version string) (*Exporter, error) {
	if !config.Enabled {
		return nil, fmt.Errorf("Prometheus exporter is disabled")
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if version == "" {
		version = "unknown"
	}

	log := logger.ForComponent("prometheus")

	constLabels := make(prometheus.Labels, len(config.Labels))
	for k, v := range config.Labels {
		constLabels[k] = v
	}

	registry := NewRegistry()
	metrics, err := NewMetrics(config.Namespace, config.Subsystem, constLabels)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	if err := metrics.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	server, err := newMetricsServer(config.Path, config.Namespace, registry, log)
	if err != nil {
		return nil, err
	}

	e := &Exporter{
		config:      config,
		version:     version,
		registry:    registry,
		metrics:     metrics,
		server:      server,
		log:         log,
		startTime:   time.Now(),
		consecutive: make(map[string]int),
	}
	e.initializeStaticMetrics()

	log.WithFields(logrus.Fields{
		"port":      config.Port,
		"namespace": config.Namespace,
	}).Info("Created Prometheus exporter")

	return e, nil
}

// Start binds the metrics HTTP server.
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("Prometheus exporter already started")
	}

	addr := net.JoinHostPort(e.config.BindAddress, strconv.Itoa(e.config.Port))
	if err := e.server.listen(addr); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	e.started = true

	e.log.WithField("address", e.server.addr.String()+e.config.Path).Info("Prometheus exporter started")
	return nil
}

// Stop gracefully stops the metrics HTTP server.
func (e *Exporter) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}

	e.started = false
	return e.server.shutdown(shutdownTimeout)
}

// Addr returns the address the server is listening on, or nil before Start.
func (e *Exporter) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.server.addr
}

// Handler returns the HTTP handler serving the metrics path and /health.
func (e *Exporter) Handler() http.Handler {
	return e.server.handler
}

// Registry returns the exporter's registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// ReportIteration implements types.Reporter.
func (e *Exporter) ReportIteration(ctx context.Context, result *types.IterationResult) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}

	host := result.Endpoint.Hostname
	m := e.metrics

	for stage, d := range result.Durations {
		m.StageDuration.WithLabelValues(host, string(stage)).Observe(d.Seconds())
	}
	m.BytesSentTotal.WithLabelValues(host).Add(float64(result.BytesSent))
	m.BytesReceivedTotal.WithLabelValues(host).Add(float64(result.BytesReceived))

	e.mu.Lock()
	defer e.mu.Unlock()

	if result.Succeeded() {
		m.IterationsTotal.WithLabelValues(host, "success").Inc()
		m.LastSuccessTimestamp.WithLabelValues(host).Set(float64(result.FinishedAt.Unix()))
		if result.EmptyResponse() {
			m.EmptyResponsesTotal.WithLabelValues(host).Inc()
		}
		e.consecutive[host] = 0
	} else {
		m.IterationsTotal.WithLabelValues(host, "failure").Inc()
		m.FailuresTotal.WithLabelValues(host, string(result.Stage)).Inc()
		e.consecutive[host]++
	}
	m.ConsecutiveFailures.WithLabelValues(host).Set(float64(e.consecutive[host]))

	return nil
}

// initializeStaticMetrics sets up metrics that don't change after startup
func (e *Exporter) initializeStaticMetrics() {
	e.metrics.StartTimeSeconds.Set(float64(e.startTime.Unix()))
	e.metrics.Info.WithLabelValues(e.version, runtime.Version()).Set(1)
}
