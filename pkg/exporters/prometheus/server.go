package prometheus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NewRegistry returns a private registry preloaded with the Go runtime and
// process collectors.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// metricsServer serves a registry on a single path.
type metricsServer struct {
	path    string
	handler http.Handler
	log     *logrus.Entry

	srv  *http.Server
	addr net.Addr
}

func newMetricsServer(path, namespace string, gatherer prometheus.Gatherer, log *logrus.Entry) (*metricsServer, error) {
	if gatherer == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          log,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"service":   "prometheus-exporter",
			"namespace": namespace,
		})
	})

	return &metricsServer{path: path, handler: mux, log: log}, nil
}

// listen binds addr and serves in the background. Bind errors are returned.
func (m *metricsServer) listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      m.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	m.srv, m.addr = srv, listener.Addr()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.WithError(err).Error("Metrics server error")
		}
	}()
	return nil
}

// shutdown drains in-flight scrapes for up to timeout.
func (m *metricsServer) shutdown(timeout time.Duration) error {
	if m.srv == nil {
		return nil
	}
	srv := m.srv
	m.srv = nil

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		m.log.WithError(err).Warn("Metrics server shutdown error")
		return err
	}
	m.log.Info("Metrics server stopped")
	return nil
}
