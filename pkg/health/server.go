// Package health serves liveness, readiness and status endpoints for the probe loop.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/net-probe/pkg/logger"
	"github.com/supporttools/net-probe/pkg/types"
)

const shutdownTimeout = 5 * time.Second

// Config contains configuration for the health server.
type Config struct {
	// BindAddress is the address to bind to (default: 0.0.0.0)
	BindAddress string

	// Port is the port to listen on (default: 8080)
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// StaleAfter fails liveness when no iteration was reported for this long.
	// Zero disables the check.
	StaleAfter time.Duration

	// Version is reported in /status metadata
	Version string
}

func (c *Config) applyDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = types.DefaultHealthBindAddress
	}
	if c.Port == 0 {
		c.Port = types.DefaultHealthPort
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Version == "" {
		c.Version = "unknown"
	}
}

// HealthCheck is a named liveness check.
type HealthCheck struct {
	Name  string
	Check func() error
}

// Check is the outcome of one HealthCheck.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Checks    []Check   `json:"checks,omitempty"`
}

// ReadinessResponse is the /ready body.
type ReadinessResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// StatusResponse is the /status body.
type StatusResponse struct {
	Healthy     bool                   `json:"healthy"`
	Ready       bool                   `json:"ready"`
	Uptime      string                 `json:"uptime"`
	LastUpdate  time.Time              `json:"lastUpdate"`
	LastSuccess time.Time              `json:"lastSuccess"`
	Counters    Counters               `json:"counters"`
	LastResult  *types.IterationResult `json:"lastResult,omitempty"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
}

// Server exposes a Tracker over HTTP and reports probe iterations into it.
type Server struct {
	config    Config
	tracker   *Tracker
	log       *logrus.Entry
	startTime time.Time

	mu      sync.RWMutex
	healthy bool
	checks  []HealthCheck
	extra   map[string]http.Handler
	srv     *http.Server
	addr    net.Addr
}

// NewServer creates a health server. Zero fields in config are defaulted in place.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.applyDefaults()

	s := &Server{
		config:    *config,
		tracker:   NewTracker(),
		log:       logger.ForComponent("health"),
		startTime: time.Now(),
		healthy:   true,
		extra:     make(map[string]http.Handler),
	}
	if config.StaleAfter > 0 {
		s.checks = append(s.checks, HealthCheck{Name: "probe-progress", Check: func() error {
			return s.tracker.Stalled(s.startTime, s.config.StaleAfter)
		}})
	}
	return s, nil
}

// Name returns the name of the health server.
func (s *Server) Name() string {
	return "health-server"
}

// Tracker returns the progress tracker backing the endpoints.
func (s *Server) Tracker() *Tracker {
	return s.tracker
}

// ReportIteration implements types.Reporter.
func (s *Server) ReportIteration(ctx context.Context, result *types.IterationResult) error {
	return s.tracker.Record(result)
}

// SetHealthy sets the overall liveness flag.
func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	s.healthy = healthy
	s.mu.Unlock()
}

// SetReady overrides readiness.
func (s *Server) SetReady(ready bool) {
	s.tracker.SetReady(ready)
}

// AddHealthCheck adds a liveness check evaluated on every /healthz request.
func (s *Server) AddHealthCheck(name string, check func() error) {
	s.mu.Lock()
	s.checks = append(s.checks, HealthCheck{Name: name, Check: check})
	s.mu.Unlock()
}

// Handle mounts an additional handler. It must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	s.extra[pattern] = h
	s.mu.Unlock()
}

// Handler returns the mux serving /healthz, /ready, /status and any
// handlers added with Handle.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", getOnly(s.handleHealthz))
	mux.Handle("/ready", getOnly(s.handleReady))
	mux.Handle("/status", getOnly(s.handleStatus))

	s.mu.RLock()
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}
	s.mu.RUnlock()
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return fmt.Errorf("health server already started")
	}

	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.srv = srv
	s.addr = listener.Addr()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Health server failed")
		}
	}()

	s.log.WithField("address", s.addr.String()).Info("Health server started")
	return nil
}

// Stop shuts the listener down. It is a no-op if the server is not running.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown health server: %w", err)
	}
	s.log.Info("Health server stopped")
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// live evaluates the liveness flag and every registered check.
func (s *Server) live() (bool, []Check) {
	s.mu.RLock()
	healthy := s.healthy
	registered := append([]HealthCheck(nil), s.checks...)
	s.mu.RUnlock()

	checks := make([]Check, 0, len(registered))
	for _, hc := range registered {
		c := Check{Name: hc.Name, Status: "ok"}
		if err := hc.Check(); err != nil {
			c.Status, c.Error = "failed", err.Error()
			healthy = false
		}
		checks = append(checks, c)
	}
	return healthy, checks
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy, checks := s.live()
	resp := HealthResponse{Status: "ok", Timestamp: time.Now(), Uptime: s.uptime(), Checks: checks}
	if !healthy {
		resp.Status = "unhealthy"
	}
	writeJSON(w, statusCode(healthy), resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.tracker.Progress().Ready
	resp := ReadinessResponse{Ready: ready, Timestamp: time.Now(), Message: "Ready"}
	if !ready {
		resp.Message = "Not ready: no successful probe iteration yet"
	}
	writeJSON(w, statusCode(ready), resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	healthy, _ := s.live()
	p := s.tracker.Progress()
	writeJSON(w, http.StatusOK, StatusResponse{
		Healthy:     healthy,
		Ready:       p.Ready,
		Uptime:      s.uptime(),
		LastUpdate:  p.LastUpdate,
		LastSuccess: p.LastSuccess,
		Counters:    p.Counters,
		LastResult:  p.LastResult,
		Metadata: map[string]string{
			"version":    s.config.Version,
			"started_at": s.startTime.Format(time.RFC3339),
		},
	})
}

func (s *Server) uptime() string {
	return time.Since(s.startTime).Round(time.Second).String()
}

func statusCode(ok bool) int {
	if ok {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// getOnly rejects methods other than GET and HEAD.
func getOnly(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		h(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
