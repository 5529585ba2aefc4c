// Package types defines configuration types for Net Probe.
package types

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Package-level defaults
const (
	DefaultAPIVersion         = "net-probe.io/v1alpha1"
	DefaultKind               = "ProbeConfig"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultLogOutput          = "stdout"
	DefaultShutdownTimeout    = "30s"
	DefaultHost               = "example.org"
	DefaultPort               = 80
	DefaultBufferSize         = 1024
	DefaultDelay              = "3s"
	DefaultDialTimeout        = "10s"
	DefaultReadTimeout        = "10s"
	DefaultFailurePolicy      = FailurePolicyAbort
	DefaultMetricsBindAddress = "0.0.0.0"
	DefaultMetricsPort        = 9101
	DefaultMetricsPath        = "/metrics"
	DefaultMetricsNamespace   = "net_probe"
	DefaultHealthBindAddress  = "0.0.0.0"
	DefaultHealthPort         = 8080
	DefaultDebounceInterval   = "500ms"
	DefaultHistoryPath        = "/var/lib/net-probe/history.db"
	DefaultHistoryRetention   = "24h"
	DefaultHistoryCleanup     = "10m"
	MaxBufferSize             = 64 * 1024
	MaxPort                   = 65535
	MaxIPv4TTL                = 255
	MaxIPv4TOS                = 255
)

// Package-level variables for validation
var (
	// Prometheus namespace validation regex
	prometheusNamespaceRegex = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

	validLogLevels = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}

	validLogFormats = map[string]bool{
		"json": true,
		"text": true,
	}

	validLogOutputs = map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}

	validFailurePolicies = map[FailurePolicy]bool{
		FailurePolicyAbort:    true,
		FailurePolicyContinue: true,
	}

	// MinDialTimeout is the smallest connect timeout accepted.
	MinDialTimeout = 100 * time.Millisecond
)

// DefaultRequest builds the literal HTTP/1.1 GET request sent to host.
func DefaultRequest(host string) string {
	return fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\n\r\n", host)
}

// ProbeConfig is the top-level configuration structure.
type ProbeConfig struct {
	// APIVersion of the configuration schema
	APIVersion string `json:"apiVersion" yaml:"apiVersion"`

	// Kind of resource (always "ProbeConfig")
	Kind string `json:"kind" yaml:"kind"`

	// Metadata contains name and labels
	Metadata ConfigMetadata `json:"metadata" yaml:"metadata"`

	// Settings contains process-wide configuration
	Settings GlobalSettings `json:"settings" yaml:"settings"`

	// Probe describes the target and the loop behavior
	Probe ProbeTarget `json:"probe" yaml:"probe"`

	// Metrics contains the Prometheus exporter configuration
	Metrics MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// Health contains the health server configuration
	Health HealthConfig `json:"health,omitempty" yaml:"health,omitempty"`

	// Reload contains configuration hot reload settings
	Reload ReloadConfig `json:"reload,omitempty" yaml:"reload,omitempty"`

	// History contains the iteration history store settings
	History HistoryConfig `json:"history,omitempty" yaml:"history,omitempty"`
}

// ConfigMetadata contains metadata about the configuration.
type ConfigMetadata struct {
	Name   string            `json:"name" yaml:"name"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// GlobalSettings contains process-wide settings.
type GlobalSettings struct {
	// Logging configuration
	LogLevel  string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	LogFormat string `json:"logFormat,omitempty" yaml:"logFormat,omitempty"`
	LogOutput string `json:"logOutput,omitempty" yaml:"logOutput,omitempty"`
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`

	// RequireNetwork makes a failed network preflight fatal
	RequireNetwork bool `json:"requireNetwork,omitempty" yaml:"requireNetwork,omitempty"`

	ShutdownTimeoutString string        `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty"`
	ShutdownTimeout       time.Duration `json:"-" yaml:"-"`
}

// ProbeTarget configures the probe loop.
type ProbeTarget struct {
	// Host is resolved at the start of every iteration
	Host string `json:"host" yaml:"host"`

	// Port is the TCP port to connect to
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Request is the literal payload written after connect.
	// Defaults to a minimal HTTP/1.1 GET with a Host header. In config files
	// references to set variables are expanded; write $$ for a literal $.
	Request string `json:"request,omitempty" yaml:"request,omitempty"`

	// BufferSize is the capacity of the reused transfer buffer
	BufferSize int `json:"bufferSize,omitempty" yaml:"bufferSize,omitempty"`

	// Intervals and timeouts (stored as strings)
	DelayString       string `json:"delay,omitempty" yaml:"delay,omitempty"`
	DialTimeoutString string `json:"dialTimeout,omitempty" yaml:"dialTimeout,omitempty"`
	ReadTimeoutString string `json:"readTimeout,omitempty" yaml:"readTimeout,omitempty"`

	// Parsed duration fields
	Delay       time.Duration `json:"-" yaml:"-"`
	DialTimeout time.Duration `json:"-" yaml:"-"`
	ReadTimeout time.Duration `json:"-" yaml:"-"`

	// FailurePolicy is "abort" or "continue"
	FailurePolicy FailurePolicy `json:"failurePolicy,omitempty" yaml:"failurePolicy,omitempty"`

	// MaxIterations stops the loop after this many iterations; 0 means unbounded
	MaxIterations uint64 `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`

	// TTL and TOS set IPv4 header fields on the probe connection; 0 keeps the OS default
	TTL int `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	TOS int `json:"tos,omitempty" yaml:"tos,omitempty"`
}

// MetricsConfig contains Prometheus exporter configuration.
type MetricsConfig struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	BindAddress string            `json:"bindAddress,omitempty" yaml:"bindAddress,omitempty"`
	Port        int               `json:"port,omitempty" yaml:"port,omitempty"`
	Path        string            `json:"path,omitempty" yaml:"path,omitempty"`
	Namespace   string            `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Subsystem   string            `json:"subsystem,omitempty" yaml:"subsystem,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// HealthConfig contains health server configuration.
type HealthConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	BindAddress string `json:"bindAddress,omitempty" yaml:"bindAddress,omitempty"`
	Port        int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// ReloadConfig contains configuration hot reload settings.
type ReloadConfig struct {
	// Enabled indicates whether hot reload is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// DebounceIntervalString is the debounce interval as a string (e.g., "500ms")
	DebounceIntervalString string `json:"debounceInterval,omitempty" yaml:"debounceInterval,omitempty"`

	// DebounceInterval is the parsed debounce duration
	DebounceInterval time.Duration `json:"-" yaml:"-"`
}

// HistoryConfig contains settings for the SQLite iteration history.
type HistoryConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Path is the database file; ":memory:" keeps history in memory
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	RetentionString string        `json:"retention,omitempty" yaml:"retention,omitempty"`
	Retention       time.Duration `json:"-" yaml:"-"`

	CleanupIntervalString string        `json:"cleanupInterval,omitempty" yaml:"cleanupInterval,omitempty"`
	CleanupInterval       time.Duration `json:"-" yaml:"-"`
}

// ApplyDefaults applies default values to the configuration.
func (c *ProbeConfig) ApplyDefaults() error {
	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}
	if c.Kind == "" {
		c.Kind = DefaultKind
	}

	if err := c.Settings.ApplyDefaults(); err != nil {
		return fmt.Errorf("failed to apply defaults to settings: %w", err)
	}
	if err := c.Probe.ApplyDefaults(); err != nil {
		return fmt.Errorf("failed to apply defaults to probe: %w", err)
	}
	c.Metrics.ApplyDefaults()
	c.Health.ApplyDefaults()
	if err := c.Reload.ApplyDefaults(); err != nil {
		return fmt.Errorf("failed to apply defaults to reload: %w", err)
	}
	if err := c.History.ApplyDefaults(); err != nil {
		return fmt.Errorf("failed to apply defaults to history: %w", err)
	}

	return nil
}

// ApplyDefaults applies default values to GlobalSettings.
func (s *GlobalSettings) ApplyDefaults() error {
	if s.LogLevel == "" {
		s.LogLevel = DefaultLogLevel
	}
	if s.LogFormat == "" {
		s.LogFormat = DefaultLogFormat
	}
	if s.LogOutput == "" {
		s.LogOutput = DefaultLogOutput
	}
	if s.ShutdownTimeoutString == "" {
		s.ShutdownTimeoutString = DefaultShutdownTimeout
	}

	var err error
	s.ShutdownTimeout, err = time.ParseDuration(s.ShutdownTimeoutString)
	if err != nil {
		return fmt.Errorf("invalid shutdownTimeout %q: %w", s.ShutdownTimeoutString, err)
	}

	return nil
}

// ApplyDefaults applies default values to ProbeTarget.
// The request literal is derived from Host when not set, so it must run
// after any host override.
func (p *ProbeTarget) ApplyDefaults() error {
	if p.Host == "" {
		p.Host = DefaultHost
	}
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.Request == "" {
		p.Request = DefaultRequest(p.Host)
	}
	if p.BufferSize == 0 {
		p.BufferSize = DefaultBufferSize
	}
	if p.DelayString == "" {
		p.DelayString = DefaultDelay
	}
	if p.DialTimeoutString == "" {
		p.DialTimeoutString = DefaultDialTimeout
	}
	if p.ReadTimeoutString == "" {
		p.ReadTimeoutString = DefaultReadTimeout
	}
	if p.FailurePolicy == "" {
		p.FailurePolicy = DefaultFailurePolicy
	}
	p.FailurePolicy = FailurePolicy(strings.ToLower(string(p.FailurePolicy)))

	// Parse durations
	var err error
	p.Delay, err = time.ParseDuration(p.DelayString)
	if err != nil {
		return fmt.Errorf("invalid delay %q: %w", p.DelayString, err)
	}
	p.DialTimeout, err = time.ParseDuration(p.DialTimeoutString)
	if err != nil {
		return fmt.Errorf("invalid dialTimeout %q: %w", p.DialTimeoutString, err)
	}
	p.ReadTimeout, err = time.ParseDuration(p.ReadTimeoutString)
	if err != nil {
		return fmt.Errorf("invalid readTimeout %q: %w", p.ReadTimeoutString, err)
	}

	return nil
}

// ApplyDefaults applies default values to MetricsConfig.
func (m *MetricsConfig) ApplyDefaults() {
	if m.BindAddress == "" {
		m.BindAddress = DefaultMetricsBindAddress
	}
	if m.Port == 0 {
		m.Port = DefaultMetricsPort
	}
	if m.Path == "" {
		m.Path = DefaultMetricsPath
	}
	if m.Namespace == "" {
		m.Namespace = DefaultMetricsNamespace
	}
}

// ApplyDefaults applies default values to HealthConfig.
func (h *HealthConfig) ApplyDefaults() {
	if h.BindAddress == "" {
		h.BindAddress = DefaultHealthBindAddress
	}
	if h.Port == 0 {
		h.Port = DefaultHealthPort
	}
}

// ApplyDefaults applies default values to reload configuration.
func (r *ReloadConfig) ApplyDefaults() error {
	if r.DebounceIntervalString == "" {
		r.DebounceIntervalString = DefaultDebounceInterval
	}

	duration, err := time.ParseDuration(r.DebounceIntervalString)
	if err != nil {
		return fmt.Errorf("invalid debounceInterval %q: %w", r.DebounceIntervalString, err)
	}
	r.DebounceInterval = duration

	return nil
}

// ApplyDefaults applies default values to HistoryConfig.
func (h *HistoryConfig) ApplyDefaults() error {
	if h.Path == "" {
		h.Path = DefaultHistoryPath
	}
	if h.RetentionString == "" {
		h.RetentionString = DefaultHistoryRetention
	}
	if h.CleanupIntervalString == "" {
		h.CleanupIntervalString = DefaultHistoryCleanup
	}

	var err error
	h.Retention, err = time.ParseDuration(h.RetentionString)
	if err != nil {
		return fmt.Errorf("invalid retention %q: %w", h.RetentionString, err)
	}
	h.CleanupInterval, err = time.ParseDuration(h.CleanupIntervalString)
	if err != nil {
		return fmt.Errorf("invalid cleanupInterval %q: %w", h.CleanupIntervalString, err)
	}
	return nil
}

// Validate validates the entire configuration.
func (c *ProbeConfig) Validate() error {
	if c.Kind != DefaultKind {
		return fmt.Errorf("invalid kind %q, must be %q", c.Kind, DefaultKind)
	}

	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("settings validation failed: %w", err)
	}
	if err := c.Probe.Validate(); err != nil {
		return fmt.Errorf("probe validation failed: %w", err)
	}
	if c.Metrics.Enabled {
		if err := c.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics validation failed: %w", err)
		}
	}
	if c.Health.Enabled {
		if err := c.Health.Validate(); err != nil {
			return fmt.Errorf("health validation failed: %w", err)
		}
	}
	if c.Metrics.Enabled && c.Health.Enabled && c.Metrics.Port == c.Health.Port {
		return fmt.Errorf("metrics and health servers cannot share port %d", c.Metrics.Port)
	}
	if c.Reload.Enabled && c.Reload.DebounceInterval <= 0 {
		return fmt.Errorf("reload debounceInterval must be positive, got %v", c.Reload.DebounceInterval)
	}
	if c.History.Enabled {
		if err := c.History.Validate(); err != nil {
			return fmt.Errorf("history validation failed: %w", err)
		}
	}

	return nil
}

// Validate validates GlobalSettings.
func (s *GlobalSettings) Validate() error {
	if !validLogLevels[s.LogLevel] {
		return fmt.Errorf("invalid logLevel %q, must be one of: debug, info, warn, error, fatal", s.LogLevel)
	}
	if !validLogFormats[s.LogFormat] {
		return fmt.Errorf("invalid logFormat %q, must be one of: json, text", s.LogFormat)
	}
	if !validLogOutputs[s.LogOutput] {
		return fmt.Errorf("invalid logOutput %q, must be one of: stdout, stderr, file", s.LogOutput)
	}
	if s.LogOutput == "file" && s.LogFile == "" {
		return fmt.Errorf("logFile is required when logOutput is 'file'")
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdownTimeout must be positive, got %v", s.ShutdownTimeout)
	}
	return nil
}

// Validate validates ProbeTarget.
func (p *ProbeTarget) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if strings.ContainsAny(p.Host, " /:") {
		return fmt.Errorf("invalid host %q: must be a hostname or IPv4 address", p.Host)
	}
	if p.Port < 1 || p.Port > MaxPort {
		return fmt.Errorf("port must be between 1 and %d, got %d", MaxPort, p.Port)
	}
	if p.Request == "" {
		return fmt.Errorf("request cannot be empty")
	}
	if p.BufferSize < 1 || p.BufferSize > MaxBufferSize {
		return fmt.Errorf("bufferSize must be between 1 and %d, got %d", MaxBufferSize, p.BufferSize)
	}
	if p.Delay < 0 {
		return fmt.Errorf("delay cannot be negative, got %v", p.Delay)
	}
	if p.DialTimeout < MinDialTimeout {
		return fmt.Errorf("dialTimeout %v is below minimum threshold of %v", p.DialTimeout, MinDialTimeout)
	}
	if p.ReadTimeout <= 0 {
		return fmt.Errorf("readTimeout must be positive, got %v", p.ReadTimeout)
	}
	if !validFailurePolicies[p.FailurePolicy] {
		return fmt.Errorf("invalid failurePolicy %q, must be one of: abort, continue", p.FailurePolicy)
	}
	if p.TTL < 0 || p.TTL > MaxIPv4TTL {
		return fmt.Errorf("ttl must be between 0 and %d, got %d", MaxIPv4TTL, p.TTL)
	}
	if p.TOS < 0 || p.TOS > MaxIPv4TOS {
		return fmt.Errorf("tos must be between 0 and %d, got %d", MaxIPv4TOS, p.TOS)
	}
	return nil
}

// Validate validates MetricsConfig.
func (m *MetricsConfig) Validate() error {
	if m.Port < 1 || m.Port > MaxPort {
		return fmt.Errorf("port must be between 1 and %d, got %d", MaxPort, m.Port)
	}
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("path must start with '/', got %q", m.Path)
	}
	if !prometheusNamespaceRegex.MatchString(m.Namespace) {
		return fmt.Errorf("invalid namespace %q", m.Namespace)
	}
	if m.Subsystem != "" && !prometheusNamespaceRegex.MatchString(m.Subsystem) {
		return fmt.Errorf("invalid subsystem %q", m.Subsystem)
	}
	return nil
}

// Validate validates HealthConfig.
func (h *HealthConfig) Validate() error {
	if h.Port < 1 || h.Port > MaxPort {
		return fmt.Errorf("port must be between 1 and %d, got %d", MaxPort, h.Port)
	}
	return nil
}

// Validate validates HistoryConfig.
func (h *HistoryConfig) Validate() error {
	if strings.TrimSpace(h.Path) == "" {
		return fmt.Errorf("path is required")
	}
	if h.Retention <= 0 {
		return fmt.Errorf("retention must be positive, got %v", h.Retention)
	}
	if h.CleanupInterval <= 0 {
		return fmt.Errorf("cleanupInterval must be positive, got %v", h.CleanupInterval)
	}
	return nil
}

// SubstituteEnvVars expands environment references in the path, host and
// label fields of a configuration built in code. Files loaded through
// util.DecodeConfig are expanded as a whole instead.
func (c *ProbeConfig) SubstituteEnvVars() {
	c.Settings.LogFile = ExpandEnv(c.Settings.LogFile)
	c.History.Path = ExpandEnv(c.History.Path)
	c.Probe.Host = ExpandEnv(c.Probe.Host)
	for k, v := range c.Metrics.Labels {
		c.Metrics.Labels[k] = ExpandEnv(v)
	}
}

var envReference = regexp.MustCompile(`\$\$|\$\{[A-Za-z_][A-Za-z0-9_]*\}|\$[A-Za-z_][A-Za-z0-9_]*`)

// ExpandEnv replaces $VAR and ${VAR} with the variable's value. References to
// unset variables and any other $ are kept as written; $$ yields a literal $.
func ExpandEnv(s string) string {
	return envReference.ReplaceAllStringFunc(s, func(ref string) string {
		if ref == "$$" {
			return "$"
		}
		if v, ok := os.LookupEnv(strings.Trim(ref[1:], "{}")); ok {
			return v
		}
		return ref
	})
}
