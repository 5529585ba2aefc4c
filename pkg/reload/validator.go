package reload

import (
	"fmt"
	"strings"

	"github.com/supporttools/net-probe/pkg/types"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string // Field path (e.g., "probe.port")
	Message string // Human-readable error message
}

// ValidationResult contains the result of configuration validation
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

// ConfigValidator checks a reloaded configuration before it replaces the
// running one. Unlike ProbeConfig.Validate, which stops at the first problem,
// it reports every field it rejects.
type ConfigValidator struct {
	// maxRequestSize bounds the request literal.
	maxRequestSize int
}

// NewConfigValidator creates a new configuration validator with default limits
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{maxRequestSize: 8 * 1024}
}

// Validate validates a reloaded configuration
func (v *ConfigValidator) Validate(config *types.ProbeConfig) *ValidationResult {
	result := &ValidationResult{Valid: true, Errors: []ValidationError{}}

	if config == nil {
		v.addError(result, "config", "configuration cannot be nil")
		return result
	}

	if config.Kind != types.DefaultKind {
		v.addError(result, "kind", fmt.Sprintf("kind must be %q", types.DefaultKind))
	}

	if err := config.Settings.Validate(); err != nil {
		v.addError(result, "settings", err.Error())
	}

	v.validateProbe(&config.Probe, result)

	if config.Metrics.Enabled {
		if err := config.Metrics.Validate(); err != nil {
			v.addError(result, "metrics", err.Error())
		}
	}
	if config.Health.Enabled {
		if err := config.Health.Validate(); err != nil {
			v.addError(result, "health", err.Error())
		}
	}
	if config.History.Enabled {
		if err := config.History.Validate(); err != nil {
			v.addError(result, "history", err.Error())
		}
	}

	return result
}

// validateProbe checks each probe field independently.
func (v *ConfigValidator) validateProbe(p *types.ProbeTarget, result *ValidationResult) {
	single := func(field string, mutate func(t *types.ProbeTarget)) {
		// Validate a copy where only this field may be invalid.
		probe := types.ProbeTarget{
			Host: "example.org", Port: types.DefaultPort, Request: "x",
			BufferSize: types.DefaultBufferSize, DialTimeout: types.MinDialTimeout,
			ReadTimeout: types.MinDialTimeout, FailurePolicy: types.FailurePolicyAbort,
		}
		mutate(&probe)
		if err := probe.Validate(); err != nil {
			v.addError(result, "probe."+field, err.Error())
		}
	}

	single("host", func(t *types.ProbeTarget) { t.Host = p.Host })
	single("port", func(t *types.ProbeTarget) { t.Port = p.Port })
	single("request", func(t *types.ProbeTarget) { t.Request = p.Request })
	single("bufferSize", func(t *types.ProbeTarget) { t.BufferSize = p.BufferSize })
	single("delay", func(t *types.ProbeTarget) { t.Delay = p.Delay })
	single("dialTimeout", func(t *types.ProbeTarget) { t.DialTimeout = p.DialTimeout })
	single("readTimeout", func(t *types.ProbeTarget) { t.ReadTimeout = p.ReadTimeout })
	single("failurePolicy", func(t *types.ProbeTarget) { t.FailurePolicy = p.FailurePolicy })
	single("ttl", func(t *types.ProbeTarget) { t.TTL = p.TTL })
	single("tos", func(t *types.ProbeTarget) { t.TOS = p.TOS })

	if len(p.Request) > v.maxRequestSize {
		v.addError(result, "probe.request",
			fmt.Sprintf("request is %d bytes, max %d", len(p.Request), v.maxRequestSize))
	}
}

func (v *ConfigValidator) addError(result *ValidationResult, field, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{Field: field, Message: message})
}

// FormatValidationErrors formats validation errors into a single message
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}

	messages := make([]string, 0, len(errors))
	for _, err := range errors {
		messages = append(messages, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return strings.Join(messages, "; ")
}
