package reload

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/supporttools/net-probe/pkg/types"
)

func TestConfigValidator_Valid(t *testing.T) {
	result := NewConfigValidator().Validate(defaultedConfig(t))
	assert.True(t, result.Valid, FormatValidationErrors(result.Errors))
	assert.Empty(t, result.Errors)
}

func TestConfigValidator_Nil(t *testing.T) {
	result := NewConfigValidator().Validate(nil)
	assert.False(t, result.Valid)
	assert.Equal(t, "config", result.Errors[0].Field)
}

func TestConfigValidator_ReportsEveryField(t *testing.T) {
	config := defaultedConfig(t)
	config.Kind = "Other"
	config.Probe.Port = 0
	config.Probe.FailurePolicy = "retry"
	config.Probe.DialTimeout = time.Millisecond
	config.Metrics.Path = "metrics"

	result := NewConfigValidator().Validate(config)

	assert.False(t, result.Valid)
	fields := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"kind", "probe.port", "probe.dialTimeout", "probe.failurePolicy", "metrics"}, fields)
}

func TestConfigValidator_RequestSize(t *testing.T) {
	config := defaultedConfig(t)
	config.Probe.Request = strings.Repeat("A", 9*1024)

	result := NewConfigValidator().Validate(config)

	assert.False(t, result.Valid)
	assert.Equal(t, "probe.request", result.Errors[0].Field)
	assert.Contains(t, result.Errors[0].Message, "max 8192")
}

func TestFormatValidationErrors(t *testing.T) {
	assert.Equal(t, "", FormatValidationErrors(nil))
	assert.Equal(t, "probe.port: bad; kind: wrong", FormatValidationErrors([]ValidationError{
		{Field: "probe.port", Message: "bad"},
		{Field: "kind", Message: "wrong"},
	}))
}

func TestConfigValidator_DisabledSectionsSkipped(t *testing.T) {
	config := defaultedConfig(t)
	config.Metrics = types.MetricsConfig{Enabled: false, Path: "bad"}
	config.Health = types.HealthConfig{Enabled: false, Port: -1}

	assert.True(t, NewConfigValidator().Validate(config).Valid)
}
