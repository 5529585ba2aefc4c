package reload

import (
	"github.com/supporttools/net-probe/pkg/types"
)

// ConfigDiff represents the differences between two configurations.
type ConfigDiff struct {
	// ProbeFields names the probe target fields that changed, in declaration order.
	ProbeFields []string

	LoggingChanged bool
	MetricsChanged bool
	HealthChanged  bool
	ReloadChanged  bool
	HistoryChanged bool
}

// ComputeConfigDiff calculates the differences between old and new configurations.
func ComputeConfigDiff(oldConfig, newConfig *types.ProbeConfig) *ConfigDiff {
	diff := &ConfigDiff{
		ProbeFields: probeFieldChanges(&oldConfig.Probe, &newConfig.Probe),
	}

	diff.LoggingChanged = oldConfig.Settings.LogLevel != newConfig.Settings.LogLevel ||
		oldConfig.Settings.LogFormat != newConfig.Settings.LogFormat ||
		oldConfig.Settings.LogOutput != newConfig.Settings.LogOutput ||
		oldConfig.Settings.LogFile != newConfig.Settings.LogFile

	diff.MetricsChanged = !metricsEqual(&oldConfig.Metrics, &newConfig.Metrics)
	diff.HealthChanged = oldConfig.Health != newConfig.Health
	diff.ReloadChanged = oldConfig.Reload.Enabled != newConfig.Reload.Enabled ||
		oldConfig.Reload.DebounceInterval != newConfig.Reload.DebounceInterval
	diff.HistoryChanged = oldConfig.History != newConfig.History

	return diff
}

// ProbeChanged returns true if any probe target field changed.
func (d *ConfigDiff) ProbeChanged() bool {
	return len(d.ProbeFields) > 0
}

// HasChanges returns true if there are any configuration changes.
func (d *ConfigDiff) HasChanges() bool {
	return d.ProbeChanged() ||
		d.LoggingChanged ||
		d.MetricsChanged ||
		d.HealthChanged ||
		d.ReloadChanged ||
		d.HistoryChanged
}

// RequiresRestart returns true if a change only takes effect after a restart.
// Listener addresses, the history database and the watcher itself are bound at startup.
func (d *ConfigDiff) RequiresRestart() bool {
	return len(d.RestartSections()) > 0
}

// RestartSections names the changed sections that are bound at startup.
func (d *ConfigDiff) RestartSections() []string {
	var sections []string
	for _, s := range []struct {
		changed bool
		name    string
	}{
		{d.MetricsChanged, "metrics"},
		{d.HealthChanged, "health"},
		{d.ReloadChanged, "reload"},
		{d.HistoryChanged, "history"},
	} {
		if s.changed {
			sections = append(sections, s.name)
		}
	}
	return sections
}

// probeFieldChanges lists the probe fields that differ between a and b.
func probeFieldChanges(a, b *types.ProbeTarget) []string {
	changes := make([]string, 0)
	add := func(changed bool, field string) {
		if changed {
			changes = append(changes, field)
		}
	}

	add(a.Host != b.Host, "host")
	add(a.Port != b.Port, "port")
	add(a.Request != b.Request, "request")
	add(a.BufferSize != b.BufferSize, "bufferSize")
	add(a.Delay != b.Delay, "delay")
	add(a.DialTimeout != b.DialTimeout, "dialTimeout")
	add(a.ReadTimeout != b.ReadTimeout, "readTimeout")
	add(a.FailurePolicy != b.FailurePolicy, "failurePolicy")
	add(a.MaxIterations != b.MaxIterations, "maxIterations")
	add(a.TTL != b.TTL, "ttl")
	add(a.TOS != b.TOS, "tos")

	return changes
}

// metricsEqual checks if metrics configurations are equal.
func metricsEqual(a, b *types.MetricsConfig) bool {
	if a.Enabled != b.Enabled ||
		a.BindAddress != b.BindAddress ||
		a.Port != b.Port ||
		a.Path != b.Path ||
		a.Namespace != b.Namespace ||
		a.Subsystem != b.Subsystem ||
		len(a.Labels) != len(b.Labels) {
		return false
	}

	for k, v := range a.Labels {
		if bv, ok := b.Labels[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
