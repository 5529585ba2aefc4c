package reload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/net-probe/pkg/logger"
	"github.com/supporttools/net-probe/pkg/types"
	"github.com/supporttools/net-probe/pkg/util"
)

// ErrReloadInProgress is returned by TriggerReload while another reload runs.
var ErrReloadInProgress = errors.New("reload already in progress")

// ReloadCallback applies a validated configuration. Returning an error keeps
// the current configuration active.
type ReloadCallback func(ctx context.Context, newConfig *types.ProbeConfig, diff *ConfigDiff) error

// Severity classifies reload status events.
type Severity string

const (
	SeverityInfo    Severity = "Info"
	SeverityWarning Severity = "Warning"
)

// Event reasons.
const (
	ReasonStarted          = "ConfigReloadStarted"
	ReasonFailed           = "ConfigReloadFailed"
	ReasonValidationFailed = "ConfigValidationFailed"
	ReasonNoChanges        = "ConfigReloadNoChanges"
	ReasonRestartRequired  = "ConfigReloadRestartRequired"
	ReasonSucceeded        = "ConfigReloadSucceeded"
)

// EventEmitter receives reload status events.
type EventEmitter func(severity Severity, reason, message string)

// Stats counts reload outcomes.
type Stats struct {
	Attempts   int
	Applied    int
	Unchanged  int
	Failed     int
	LastReason string
	LastReload time.Time
}

// ReloadCoordinator turns change notifications into validated configuration swaps.
type ReloadCoordinator struct {
	configPath string
	apply      ReloadCallback
	emit       EventEmitter
	validator  *ConfigValidator
	log        *logrus.Entry

	mu      sync.Mutex
	current *types.ProbeConfig
	busy    bool
	stats   Stats
}

// NewReloadCoordinator creates a coordinator for configPath starting from
// initialConfig. A nil emitter logs events through the reload logger.
func NewReloadCoordinator(
	configPath string,
	initialConfig *types.ProbeConfig,
	apply ReloadCallback,
	emit EventEmitter,
) *ReloadCoordinator {
	rc := &ReloadCoordinator{
		configPath: configPath,
		current:    initialConfig,
		apply:      apply,
		emit:       emit,
		validator:  NewConfigValidator(),
		log:        logger.ForComponent("reload"),
	}
	if rc.emit == nil {
		rc.emit = rc.logEvent
	}
	return rc
}

// Run reloads once per event on changes until ctx is done or changes is closed.
func (rc *ReloadCoordinator) Run(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if err := rc.TriggerReload(ctx); err != nil {
				rc.log.WithError(err).Warn("Configuration reload failed, keeping current configuration")
			}
		}
	}
}

// TriggerReload reads the configuration file and applies it. Concurrent
// calls return ErrReloadInProgress instead of queueing.
func (rc *ReloadCoordinator) TriggerReload(ctx context.Context) error {
	rc.mu.Lock()
	if rc.busy {
		rc.mu.Unlock()
		return ErrReloadInProgress
	}
	rc.busy = true
	rc.stats.Attempts++
	rc.mu.Unlock()

	reason, err := rc.reload(ctx)

	rc.mu.Lock()
	rc.busy = false
	rc.stats.LastReason = reason
	rc.stats.LastReload = time.Now()
	switch {
	case err != nil:
		rc.stats.Failed++
	case reason == ReasonNoChanges:
		rc.stats.Unchanged++
	default:
		rc.stats.Applied++
	}
	rc.mu.Unlock()

	return err
}

// reload runs decode, validate, diff, apply and commit, returning the final event reason.
func (rc *ReloadCoordinator) reload(ctx context.Context) (string, error) {
	started := time.Now()
	rc.emit(SeverityInfo, ReasonStarted, "Configuration reload initiated")

	next, err := util.DecodeConfig(rc.configPath)
	if err != nil {
		rc.emit(SeverityWarning, ReasonFailed, fmt.Sprintf("Failed to load configuration: %v", err))
		return ReasonFailed, fmt.Errorf("failed to load config: %w", err)
	}

	if err := rc.check(next); err != nil {
		rc.emit(SeverityWarning, ReasonValidationFailed, fmt.Sprintf("Configuration validation failed: %v", err))
		return ReasonValidationFailed, fmt.Errorf("configuration validation failed: %w", err)
	}

	diff := ComputeConfigDiff(rc.GetCurrentConfig(), next)
	if !diff.HasChanges() {
		rc.emit(SeverityInfo, ReasonNoChanges, "Configuration reload completed with no changes")
		return ReasonNoChanges, nil
	}

	if rc.apply != nil {
		if err := rc.apply(ctx, next, diff); err != nil {
			rc.emit(SeverityWarning, ReasonFailed, fmt.Sprintf("Failed to apply configuration changes: %v", err))
			return ReasonFailed, fmt.Errorf("failed to apply changes: %w", err)
		}
	}

	rc.mu.Lock()
	rc.current = next
	rc.mu.Unlock()

	if diff.RequiresRestart() {
		rc.emit(SeverityWarning, ReasonRestartRequired,
			fmt.Sprintf("Changes to %s take effect after a restart", strings.Join(diff.RestartSections(), ", ")))
	}
	rc.emit(SeverityInfo, ReasonSucceeded, rc.buildReloadStats(diff, time.Since(started)))
	return ReasonSucceeded, nil
}

// check reports every field error first, then the cross-field rules.
func (rc *ReloadCoordinator) check(config *types.ProbeConfig) error {
	if result := rc.validator.Validate(config); !result.Valid {
		return errors.New(FormatValidationErrors(result.Errors))
	}
	return config.Validate()
}

// buildReloadStats summarises an applied diff.
func (rc *ReloadCoordinator) buildReloadStats(diff *ConfigDiff, duration time.Duration) string {
	var changes []string
	if diff.ProbeChanged() {
		changes = append(changes, fmt.Sprintf("probe updated (%s)", strings.Join(diff.ProbeFields, ", ")))
	}
	if diff.LoggingChanged {
		changes = append(changes, "logging updated")
	}
	for _, section := range diff.RestartSections() {
		changes = append(changes, section+" updated")
	}

	summary := "No changes detected."
	if len(changes) > 0 {
		summary = "Changes: " + strings.Join(changes, ", ")
	}
	return fmt.Sprintf("Configuration reload completed in %v. %s", duration.Round(time.Millisecond), summary)
}

func (rc *ReloadCoordinator) logEvent(severity Severity, reason, message string) {
	entry := rc.log.WithField("reason", reason)
	if severity == SeverityWarning {
		entry.Warn(message)
		return
	}
	entry.Info(message)
}

// GetCurrentConfig returns the active configuration.
func (rc *ReloadCoordinator) GetCurrentConfig() *types.ProbeConfig {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.current
}

// Stats returns a snapshot of reload outcomes.
func (rc *ReloadCoordinator) Stats() Stats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stats
}
