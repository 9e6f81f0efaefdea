package mitigation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nexus-cloaker/trafficguard/internal/database"
	"github.com/nexus-cloaker/trafficguard/internal/integrations"
	"github.com/nexus-cloaker/trafficguard/internal/stats"
)

// ErrNotifierUnavailable is returned by TestWebhook when no dispatcher is wired.
var ErrNotifierUnavailable = errors.New("webhook dispatcher not configured")

// healthTimeout bounds the storage checks of HealthCheck.
const healthTimeout = 5 * time.Second

// BlockedValueEstimate is a rough figure for dashboards. It multiplies the
// active block count by a configured per-block value and is not derived from
// offer payouts.
type BlockedValueEstimate struct {
	Amount       float64 `json:"amount"`
	PerBlock     float64 `json:"per_block"`
	Illustrative bool    `json:"illustrative"`
}

// ProductionStats is the dashboard view of the engine.
type ProductionStats struct {
	Stats                 *stats.Snapshot           `json:"stats"`
	Config                database.ProductionConfig `json:"config"`
	EstimatedBlockedValue BlockedValueEstimate      `json:"estimated_blocked_value"`
}

// HealthDetails are the individual health checks.
type HealthDetails struct {
	ConfigLoaded        bool      `json:"config_loaded"`
	StatsAvailable      bool      `json:"stats_available"`
	SystemEnabled       bool      `json:"system_enabled"`
	AutoTriggersEnabled bool      `json:"auto_triggers_enabled"`
	VelocityAvailable   bool      `json:"velocity_available"`
	Timestamp           time.Time `json:"timestamp"`
}

// Health is the result of HealthCheck.
type Health struct {
	Healthy bool          `json:"healthy"`
	Details HealthDetails `json:"details"`
}

// ProductionConfig returns the settings currently in force.
func (e *Engine) ProductionConfig(ctx context.Context) database.ProductionConfig {
	return e.deps.Settings.Get(ctx)
}

// SetAutoTriggers turns automatic mitigation on or off.
func (e *Engine) SetAutoTriggers(ctx context.Context, adminID string, enabled bool) (database.ProductionConfig, error) {
	cfg, err := e.deps.Settings.SetAutoTriggers(ctx, adminID, enabled)
	if err != nil {
		return cfg, err
	}
	e.logger.Info("auto triggers changed", zap.String("admin_id", adminID), zap.Bool("enabled", enabled))
	return cfg, nil
}

// ConfigureAutoBlocking sets the auto-block switch and the score an
// evaluation must exceed to block.
func (e *Engine) ConfigureAutoBlocking(ctx context.Context, adminID string, enabled bool, threshold int) (database.ProductionConfig, error) {
	cfg, err := e.deps.Settings.ConfigureAutoBlocking(ctx, adminID, enabled, threshold)
	if err != nil {
		return cfg, err
	}
	e.logger.Info("auto blocking changed",
		zap.String("admin_id", adminID),
		zap.Bool("enabled", enabled),
		zap.Int("threshold", threshold),
	)
	return cfg, nil
}

// TestWebhook delivers a sample event to subscribed webhooks and reports
// the result per webhook.
func (e *Engine) TestWebhook(ctx context.Context, eventType string, sample interface{}) ([]integrations.DeliveryResult, error) {
	if e.deps.Notifier == nil {
		return nil, ErrNotifierUnavailable
	}
	if sample == nil {
		sample = map[string]string{"message": "test event"}
	}
	return e.deps.Notifier.Test(ctx, eventType, sample)
}

// GetProductionStats returns the trailing 24h snapshot with the current
// settings.
func (e *Engine) GetProductionStats(ctx context.Context) (*ProductionStats, error) {
	snap, err := e.deps.Stats.Snapshot(ctx, stats.DefaultWindow)
	if err != nil {
		return nil, err
	}
	return &ProductionStats{
		Stats:  snap,
		Config: e.deps.Settings.Get(ctx),
		EstimatedBlockedValue: BlockedValueEstimate{
			Amount:       float64(snap.BlockedIPs) * e.cfg.EstimatedValuePerBlock,
			PerBlock:     e.cfg.EstimatedValuePerBlock,
			Illustrative: true,
		},
	}, nil
}

// HealthCheck reports whether settings and statistics can be read. An
// unreachable velocity backend is reported in the details only; heuristics
// degrade to zero without it.
func (e *Engine) HealthCheck(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	details := HealthDetails{Timestamp: e.now()}
	details.ConfigLoaded = e.deps.Settings.Loaded(ctx)

	if _, err := e.deps.Stats.Snapshot(ctx, stats.DefaultWindow); err != nil {
		e.logger.Error("health check: statistics unavailable", zap.Error(err))
	} else {
		details.StatsAvailable = true
	}
	details.VelocityAvailable = true
	if e.deps.Heuristics != nil {
		if err := e.deps.Heuristics.Ping(ctx); err != nil {
			e.logger.Error("health check: velocity backend unavailable", zap.Error(err))
			details.VelocityAvailable = false
		}
	}

	cfg := e.deps.Settings.Get(ctx)
	details.SystemEnabled = cfg.Enabled
	details.AutoTriggersEnabled = cfg.AutoTriggersEnabled

	return Health{
		Healthy: details.ConfigLoaded && details.StatsAvailable,
		Details: details,
	}
}
