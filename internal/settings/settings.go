// Package settings serves the admin-controlled production switches. The
// current value is cached in memory; writes go to storage and drop the cache
// so the next read reloads.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nexus-cloaker/trafficguard/internal/config"
	"github.com/nexus-cloaker/trafficguard/internal/database"
)

// ErrInvalidThreshold is returned for a bot score threshold outside 0..100.
var ErrInvalidThreshold = errors.New("bot score threshold must be between 0 and 100")

// Repository is the storage the settings service needs.
type Repository interface {
	GetProductionConfig(ctx context.Context) (*database.ProductionConfig, error)
	SaveProductionConfig(ctx context.Context, c *database.ProductionConfig) error
}

// Service caches the production config.
type Service struct {
	repo     Repository
	defaults database.ProductionConfig
	logger   *zap.Logger

	cached atomic.Pointer[database.ProductionConfig]
}

// NewService creates a settings service. Thresholds in cfg are used for the
// safe defaults served when the stored row cannot be read.
func NewService(repo Repository, cfg config.DetectionConfig, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		defaults: SafeDefaults(cfg),
		logger:   logger.Named("settings"),
	}
}

// SafeDefaults is the config used when loading fails. Every automatic
// consequence is off.
func SafeDefaults(cfg config.DetectionConfig) database.ProductionConfig {
	return database.ProductionConfig{
		Enabled:                     true,
		AutoTriggersEnabled:         false,
		AutoBlockingEnabled:         false,
		RealTimeAnalysis:            true,
		IPClickThreshold:            cfg.IPClickThreshold,
		BotScoreThreshold:           cfg.BotScoreThreshold,
		ConversionRateThreshold:     cfg.ConversionRateThreshold,
		WebhookNotificationsEnabled: false,
		UpdatedBy:                   "defaults",
	}
}

// Get returns the current config. On a load failure it returns the safe
// defaults without caching them, so a later call retries storage.
func (s *Service) Get(ctx context.Context) database.ProductionConfig {
	if c := s.cached.Load(); c != nil {
		return *c
	}

	c, err := s.repo.GetProductionConfig(ctx)
	if err != nil {
		s.logger.Error("failed to load production config, using safe defaults", zap.Error(err))
		return s.defaults
	}
	s.cached.Store(c)
	return *c
}

// Loaded reports whether the stored config can currently be read.
func (s *Service) Loaded(ctx context.Context) bool {
	if s.cached.Load() != nil {
		return true
	}
	_, err := s.repo.GetProductionConfig(ctx)
	return err == nil
}

// Invalidate drops the cached value.
func (s *Service) Invalidate() {
	s.cached.Store(nil)
}

// Update loads the stored config, applies mutate and saves the result as
// adminID.
func (s *Service) Update(ctx context.Context, adminID string, mutate func(c *database.ProductionConfig) error) (database.ProductionConfig, error) {
	current, err := s.repo.GetProductionConfig(ctx)
	if errors.Is(err, database.ErrNotFound) {
		d := s.defaults
		current = &d
	} else if err != nil {
		return database.ProductionConfig{}, fmt.Errorf("failed to load production config: %w", err)
	}

	next := *current
	if err := mutate(&next); err != nil {
		return database.ProductionConfig{}, err
	}
	next.UpdatedBy = adminID
	next.UpdatedAt = time.Now().UTC()

	if err := s.repo.SaveProductionConfig(ctx, &next); err != nil {
		return database.ProductionConfig{}, fmt.Errorf("failed to save production config: %w", err)
	}
	s.Invalidate()

	s.logger.Info("production config updated",
		zap.String("admin_id", adminID),
		zap.Bool("enabled", next.Enabled),
		zap.Bool("auto_triggers_enabled", next.AutoTriggersEnabled),
		zap.Bool("auto_blocking_enabled", next.AutoBlockingEnabled),
		zap.Int("bot_score_threshold", next.BotScoreThreshold),
	)
	return next, nil
}

// SetAutoTriggers turns automatic mitigation on or off.
func (s *Service) SetAutoTriggers(ctx context.Context, adminID string, enabled bool) (database.ProductionConfig, error) {
	return s.Update(ctx, adminID, func(c *database.ProductionConfig) error {
		c.AutoTriggersEnabled = enabled
		return nil
	})
}

// ConfigureAutoBlocking sets the auto-block switch and score threshold.
func (s *Service) ConfigureAutoBlocking(ctx context.Context, adminID string, enabled bool, threshold int) (database.ProductionConfig, error) {
	if threshold < 0 || threshold > 100 {
		return database.ProductionConfig{}, ErrInvalidThreshold
	}
	return s.Update(ctx, adminID, func(c *database.ProductionConfig) error {
		c.AutoBlockingEnabled = enabled
		c.BotScoreThreshold = threshold
		return nil
	})
}
