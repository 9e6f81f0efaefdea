package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nexus-cloaker/trafficguard/internal/api"
	"github.com/nexus-cloaker/trafficguard/internal/config"
	"github.com/nexus-cloaker/trafficguard/internal/database"
	"github.com/nexus-cloaker/trafficguard/internal/detection"
	"github.com/nexus-cloaker/trafficguard/internal/integrations"
	"github.com/nexus-cloaker/trafficguard/internal/lists"
	"github.com/nexus-cloaker/trafficguard/internal/logger"
	"github.com/nexus-cloaker/trafficguard/internal/metrics"
	"github.com/nexus-cloaker/trafficguard/internal/mitigation"
	"github.com/nexus-cloaker/trafficguard/internal/reports"
	"github.com/nexus-cloaker/trafficguard/internal/settings"
	"github.com/nexus-cloaker/trafficguard/internal/stats"
	"github.com/nexus-cloaker/trafficguard/internal/tracker"
	"github.com/nexus-cloaker/trafficguard/internal/velocity"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Parse flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	port := flag.Int("port", 0, "Click intake port")
	adminPort := flag.Int("admin-port", 0, "Admin API port")
	flag.Parse()

	// Load configuration
	cfg, loadErr := config.Load(*configPath)
	if loadErr != nil {
		cfg = config.Default()
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *adminPort != 0 {
		cfg.Server.AdminPort = *adminPort
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if loadErr != nil {
		log.Warn("could not load config file, using defaults", zap.String("path", *configPath), zap.Error(loadErr))
	}

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx := context.Background()

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	password, err := db.Seed(ctx, database.SeedOptions{
		AdminUsername: cfg.Auth.AdminUsername,
		AdminPassword: cfg.Auth.AdminPassword,
		Production:    settings.SafeDefaults(cfg.Detection),
	})
	if err != nil {
		return fmt.Errorf("failed to seed database: %w", err)
	}
	if password != "" {
		log.Warn("created admin user with generated password, change it after first login",
			zap.String("username", cfg.Auth.AdminUsername),
			zap.String("password", password),
		)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		if m, err = metrics.New(); err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	// IP intelligence is optional; without it the private-range check applies.
	var intel detection.IPIntel
	if cfg.Intel.Enabled {
		httpIntel, err := detection.NewHTTPIntel(cfg.Intel)
		if err != nil {
			return fmt.Errorf("failed to initialize ip intelligence: %w", err)
		}
		defer httpIntel.Close()
		intel = httpIntel
		log.Info("ip intelligence enabled", zap.String("base_url", cfg.Intel.BaseURL))
	}

	counter, closeCounter, err := velocityCounter(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeCounter()

	dispatcher := integrations.NewDispatcher(db, cfg.Webhooks, log, integrations.WithObserver(m.ObserveWebhook))
	dispatcher.Start()

	store := lists.NewStore(db, log)
	mutator := reports.NewMutator(db, log)
	engine := mitigation.New(mitigation.Deps{
		Analyzer:   detection.NewAnalyzer(intel, log),
		Lists:      store,
		Reports:    mutator,
		Settings:   settings.NewService(db, cfg.Detection, log),
		Stats:      stats.NewAggregator(db),
		Heuristics: velocity.NewHeuristics(counter, db),
		Clicks:     db,
		Notifier:   dispatcher,
		Metrics:    m,
	}, cfg.Detection, log)

	deps := api.Deps{
		Users:    db,
		Engine:   engine,
		Lists:    store,
		Reports:  mutator,
		Webhooks: dispatcher,
	}
	if m != nil {
		deps.Metrics = m.Handler()
	}
	apiServer := api.New(cfg, deps, log)
	intake := tracker.New(cfg.Tracker, engine, store.Blocklist(), db, log)

	errChan := make(chan error, 2)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Info("click intake starting", zap.String("addr", addr))
		if err := intake.Start(addr); err != nil {
			errChan <- fmt.Errorf("click intake error: %w", err)
		}
	}()

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.AdminPort)
		log.Info("admin api starting", zap.String("addr", addr))
		if err := apiServer.Start(addr); err != nil {
			errChan <- fmt.Errorf("admin api error: %w", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case runErr = <-errChan:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Intake waits for running evaluations, which may still enqueue webhooks.
	if err := intake.Shutdown(shutdownCtx); err != nil {
		log.Warn("click intake shutdown", zap.Error(err))
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin api shutdown", zap.Error(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Warn("webhook dispatcher shutdown", zap.Error(err))
	}

	return runErr
}

func velocityCounter(ctx context.Context, cfg *config.Config, db *database.DB) (velocity.Counter, func(), error) {
	switch cfg.Velocity.Backend {
	case "redis":
		rc, err := velocity.NewRedisCounter(ctx, cfg.Redis, velocity.FrequencyWindow)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return rc, func() { rc.Close() }, nil
	case "sqlite", "":
		return velocity.NewSQLCounter(db), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown velocity backend %q", cfg.Velocity.Backend)
	}
}
