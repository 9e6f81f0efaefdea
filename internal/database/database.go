package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/nexus-cloaker/trafficguard/internal/config"
)

var (
	// ErrNotFound is returned when a lookup by id matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrVersionMismatch is returned when a conditional write sees a different version.
	ErrVersionMismatch = errors.New("version mismatch")
)

// DB wraps the database connection
type DB struct {
	conn   *sql.DB
	config config.DatabaseConfig
}

// New creates a new database connection
func New(cfg config.DatabaseConfig) (*DB, error) {
	dsn := cfg.DSN
	if cfg.Driver == "sqlite3" || cfg.Driver == "sqlite" {
		dir := filepath.Dir(dsn)
		if dir != "" && dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		// Concurrent evaluations write clicks while admins edit lists.
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL"
		}
	}

	conn, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns / 2)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn, config: cfg}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'admin',
			api_key TEXT UNIQUE,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			last_login_at DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS clicks (
			id TEXT PRIMARY KEY,
			ip TEXT NOT NULL,
			user_agent TEXT,
			country TEXT,
			device TEXT,
			os TEXT,
			browser TEXT,
			referer TEXT,
			offer_id TEXT,
			fraud_score INTEGER NOT NULL DEFAULT 0,
			is_bot INTEGER NOT NULL DEFAULT 0,
			vpn_detected INTEGER NOT NULL DEFAULT 0,
			risk_level TEXT NOT NULL DEFAULT 'low',
			reasons TEXT,
			created_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS conversions (
			id TEXT PRIMARY KEY,
			click_id TEXT NOT NULL,
			ip TEXT,
			created_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS list_entries (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			ip TEXT NOT NULL,
			cidr TEXT NOT NULL DEFAULT '',
			reason TEXT,
			risk_score INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_by TEXT NOT NULL,
			expires_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS fraud_reports (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			ip TEXT NOT NULL,
			click_id TEXT,
			description TEXT,
			risk_score INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			severity TEXT NOT NULL,
			reported_by TEXT NOT NULL,
			reviewed_by TEXT NOT NULL DEFAULT '',
			details TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT 'POST',
			headers TEXT,
			events TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS webhook_failures (
			id TEXT PRIMARY KEY,
			webhook_id TEXT NOT NULL,
			event TEXT NOT NULL,
			payload TEXT,
			error TEXT,
			status_code INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS production_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			enabled INTEGER NOT NULL,
			auto_triggers_enabled INTEGER NOT NULL,
			auto_blocking_enabled INTEGER NOT NULL,
			real_time_analysis INTEGER NOT NULL,
			ip_click_threshold INTEGER NOT NULL,
			bot_score_threshold INTEGER NOT NULL,
			conversion_rate_threshold REAL NOT NULL,
			webhook_notifications_enabled INTEGER NOT NULL,
			updated_by TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_clicks_created ON clicks(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_clicks_ip_created ON clicks(ip, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conversions_created ON conversions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_list_entries_lookup ON list_entries(type, ip, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_fraud_reports_status ON fraud_reports(status)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// SeedOptions controls first-start data.
type SeedOptions struct {
	AdminUsername string
	AdminPassword string
	Production    ProductionConfig
}

// Seed creates the default admin user and the production config row when
// they do not exist yet. If a new admin was created without a configured
// password, the generated password is returned so the caller can log it once.
func (db *DB) Seed(ctx context.Context, opts SeedOptions) (generatedPassword string, err error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return "", err
	}

	if count == 0 {
		password := opts.AdminPassword
		if password == "" {
			password = uuid.New().String()
			generatedPassword = password
		}
		if _, err := db.CreateUser(ctx, opts.AdminUsername, password); err != nil {
			return "", fmt.Errorf("failed to create default admin: %w", err)
		}
	}

	cfg := opts.Production
	cfg.UpdatedBy = "seed"
	cfg.UpdatedAt = time.Now().UTC()
	_, err = db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO production_config (id, enabled, auto_triggers_enabled, auto_blocking_enabled,
		real_time_analysis, ip_click_threshold, bot_score_threshold, conversion_rate_threshold,
		webhook_notifications_enabled, updated_by, updated_at) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.Enabled, cfg.AutoTriggersEnabled, cfg.AutoBlockingEnabled, cfg.RealTimeAnalysis,
		cfg.IPClickThreshold, cfg.BotScoreThreshold, cfg.ConversionRateThreshold,
		cfg.WebhookNotificationsEnabled, cfg.UpdatedBy, cfg.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to seed production config: %w", err)
	}

	return generatedPassword, nil
}

// =====================
// Click Operations
// =====================

func (db *DB) CreateClick(ctx context.Context, c *Click) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.CreatedAt = c.CreatedAt.UTC()

	reasons, _ := json.Marshal(c.Reasons)

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO clicks (id, ip, user_agent, country, device, os, browser, referer, offer_id,
		fraud_score, is_bot, vpn_detected, risk_level, reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET fraud_score = excluded.fraud_score, is_bot = excluded.is_bot,
		vpn_detected = excluded.vpn_detected, risk_level = excluded.risk_level, reasons = excluded.reasons`,
		c.ID, c.IP, c.UserAgent, c.Country, c.Device, c.OS, c.Browser, c.Referer, c.OfferID,
		c.FraudScore, c.IsBot, c.VPNDetected, c.RiskLevel, string(reasons), c.CreatedAt,
	)
	return err
}

func (db *DB) GetClick(ctx context.Context, id string) (*Click, error) {
	var c Click
	var reasons sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, ip, user_agent, country, device, os, browser, referer, offer_id,
		fraud_score, is_bot, vpn_detected, risk_level, reasons, created_at FROM clicks WHERE id = ?`, id,
	).Scan(
		&c.ID, &c.IP, &c.UserAgent, &c.Country, &c.Device, &c.OS, &c.Browser, &c.Referer, &c.OfferID,
		&c.FraudScore, &c.IsBot, &c.VPNDetected, &c.RiskLevel, &reasons, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if reasons.Valid {
		json.Unmarshal([]byte(reasons.String), &c.Reasons)
	}
	return &c, nil
}

// ClicksFromIP counts clicks recorded for ip at or after since.
func (db *DB) ClicksFromIP(ctx context.Context, ip string, since time.Time) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM clicks WHERE ip = ? AND created_at >= ?", ip, since.UTC(),
	).Scan(&n)
	return n, err
}

// ConversionStats returns click and conversion totals at or after since.
func (db *DB) ConversionStats(ctx context.Context, since time.Time) (clicks, conversions int64, err error) {
	err = db.conn.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM clicks WHERE created_at >= ?),
		(SELECT COUNT(*) FROM conversions WHERE created_at >= ?)`, since.UTC(), since.UTC(),
	).Scan(&clicks, &conversions)
	return clicks, conversions, err
}

// ClickCounts returns the totals used by the statistics snapshot. A click
// counts as fraud when its score is strictly above fraudAbove.
func (db *DB) ClickCounts(ctx context.Context, since time.Time, fraudAbove int) (ClickCounts, error) {
	var cc ClickCounts
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN is_bot = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN fraud_score > ? THEN 1 ELSE 0 END), 0)
		FROM clicks WHERE created_at >= ?`, fraudAbove, since.UTC(),
	).Scan(&cc.Total, &cc.Bot, &cc.Fraud)
	return cc, err
}

// =====================
// Conversion Operations
// =====================

func (db *DB) CreateConversion(ctx context.Context, c *Conversion) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.CreatedAt = c.CreatedAt.UTC()

	if c.IP == "" {
		// Best effort: attribute the conversion to the click's IP.
		db.conn.QueryRowContext(ctx, "SELECT ip FROM clicks WHERE id = ?", c.ClickID).Scan(&c.IP)
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO conversions (id, click_id, ip, created_at) VALUES (?, ?, ?, ?)",
		c.ID, c.ClickID, c.IP, c.CreatedAt,
	)
	return err
}

// =====================
// Production Config Operations
// =====================

func (db *DB) GetProductionConfig(ctx context.Context) (*ProductionConfig, error) {
	var c ProductionConfig
	err := db.conn.QueryRowContext(ctx,
		`SELECT enabled, auto_triggers_enabled, auto_blocking_enabled, real_time_analysis,
		ip_click_threshold, bot_score_threshold, conversion_rate_threshold,
		webhook_notifications_enabled, updated_by, updated_at FROM production_config WHERE id = 1`,
	).Scan(
		&c.Enabled, &c.AutoTriggersEnabled, &c.AutoBlockingEnabled, &c.RealTimeAnalysis,
		&c.IPClickThreshold, &c.BotScoreThreshold, &c.ConversionRateThreshold,
		&c.WebhookNotificationsEnabled, &c.UpdatedBy, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) SaveProductionConfig(ctx context.Context, c *ProductionConfig) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO production_config (id, enabled, auto_triggers_enabled, auto_blocking_enabled,
		real_time_analysis, ip_click_threshold, bot_score_threshold, conversion_rate_threshold,
		webhook_notifications_enabled, updated_by, updated_at) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET enabled = excluded.enabled,
		auto_triggers_enabled = excluded.auto_triggers_enabled,
		auto_blocking_enabled = excluded.auto_blocking_enabled,
		real_time_analysis = excluded.real_time_analysis,
		ip_click_threshold = excluded.ip_click_threshold,
		bot_score_threshold = excluded.bot_score_threshold,
		conversion_rate_threshold = excluded.conversion_rate_threshold,
		webhook_notifications_enabled = excluded.webhook_notifications_enabled,
		updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		c.Enabled, c.AutoTriggersEnabled, c.AutoBlockingEnabled, c.RealTimeAnalysis,
		c.IPClickThreshold, c.BotScoreThreshold, c.ConversionRateThreshold,
		c.WebhookNotificationsEnabled, c.UpdatedBy, c.UpdatedAt,
	)
	return err
}

// =====================
// User Operations
// =====================

func (db *DB) CreateUser(ctx context.Context, username, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         RoleAdmin,
		APIKey:       uuid.New().String(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, api_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.APIKey, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return db.scanUser(db.conn.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, api_key, created_at, updated_at, last_login_at
		FROM users WHERE username = ?`, username,
	))
}

func (db *DB) GetUserByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	return db.scanUser(db.conn.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, api_key, created_at, updated_at, last_login_at
		FROM users WHERE api_key = ?`, apiKey,
	))
}

func (db *DB) scanUser(row *sql.Row) (*User, error) {
	var u User
	var apiKey sql.NullString
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &apiKey, &u.CreatedAt, &u.UpdatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.APIKey = apiKey.String
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

func (db *DB) UpdateUserLastLogin(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE users SET last_login_at = ? WHERE id = ?", time.Now().UTC(), id)
	return err
}
