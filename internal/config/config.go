package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for trafficguard
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Detection DetectionConfig `yaml:"detection"`
	Intel     IntelConfig     `yaml:"intel"`
	Velocity  VelocityConfig  `yaml:"velocity"`
	Redis     RedisConfig     `yaml:"redis"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	AdminPort int    `yaml:"admin_port"`
	Host      string `yaml:"host"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

// DetectionConfig seeds the production settings row on first start.
// Once the row exists, admins change thresholds through the settings service.
type DetectionConfig struct {
	IPClickThreshold        int           `yaml:"ip_click_threshold"`
	BotScoreThreshold       int           `yaml:"bot_score_threshold"`
	ConversionRateThreshold float64       `yaml:"conversion_rate_threshold"`
	AutoBlockTTL            time.Duration `yaml:"auto_block_ttl"`
	EstimatedValuePerBlock  float64       `yaml:"estimated_value_per_block"`
}

type IntelConfig struct {
	Enabled  bool          `yaml:"enabled"`
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type VelocityConfig struct {
	// Backend is "sqlite" or "redis"
	Backend string `yaml:"backend"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WebhooksConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	InitDelay   time.Duration `yaml:"init_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	RatePerSec  float64       `yaml:"rate_per_sec"`
	ProductName string        `yaml:"product_name"`
}

type TrackerConfig struct {
	RejectBlocked bool   `yaml:"reject_blocked"`
	CountryHeader string `yaml:"country_header"`

	// TrustedProxies lists the CIDRs (or bare addresses) allowed to set
	// X-Forwarded-For, X-Real-IP and CF-Connecting-IP.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenExpiry   time.Duration `yaml:"token_expiry"`
	AdminUsername string        `yaml:"admin_username"`
	AdminPassword string        `yaml:"admin_password"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.AdminPort == 0 {
		cfg.Server.AdminPort = 8081
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			cfg.Server.Port = p
		}
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if envDSN := os.Getenv("DATABASE_DSN"); envDSN != "" {
		cfg.Database.DSN = envDSN
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "./data/trafficguard.db"
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}

	if cfg.Detection.IPClickThreshold == 0 {
		cfg.Detection.IPClickThreshold = 100
	}
	if cfg.Detection.BotScoreThreshold == 0 {
		cfg.Detection.BotScoreThreshold = 80
	}
	if cfg.Detection.ConversionRateThreshold == 0 {
		cfg.Detection.ConversionRateThreshold = 50
	}
	if cfg.Detection.AutoBlockTTL == 0 {
		cfg.Detection.AutoBlockTTL = 7 * 24 * time.Hour
	}
	if cfg.Detection.EstimatedValuePerBlock == 0 {
		cfg.Detection.EstimatedValuePerBlock = 150
	}

	if cfg.Intel.Timeout == 0 {
		cfg.Intel.Timeout = 2 * time.Second
	}
	if cfg.Intel.CacheTTL == 0 {
		cfg.Intel.CacheTTL = 10 * time.Minute
	}

	if cfg.Velocity.Backend == "" {
		cfg.Velocity.Backend = "sqlite"
	}
	if envRedis := os.Getenv("REDIS_ADDR"); envRedis != "" {
		cfg.Redis.Addr = envRedis
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if cfg.Webhooks.Timeout == 0 {
		cfg.Webhooks.Timeout = 30 * time.Second
	}
	if cfg.Webhooks.Workers == 0 {
		cfg.Webhooks.Workers = 4
	}
	if cfg.Webhooks.QueueSize == 0 {
		cfg.Webhooks.QueueSize = 256
	}
	if cfg.Webhooks.MaxAttempts == 0 {
		cfg.Webhooks.MaxAttempts = 3
	}
	if cfg.Webhooks.InitDelay == 0 {
		cfg.Webhooks.InitDelay = time.Second
	}
	if cfg.Webhooks.MaxDelay == 0 {
		cfg.Webhooks.MaxDelay = 30 * time.Second
	}
	if cfg.Webhooks.RatePerSec == 0 {
		cfg.Webhooks.RatePerSec = 20
	}
	if cfg.Webhooks.ProductName == "" {
		cfg.Webhooks.ProductName = "TrafficGuard"
	}

	if cfg.Tracker.CountryHeader == "" {
		cfg.Tracker.CountryHeader = "CF-IPCountry"
	}

	if envJWT := os.Getenv("JWT_SECRET"); envJWT != "" {
		cfg.Auth.JWTSecret = envJWT
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "change-this-secret-in-production"
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Auth.AdminUsername == "" {
		cfg.Auth.AdminUsername = "admin"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Save writes configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
