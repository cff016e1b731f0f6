package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Platform          string            `json:"platform"`
	VenueConfig       VenueConfig       `json:"venue"`
	ScraperConfig     ScraperConfig     `json:"scraper"`
	PositioningConfig PositioningConfig `json:"positioning"`
	DatabaseConfig    DatabaseConfig    `json:"database"`
	RedisConfig       RedisConfig       `json:"redis"`
	ServerConfig      ServerConfig      `json:"server"`
	LoggingConfig     LoggingConfig     `json:"logging"`
}

// VenueConfig holds the copy-trading venue API configuration
type VenueConfig struct {
	BaseURL string `json:"base_url"`
}

// ScraperConfig controls the lead-trader polling loop
type ScraperConfig struct {
	Enabled       bool     `json:"enabled"`
	IntervalMs    int      `json:"interval_ms"`     // Delay between full cycles
	Concurrency   int      `json:"concurrency"`     // Parallel trader fetches per cycle
	OrderPageSize int      `json:"order_page_size"` // Order-history page size
	TimeoutMs     int      `json:"timeout_ms"`      // Per-request HTTP timeout
	LeadIDs       []string `json:"lead_ids"`        // Roster of lead traders to track
}

// PositioningConfig controls how lifecycle reads are presented
type PositioningConfig struct {
	// UseEstimatedOpenTime surfaces the order-derived open time instead of
	// the raw firstSeenAt on hidden-position lifecycles.
	UseEstimatedOpenTime bool `json:"use_estimated_open_time"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type ServerConfig struct {
	Port           int    `json:"port"`
	Host           string `json:"host"`
	ProductionMode bool   `json:"production_mode"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Output as JSON
}

// Load reads config.json if present, then applies environment overrides.
func Load() (*Config, error) {
	cfg := defaultConfig()

	if err := loadFromFile(cfg, "config.json"); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Platform: "binance",
		VenueConfig: VenueConfig{
			BaseURL: "https://www.binance.com/bapi/futures",
		},
		ScraperConfig: ScraperConfig{
			Enabled:       true,
			IntervalMs:    60000,
			Concurrency:   4,
			OrderPageSize: 50,
			TimeoutMs:     10000,
		},
		PositioningConfig: PositioningConfig{
			UseEstimatedOpenTime: true,
		},
		DatabaseConfig: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			DBName:  "copytrade_radar",
			SSLMode: "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  true,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		ServerConfig: ServerConfig{
			Port: 8088,
			Host: "0.0.0.0",
		},
		LoggingConfig: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Platform = getEnvOrDefault("PLATFORM", cfg.Platform)
	cfg.VenueConfig.BaseURL = getEnvOrDefault("VENUE_BASE_URL", cfg.VenueConfig.BaseURL)

	cfg.ScraperConfig.Enabled = getEnvBoolOrDefault("SCRAPER_ENABLED", cfg.ScraperConfig.Enabled)
	cfg.ScraperConfig.IntervalMs = getEnvIntOrDefault("SCRAPER_INTERVAL_MS", cfg.ScraperConfig.IntervalMs)
	cfg.ScraperConfig.Concurrency = getEnvIntOrDefault("SCRAPER_CONCURRENCY", cfg.ScraperConfig.Concurrency)
	cfg.ScraperConfig.OrderPageSize = getEnvIntOrDefault("SCRAPER_ORDER_PAGE_SIZE", cfg.ScraperConfig.OrderPageSize)
	cfg.ScraperConfig.TimeoutMs = getEnvIntOrDefault("SCRAPER_TIMEOUT_MS", cfg.ScraperConfig.TimeoutMs)
	if ids := os.Getenv("SCRAPER_LEAD_IDS"); ids != "" {
		cfg.ScraperConfig.LeadIDs = splitAndTrim(ids)
	}

	cfg.PositioningConfig.UseEstimatedOpenTime = getEnvBoolOrDefault("USE_ESTIMATED_OPEN_TIME", cfg.PositioningConfig.UseEstimatedOpenTime)

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.DBName = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.DBName)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("PRODUCTION_MODE", cfg.ServerConfig.ProductionMode)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
}

// Validate checks the loaded configuration for values that would break the
// pipeline at runtime.
func (c *Config) Validate() error {
	if c.Platform == "" {
		return fmt.Errorf("platform must not be empty")
	}
	if c.ScraperConfig.IntervalMs <= 0 {
		return fmt.Errorf("scraper interval_ms must be positive, got %d", c.ScraperConfig.IntervalMs)
	}
	if c.ScraperConfig.Concurrency <= 0 {
		return fmt.Errorf("scraper concurrency must be positive, got %d", c.ScraperConfig.Concurrency)
	}
	if c.ScraperConfig.OrderPageSize <= 0 {
		return fmt.Errorf("scraper order_page_size must be positive, got %d", c.ScraperConfig.OrderPageSize)
	}
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.ServerConfig.Port)
	}
	return nil
}

// GenerateSampleConfig writes a config.json populated with defaults.
func GenerateSampleConfig(path string) error {
	cfg := defaultConfig()
	cfg.ScraperConfig.LeadIDs = []string{"1234567890", "9876543210"}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sample config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write sample config: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
