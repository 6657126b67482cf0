package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	OpenAI      OpenAIConfig
	OTEL        OTELConfig
	Feed        FeedConfig
	Sync        SyncConfig
	Analysis    AnalysisConfig
	Cache       CacheConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver     string
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	SQLitePath string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// OpenAIConfig holds OpenAI configuration
type OpenAIConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	RateLimitRPM   int
	RateLimitBurst int
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// FeedConfig holds the upstream bed feed configuration
type FeedConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	WardFilter string
}

// SyncConfig holds orchestrator configuration
type SyncConfig struct {
	SchedulerEnabled  bool
	Interval          time.Duration
	WardPattern       string
	AbsoluteFloor     int
	MinRatio          float64
	SnapshotRetention time.Duration
	HistorySize       int
	StatusTTL         time.Duration
}

// AnalysisConfig holds clinical analysis configuration
type AnalysisConfig struct {
	BatchSize             int
	MaxAttempts           int
	InitialDelay          time.Duration
	MaxDelay              time.Duration
	CallTimeout           time.Duration
	TokensPerRecord       int
	CostPerThousandTokens float64
}

// CacheConfig holds result cache configuration
type CacheConfig struct {
	MaxEntries int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnvAsInt("DB_PORT", 5432),
			User:       getEnv("DB_USER", "postgres"),
			Password:   getEnv("DB_PASSWORD", ""),
			Database:   getEnv("DB_NAME", "wardwatch"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			SQLitePath: getEnv("DB_SQLITE_PATH", "wardwatch.db"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		OpenAI: OpenAIConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			RateLimitRPM:   getEnvAsInt("OPENAI_RATE_LIMIT_RPM", 60),
			RateLimitBurst: getEnvAsInt("OPENAI_RATE_LIMIT_BURST", 5),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "wardwatch"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		Feed: FeedConfig{
			BaseURL:    getEnv("FEED_BASE_URL", "http://localhost:9000"),
			APIKey:     getEnv("FEED_API_KEY", ""),
			Timeout:    getEnvAsDuration("FEED_TIMEOUT", 30*time.Second),
			WardFilter: getEnv("FEED_WARD_FILTER", ""),
		},
		Sync: SyncConfig{
			SchedulerEnabled:  getEnvAsBool("SYNC_SCHEDULER_ENABLED", true),
			Interval:          getEnvAsDuration("SYNC_INTERVAL", 10*time.Minute),
			WardPattern:       getEnv("SYNC_WARD_PATTERN", ".+"),
			AbsoluteFloor:     getEnvAsInt("SYNC_ABSOLUTE_FLOOR", 5),
			MinRatio:          getEnvAsFloat("SYNC_MIN_RATIO", 0.5),
			SnapshotRetention: getEnvAsDuration("SYNC_SNAPSHOT_RETENTION", 24*time.Hour),
			HistorySize:       getEnvAsInt("SYNC_HISTORY_SIZE", 100),
			StatusTTL:         getEnvAsDuration("SYNC_STATUS_TTL", time.Hour),
		},
		Analysis: AnalysisConfig{
			BatchSize:             getEnvAsInt("ANALYSIS_BATCH_SIZE", 10),
			MaxAttempts:           getEnvAsInt("ANALYSIS_MAX_ATTEMPTS", 3),
			InitialDelay:          getEnvAsDuration("ANALYSIS_RETRY_INITIAL_DELAY", 500*time.Millisecond),
			MaxDelay:              getEnvAsDuration("ANALYSIS_RETRY_MAX_DELAY", 8*time.Second),
			CallTimeout:           getEnvAsDuration("ANALYSIS_CALL_TIMEOUT", 90*time.Second),
			TokensPerRecord:       getEnvAsInt("ANALYSIS_TOKENS_PER_RECORD", 1200),
			CostPerThousandTokens: getEnvAsFloat("ANALYSIS_COST_PER_1K_TOKENS", 0.0006),
		},
		Cache: CacheConfig{
			MaxEntries: getEnvAsInt("CACHE_MAX_ENTRIES", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the sync pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Sync.MinRatio < 0 || c.Sync.MinRatio > 1 {
		return fmt.Errorf("SYNC_MIN_RATIO must be between 0 and 1, got %v", c.Sync.MinRatio)
	}
	if c.Sync.AbsoluteFloor < 0 {
		return fmt.Errorf("SYNC_ABSOLUTE_FLOOR must not be negative, got %d", c.Sync.AbsoluteFloor)
	}
	if c.Analysis.BatchSize <= 0 {
		return fmt.Errorf("ANALYSIS_BATCH_SIZE must be positive, got %d", c.Analysis.BatchSize)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	return nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
