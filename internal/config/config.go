package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewGatewayConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	CacheGateway GatewayConfig
	Sync         SyncConfig
	Redis        RedisConfig
	MetricsPush  MetricsPushConfig
}

// GatewayConfig points at the external cache service.
type GatewayConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Configured reports whether both the base url and the shared token are set.
func (g GatewayConfig) Configured() bool {
	return strings.TrimSpace(g.BaseURL) != "" && strings.TrimSpace(g.Token) != ""
}

// SyncConfig tunes the batch sync driver.
type SyncConfig struct {
	CronSecret         string
	MaxExecution       time.Duration
	SafetyMargin       time.Duration
	DiscrepancyReserve time.Duration
	RepairReserve      time.Duration
	RepairCap          int
	BatchSize          int
	ManualBatchSize    int
	ErrorTolerance     float64
	RunInterval        time.Duration
	LockEnabled        bool
	LockTTL            time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "creditsync"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		CacheGateway: GatewayConfig{
			BaseURL: strings.TrimRight(strings.TrimSpace(getenv("CACHE_API_URL", os.Getenv("REDIS_API_URL"))), "/"),
			Token:   strings.TrimSpace(getenv("INTERNAL_API_TOKEN", "")),
			Timeout: getenvDuration("CACHE_API_TIMEOUT", 10*time.Second),
		},
		Sync: SyncConfig{
			CronSecret:         strings.TrimSpace(getenv("CRON_SECRET", "")),
			MaxExecution:       getenvDuration("SYNC_MAX_EXECUTION", 60*time.Second),
			SafetyMargin:       getenvDuration("SYNC_SAFETY_MARGIN", 5*time.Second),
			DiscrepancyReserve: getenvDuration("SYNC_DISCREPANCY_RESERVE", 10*time.Second),
			RepairReserve:      getenvDuration("SYNC_REPAIR_RESERVE", 5*time.Second),
			RepairCap:          getenvInt("SYNC_REPAIR_CAP", 10),
			BatchSize:          getenvInt("SYNC_BATCH_SIZE", 500),
			ManualBatchSize:    getenvInt("SYNC_MANUAL_BATCH_SIZE", 100),
			ErrorTolerance:     getenvFloat("SYNC_ERROR_TOLERANCE", 0.1),
			RunInterval:        getenvDuration("SYNC_INTERVAL", time.Hour),
			LockEnabled:        getenvBool("SYNC_LOCK_ENABLED", false),
			LockTTL:            getenvDuration("SYNC_LOCK_TTL", 2*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		MetricsPush: MetricsPushConfig{
			Exporter:  strings.ToLower(getenv("METRICS_PUSH_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
		},
	}

	return cfg
}

// IsDevelopment reports whether manual sync triggers are allowed without a test header.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go durations ("55s") or bare milliseconds ("55000").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
