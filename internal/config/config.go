// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL       string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate       bool
	DBConnectAttempts int

	// Bootstrap settings, applied when the settings record is uninitialized
	AdminAddress string
	FeeRecipient string
	FeeRateBP    uint64

	// Escrow engine
	CustodyReserve        uint64
	RefundWatcherInterval time.Duration // 0 disables the watcher
	RelayerAddress        string

	// Reconciliation
	ReconcileInterval time.Duration // 0 disables the periodic run
	ReconcileLookback time.Duration

	// HTTP
	RateLimitRPM   uint64 // per client, 0 disables
	AllowedOrigins string // comma separated, "*" for any

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultFeeRateBP             = 0
	DefaultRefundWatcherInterval = 30 * time.Second
	DefaultRateLimitRPM          = 120
	DefaultDBConnectAttempts     = 5
	DefaultReconcileInterval     = 5 * time.Minute
	DefaultReconcileLookback     = 24 * time.Hour

	// MaxFeeRateBP is the exclusive upper bound on the fee rate (100%).
	MaxFeeRateBP = 10000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           getEnvBool("AUTO_MIGRATE", false),
		DBConnectAttempts:     int(getEnvUint64("DB_CONNECT_ATTEMPTS", DefaultDBConnectAttempts)),
		AdminAddress:          os.Getenv("ADMIN_ADDRESS"),
		FeeRecipient:          os.Getenv("FEE_RECIPIENT"),
		FeeRateBP:             getEnvUint64("FEE_RATE_BP", DefaultFeeRateBP),
		CustodyReserve:        getEnvUint64("CUSTODY_RESERVE", 0),
		RefundWatcherInterval: getEnvDuration("REFUND_WATCHER_INTERVAL", DefaultRefundWatcherInterval),
		RelayerAddress:        os.Getenv("RELAYER_ADDRESS"),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileLookback:     getEnvDuration("RECONCILE_LOOKBACK", DefaultReconcileLookback),
		RateLimitRPM:          getEnvUint64("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		AllowedOrigins:        getEnv("ALLOWED_ORIGINS", "*"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	for _, kv := range [][2]string{
		{"ADMIN_ADDRESS", c.AdminAddress},
		{"FEE_RECIPIENT", c.FeeRecipient},
		{"RELAYER_ADDRESS", c.RelayerAddress},
	} {
		if kv[1] != "" && !common.IsHexAddress(kv[1]) {
			return fmt.Errorf("%s must be a hex address", kv[0])
		}
	}
	if c.FeeRateBP >= MaxFeeRateBP {
		return fmt.Errorf("FEE_RATE_BP must be below %d", MaxFeeRateBP)
	}
	if c.RefundWatcherInterval < 0 {
		return fmt.Errorf("REFUND_WATCHER_INTERVAL must not be negative")
	}
	if c.RefundWatcherInterval > 0 && c.RelayerAddress == "" {
		return fmt.Errorf("RELAYER_ADDRESS is required when the refund watcher is enabled")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	if c.ReconcileLookback < 0 {
		return fmt.Errorf("RECONCILE_LOOKBACK must not be negative")
	}
	return nil
}

// Bootstrap reports whether settings should be initialized at startup.
func (c *Config) Bootstrap() bool {
	return c.AdminAddress != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseUint(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
