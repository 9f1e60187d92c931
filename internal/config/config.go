// Package config provides configuration management for the attested rebalancer.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Trust    TrustConfig
	Policy   PolicyConfig
	Backends BackendConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP relay configuration
type ServerConfig struct {
	Port         string
	Host         string
	RequestsPerS int // Per-client token bucket rate
	Burst        int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainConfig identifies the substrate and the well-known contract addresses
type ChainConfig struct {
	ID             int64
	RPCURL         string // Optional; when set the chain ID is read from the node
	RPCFallbackURL string
	LedgerAddress  string
	SponsorAddress string
	FactoryAddress string
	EntryPoint     string
}

// TrustConfig holds the keys every trust decision is made against
type TrustConfig struct {
	Admin           string
	Attester        string
	ExecutionPool   string
	SponsorSigner   string
	FeeRecipient    string
	FeeBps          int
	AttesterKeyPath string // Used by cmd/attester only
}

// PolicyConfig holds tunable authorization policy
type PolicyConfig struct {
	MinRebalanceInterval    time.Duration
	DailySponsorshipLimit   int
	SponsorMaxValidity      time.Duration
	MaxCostPerOperation     int64
	EnforceAllocationSum    bool
	ConsumeOnAdapterFailure bool
}

// BackendConfig selects the storage backend per concern
type BackendConfig struct {
	Quota          string // memory | redis
	Events         string // log | postgres | clickhouse
	MigrationsPath string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerS: getEnvAsInt("SERVER_RPS", 20),
			Burst:        getEnvAsInt("SERVER_BURST", 40),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "rebalancer"),
				User:           getEnv("POSTGRES_USER", "rebalancer"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "rebalancer"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Chain: ChainConfig{
			ID:             int64(getEnvAsInt("CHAIN_ID", 31337)),
			RPCURL:         getEnv("CHAIN_RPC_URL", ""),
			RPCFallbackURL: getEnv("CHAIN_RPC_FALLBACK_URL", ""),
			LedgerAddress:  getEnv("LEDGER_ADDRESS", "0x00000000000000000000000000000000000a11ce"),
			SponsorAddress: getEnv("SPONSOR_ADDRESS", "0x000000000000000000000000000000000000face"),
			FactoryAddress: getEnv("FACTORY_ADDRESS", "0x0000000000000000000000000000000000000fac"),
			EntryPoint:     getEnv("ENTRY_POINT_ADDRESS", "0x0000000000000000000000000000000000004337"),
		},
		Trust: TrustConfig{
			Admin:           getEnv("ADMIN_ADDRESS", ""),
			Attester:        getEnv("ATTESTER_ADDRESS", ""),
			ExecutionPool:   getEnv("EXECUTION_POOL_ADDRESS", ""),
			SponsorSigner:   getEnv("SPONSOR_SIGNER_ADDRESS", ""),
			FeeRecipient:    getEnv("FEE_RECIPIENT_ADDRESS", ""),
			FeeBps:          getEnvAsInt("FEE_BPS", 0),
			AttesterKeyPath: getEnv("ATTESTER_KEY_PATH", ""),
		},
		Policy: PolicyConfig{
			MinRebalanceInterval:    getEnvAsDuration("MIN_REBALANCE_INTERVAL", time.Hour),
			DailySponsorshipLimit:   getEnvAsInt("DAILY_SPONSORSHIP_LIMIT", 10),
			SponsorMaxValidity:      getEnvAsDuration("SPONSOR_MAX_VALIDITY", time.Hour),
			MaxCostPerOperation:     int64(getEnvAsInt("SPONSOR_MAX_COST", 0)),
			EnforceAllocationSum:    getEnvAsBool("ENFORCE_ALLOCATION_SUM", false),
			ConsumeOnAdapterFailure: getEnvAsBool("CONSUME_ON_ADAPTER_FAILURE", false),
		},
		Backends: BackendConfig{
			Quota:          strings.ToLower(getEnv("QUOTA_BACKEND", "memory")),
			Events:         strings.ToLower(getEnv("EVENTS_BACKEND", "log")),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks settings that would otherwise fail silently at runtime
func (c *Config) Validate() error {
	switch c.Backends.Quota {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown QUOTA_BACKEND %q", c.Backends.Quota)
	}
	switch c.Backends.Events {
	case "log", "postgres", "clickhouse":
	default:
		return fmt.Errorf("unknown EVENTS_BACKEND %q", c.Backends.Events)
	}
	if c.Policy.DailySponsorshipLimit <= 0 {
		return fmt.Errorf("DAILY_SPONSORSHIP_LIMIT must be positive")
	}
	if c.Trust.FeeBps < 0 || c.Trust.FeeBps > 1000 {
		return fmt.Errorf("FEE_BPS must be within 0..1000")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
