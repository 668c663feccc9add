// Package config provides configuration management for the portfolio sync engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Backend  BackendConfig
	Realtime RealtimeConfig
	Chain    ChainConfig
	Redis    RedisConfig
	Sync     SyncConfig
	Logging  LoggingConfig
	Wallets  []string
}

// ServerConfig holds the local API server configuration
type ServerConfig struct {
	Port      string
	Host      string
	ClientRPS int // Inbound requests per second per client
}

// BackendConfig holds the backend-of-record HTTP configuration
type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
	RPS     int // Outbound requests per second
}

// RealtimeConfig holds push channel configuration
type RealtimeConfig struct {
	URL          string
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// TokenConfig describes an auxiliary ERC-20 read on the on-chain tier
type TokenConfig struct {
	Symbol   string
	Address  string
	Decimals int32
}

// ChainConfig holds on-chain read configuration
type ChainConfig struct {
	RPCURL        string
	PrimaryAsset  TokenConfig
	WrappedNative TokenConfig
	NativeSymbol  string
	AuxTokens     []TokenConfig

	// CU budgeting for RPC reads; CUBudget <= 0 disables it
	CUBudget   int
	CUReserved int
	CUMaxWait  time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// SyncConfig holds refresh and projection tuning
type SyncConfig struct {
	RefreshInterval  time.Duration
	HistoryLimit     int
	DustThresholdUSD float64
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

	auxTokens, err := parseTokenList(getEnv("CHAIN_AUX_TOKENS", ""))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Port:      getEnv("SERVER_PORT", "8090"),
			Host:      getEnv("SERVER_HOST", "127.0.0.1"),
			ClientRPS: getEnvAsInt("SERVER_CLIENT_RPS", 20),
		},
		Backend: BackendConfig{
			BaseURL: strings.TrimRight(getEnv("BACKEND_BASE_URL", "http://localhost:8080"), "/"),
			Timeout: getEnvAsDuration("BACKEND_TIMEOUT", 10*time.Second),
			RPS:     getEnvAsInt("BACKEND_RPS", 10),
		},
		Realtime: RealtimeConfig{
			URL:          getEnv("REALTIME_URL", ""),
			MaxRetries:   getEnvAsInt("REALTIME_MAX_RETRIES", 5),
			RetryInitial: getEnvAsDuration("REALTIME_RETRY_INITIAL", time.Second),
			RetryMax:     getEnvAsDuration("REALTIME_RETRY_MAX", 30*time.Second),
		},
		Chain: ChainConfig{
			RPCURL: getEnv("RPC_URL", ""),
			PrimaryAsset: TokenConfig{
				Symbol:   "USDC",
				Address:  getEnv("CHAIN_PRIMARY_ASSET", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
				Decimals: 6,
			},
			WrappedNative: TokenConfig{
				Symbol:   "WETH",
				Address:  getEnv("CHAIN_WRAPPED_NATIVE", "0x4200000000000000000000000000000000000006"),
				Decimals: 18,
			},
			NativeSymbol: getEnv("CHAIN_NATIVE_SYMBOL", "ETH"),
			AuxTokens:    auxTokens,
			CUBudget:     getEnvAsInt("RPC_CU_BUDGET", 0),
			CUReserved:   getEnvAsInt("RPC_CU_RESERVED", 0),
			CUMaxWait:    getEnvAsDuration("RPC_CU_MAX_WAIT", 5*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Sync: SyncConfig{
			RefreshInterval:  getEnvAsDuration("REFRESH_INTERVAL", 30*time.Second),
			HistoryLimit:     getEnvAsInt("HISTORY_LIMIT", 50),
			DustThresholdUSD: getEnvAsFloat("DUST_THRESHOLD_USD", 0.01),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Wallets: getEnvAsList("WALLETS"),
	}

	return config, nil
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL is required")
	}
	if c.Sync.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive, got %v", c.Sync.RefreshInterval)
	}
	if c.Sync.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive, got %d", c.Sync.HistoryLimit)
	}
	if c.Chain.CUBudget > 0 && (c.Chain.CUReserved < 0 || c.Chain.CUReserved > c.Chain.CUBudget) {
		return fmt.Errorf("RPC_CU_RESERVED must be within [0, %d], got %d", c.Chain.CUBudget, c.Chain.CUReserved)
	}
	if c.Realtime.URL != "" {
		if c.Realtime.MaxRetries < 0 {
			return fmt.Errorf("REALTIME_MAX_RETRIES must not be negative, got %d", c.Realtime.MaxRetries)
		}
		if c.Realtime.RetryInitial <= 0 || c.Realtime.RetryMax < c.Realtime.RetryInitial {
			return fmt.Errorf("REALTIME_RETRY_INITIAL must be positive and at most REALTIME_RETRY_MAX")
		}
	}
	for _, wallet := range c.Wallets {
		if !common.IsHexAddress(wallet) {
			return fmt.Errorf("invalid wallet address: %s", wallet)
		}
	}
	return nil
}

// parseTokenList parses "SYMBOL:address:decimals,..." entries
func parseTokenList(raw string) ([]TokenConfig, error) {
	var tokens []TokenConfig
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid CHAIN_AUX_TOKENS entry %q: want SYMBOL:address:decimals", item)
		}
		decimals, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid decimals in CHAIN_AUX_TOKENS entry %q: %w", item, err)
		}
		if !common.IsHexAddress(parts[1]) {
			return nil, fmt.Errorf("invalid token address in CHAIN_AUX_TOKENS entry %q", item)
		}
		tokens = append(tokens, TokenConfig{
			Symbol:   strings.ToUpper(parts[0]),
			Address:  parts[1],
			Decimals: int32(decimals),
		})
	}
	return tokens, nil
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
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated variable, dropping blanks
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
