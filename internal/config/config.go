package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/keeper/exec"
	"github.com/web3guy0/keeper/feeds"
)

// ErrMissingKey is returned when no signing key is configured.
var ErrMissingKey = errors.New("PRIVATE_KEY is required")

// DefaultNodeURL is the public xDai websocket endpoint.
const (
	DefaultNodeURL = "wss://rpc.xdaichain.com/wss"

	minGasLimitMargin = exec.MinGasLimitMargin
)

// Config holds all configuration for the keeper
type Config struct {
	// Chain
	NodeURL    string
	PrivateKey string
	LOBAddress string

	// Data sources
	ApexSubgraphURL string
	PerpSubgraphURL string
	MetadataURL     string
	OrderPageSize   int
	FetchRetries    int

	// Loop
	TickInterval         time.Duration
	TriggerIntervalTicks int
	TrailCooldown        time.Duration

	// Submission
	ReceiptTimeout      time.Duration
	GasLimitMargin      decimal.Decimal
	TipGasFactor        int64
	AllowUnprofitable   bool
	MaxAttemptsPerOrder int
	GasStatePath        string

	// Mode
	DryRun bool
	Debug  bool

	// Storage
	DatabasePath string

	// Observability
	LogFile     string
	MetricsAddr string

	// Telegram
	TelegramToken  string
	TelegramChatID int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		NodeURL:    getEnv("NODE_URL", DefaultNodeURL),
		PrivateKey: os.Getenv("PRIVATE_KEY"),
		LOBAddress: getEnv("LOB_ADDRESS", exec.DefaultLOBAddress),

		ApexSubgraphURL: getEnv("APEX_SUBGRAPH_URL", feeds.DefaultApexSubgraph),
		PerpSubgraphURL: getEnv("PERP_SUBGRAPH_URL", feeds.DefaultPerpSubgraph),
		MetadataURL:     getEnv("AMM_METADATA_URL", feeds.DefaultMetadataURL),
		OrderPageSize:   getEnvInt("ORDER_PAGE_SIZE", 1000),
		FetchRetries:    getEnvInt("FETCH_RETRIES", 3),

		TickInterval:         getEnvDuration("TICK_INTERVAL", 10*time.Second),
		TriggerIntervalTicks: getEnvInt("TRIGGER_INTERVAL_TICKS", 30),
		TrailCooldown:        getEnvDuration("TRAIL_COOLDOWN", 10*time.Minute),

		ReceiptTimeout:      getEnvDuration("RECEIPT_TIMEOUT", 45*time.Second),
		GasLimitMargin:      getEnvDecimal("GAS_LIMIT_MARGIN", decimal.NewFromFloat(minGasLimitMargin)),
		TipGasFactor:        int64(getEnvInt("TIP_GAS_FACTOR", 666)),
		AllowUnprofitable:   getEnvBool("ALLOW_UNPROFITABLE", false),
		MaxAttemptsPerOrder: getEnvInt("MAX_ATTEMPTS_PER_ORDER", 0),
		GasStatePath:        getEnv("GAS_STATE_PATH", "data/gas_state.json"),

		DryRun: getEnvBool("DRY_RUN", false),
		Debug:  getEnvBool("DEBUG", false),

		DatabasePath: getEnv("DATABASE_PATH", "data/keeper.db"),

		LogFile:     os.Getenv("LOG_FILE"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if chatIDStr := os.Getenv("TELEGRAM_CHAT_ID"); chatIDStr != "" {
		chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = chatID
	}

	// Never estimate below the safety margin.
	if cfg.GasLimitMargin.LessThan(decimal.NewFromFloat(minGasLimitMargin)) {
		cfg.GasLimitMargin = decimal.NewFromFloat(minGasLimitMargin)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the keeper cannot run with.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return ErrMissingKey
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive, got %s", c.TickInterval)
	}
	if c.ReceiptTimeout <= 0 {
		return fmt.Errorf("RECEIPT_TIMEOUT must be positive, got %s", c.ReceiptTimeout)
	}
	if c.TrailCooldown < 0 {
		return fmt.Errorf("TRAIL_COOLDOWN must not be negative, got %s", c.TrailCooldown)
	}
	if c.TriggerIntervalTicks < 1 {
		return fmt.Errorf("TRIGGER_INTERVAL_TICKS must be at least 1, got %d", c.TriggerIntervalTicks)
	}
	if c.TipGasFactor <= 0 {
		return fmt.Errorf("TIP_GAS_FACTOR must be positive, got %d", c.TipGasFactor)
	}
	if c.MaxAttemptsPerOrder < 0 {
		return fmt.Errorf("MAX_ATTEMPTS_PER_ORDER must not be negative, got %d", c.MaxAttemptsPerOrder)
	}
	if c.OrderPageSize <= 0 {
		return fmt.Errorf("ORDER_PAGE_SIZE must be positive, got %d", c.OrderPageSize)
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("FETCH_RETRIES must not be negative, got %d", c.FetchRetries)
	}
	return nil
}

// TelegramEnabled reports whether both Telegram settings are present.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
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

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
