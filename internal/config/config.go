package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the gate service.
type Config struct {
	DataDir string

	// Chat transport
	TelegramToken string

	// AI backend
	MistralAPIKey string
	MistralModel  string

	// Payment processor
	CryptoCloudAPIKey string
	CryptoCloudShopID string

	// Quota and subscription
	DailyFreeLimit       int
	SubscriptionPriceUSD float64
	SubscriptionDuration time.Duration

	// Invoice polling
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	PollMaxWait         time.Duration

	// Observability
	MetricsPort int
	LogLevel    string
	LogFormat   string
}

// DatabasePath returns the path of the sqlite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "querygate.db")
}

// Load reads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	dailyLimit, err := envOrDefaultInt("GATE_DAILY_FREE_LIMIT", 10)
	if err != nil {
		return nil, err
	}
	price, err := envOrDefaultFloat("GATE_SUBSCRIPTION_PRICE_USD", 3)
	if err != nil {
		return nil, err
	}
	subDuration, err := envOrDefaultDuration("GATE_SUBSCRIPTION_DURATION", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}
	pollInitial, err := envOrDefaultDuration("GATE_POLL_INITIAL_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	pollMax, err := envOrDefaultDuration("GATE_POLL_MAX_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	pollMaxWait, err := envOrDefaultDuration("GATE_POLL_MAX_WAIT", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	metricsPort, err := envOrDefaultInt("GATE_METRICS_PORT", 9191)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:              envOrDefault("GATE_DATA_DIR", "./data"),
		TelegramToken:        strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")),
		MistralAPIKey:        strings.TrimSpace(os.Getenv("MISTRAL_API_KEY")),
		MistralModel:         envOrDefault("MISTRAL_MODEL", "mistral-medium-latest"),
		CryptoCloudAPIKey:    strings.TrimSpace(os.Getenv("CRYPTOCLOUD_API_KEY")),
		CryptoCloudShopID:    strings.TrimSpace(os.Getenv("CRYPTOCLOUD_SHOP_ID")),
		DailyFreeLimit:       dailyLimit,
		SubscriptionPriceUSD: price,
		SubscriptionDuration: subDuration,
		PollInitialInterval:  pollInitial,
		PollMaxInterval:      pollMax,
		PollMaxWait:          pollMaxWait,
		MetricsPort:          metricsPort,
		LogLevel:             envOrDefault("GATE_LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("GATE_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.TelegramToken == "" {
		missing = append(missing, "TELEGRAM_TOKEN")
	}
	if c.MistralAPIKey == "" {
		missing = append(missing, "MISTRAL_API_KEY")
	}
	if c.CryptoCloudAPIKey == "" {
		missing = append(missing, "CRYPTOCLOUD_API_KEY")
	}
	if c.CryptoCloudShopID == "" {
		missing = append(missing, "CRYPTOCLOUD_SHOP_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.DailyFreeLimit < 1 {
		return fmt.Errorf("GATE_DAILY_FREE_LIMIT must be at least 1, got %d", c.DailyFreeLimit)
	}
	if c.SubscriptionPriceUSD <= 0 {
		return fmt.Errorf("GATE_SUBSCRIPTION_PRICE_USD must be greater than 0, got %v", c.SubscriptionPriceUSD)
	}
	if c.SubscriptionDuration <= 0 {
		return fmt.Errorf("GATE_SUBSCRIPTION_DURATION must be greater than 0, got %v", c.SubscriptionDuration)
	}
	if c.PollInitialInterval <= 0 {
		return fmt.Errorf("GATE_POLL_INITIAL_INTERVAL must be greater than 0, got %v", c.PollInitialInterval)
	}
	if c.PollMaxInterval < c.PollInitialInterval {
		return fmt.Errorf("GATE_POLL_MAX_INTERVAL must be at least the initial interval, got %v", c.PollMaxInterval)
	}
	if c.PollMaxWait < c.PollMaxInterval {
		return fmt.Errorf("GATE_POLL_MAX_WAIT must be at least the max interval, got %v", c.PollMaxWait)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("GATE_METRICS_PORT must be between 1 and 65535, got %d", c.MetricsPort)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return parsed, nil
}

func envOrDefaultFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return parsed, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. \"30s\"), got %q", key, v)
	}
	return parsed, nil
}
