// Package config loads engine/worker configuration from the environment,
// generalizing the env-var loading pattern the rest of this codebase uses
// throughout.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Config holds the process-wide settings recognized by the engine and
// worker binaries.
type Config struct {
	// DatabaseURL selects the Trading Store driver: a postgres:// or
	// postgresql:// DSN opens PostgresStore, anything else runs an
	// in-memory store suited to local development and tests.
	DatabaseURL string
	// MarketDataURL is the read-only OHLCV/feature store DSN; defaults
	// to DatabaseURL when unset so a single-DB deployment needs only one.
	MarketDataURL string

	PollMs                     int
	MaxParallelSymbols         int
	WorkerName                 string
	DBPoolMax                  int
	SlippageBps                decimal.Decimal
	TakerFeeBps                decimal.Decimal
	AccountSnapshotEveryNBars  int
	AccountSnapshotMaxInterval time.Duration

	TelegramBotToken string
	TelegramChatID   int64
	NotifyEnabled    bool

	LogLevel string
	LogJSON  bool

	MetricsAddr string
}

// Load reads .env (if present) then the environment, applying the
// defaults given to each getEnv* call below.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, relying on process environment")
	}

	cfg := &Config{
		DatabaseURL:                getEnv("DATABASE_URL", "momentum.db"),
		MarketDataURL:              getEnv("MARKET_DATA_URL", ""),
		PollMs:                     getEnvInt("POLL_MS", 1500),
		MaxParallelSymbols:         getEnvInt("MAX_PARALLEL_SYMBOLS", 2),
		WorkerName:                 getEnv("WORKER_NAME", "worker"),
		DBPoolMax:                  getEnvInt("DB_POOL_MAX", 8),
		SlippageBps:                getEnvDecimal("SLIPPAGE_BPS", decimal.NewFromInt(2)),
		TakerFeeBps:                getEnvDecimal("TAKER_FEE_BPS", decimal.NewFromInt(4)),
		AccountSnapshotEveryNBars:  getEnvInt("ACCOUNT_SNAPSHOT_EVERY_N_BARS", 5),
		AccountSnapshotMaxInterval: getEnvDuration("ACCOUNT_SNAPSHOT_MAX_INTERVAL", 60*time.Second),
		TelegramBotToken:           getEnv("TELEGRAM_BOT_TOKEN", ""),
		NotifyEnabled:              getEnvBool("NOTIFY_ENABLED", false),
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
		LogJSON:                    getEnvBool("LOG_JSON", false),
		MetricsAddr:                getEnv("METRICS_ADDR", ":9090"),
	}

	if cfg.MarketDataURL == "" {
		cfg.MarketDataURL = cfg.DatabaseURL
	}

	if cfg.NotifyEnabled {
		if cfg.TelegramBotToken == "" {
			return nil, fmt.Errorf("NOTIFY_ENABLED=true requires TELEGRAM_BOT_TOKEN")
		}
		chatIDStr := getEnv("TELEGRAM_CHAT_ID", "")
		if chatIDStr == "" {
			return nil, fmt.Errorf("NOTIFY_ENABLED=true requires TELEGRAM_CHAT_ID")
		}
		chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = chatID
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fallback
	}
	return d
}
