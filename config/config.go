// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/warp/score-engine/ledger"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Port        int    `env:"SCORE_ENGINE_PORT" envDefault:"8080"`
	Store       string `env:"SCORE_ENGINE_STORE" envDefault:"sqlite"`
	SQLitePath  string `env:"SCORE_ENGINE_SQLITE_PATH" envDefault:"./data/score.db"`
	PostgresDSN string `env:"SCORE_ENGINE_PG_DSN"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogEncoding string `env:"LOG_ENCODING" envDefault:"json"`

	RedisAddr      string `env:"SCORE_ENGINE_REDIS_ADDR"`
	RedisPassword  string `env:"SCORE_ENGINE_REDIS_PASSWORD"`
	RedisDB        int    `env:"SCORE_ENGINE_REDIS_DB" envDefault:"0"`
	RedisStream    string `env:"SCORE_ENGINE_REDIS_STREAM" envDefault:"score:awards"`
	RedisStreamMax int64  `env:"SCORE_ENGINE_REDIS_STREAM_MAXLEN" envDefault:"10000"`

	PolicyFile    string `env:"SCORE_ENGINE_POLICY_FILE"`
	ReplayWorkers int    `env:"SCORE_ENGINE_REPLAY_WORKERS" envDefault:"4"`

	// ReplayInterval schedules background reconciliation. 0 disables it.
	ReplayInterval time.Duration `env:"SCORE_ENGINE_REPLAY_INTERVAL" envDefault:"0"`

	Transfer Transfer `envPrefix:"SCORE_ENGINE_TRANSFER_"`
}

// Transfer mirrors ledger.TransferConfig. Zero amounts disable the limit.
type Transfer struct {
	Enabled    bool            `env:"ENABLED" envDefault:"true"`
	MinAmount  decimal.Decimal `env:"MIN_AMOUNT" envDefault:"0"`
	MaxAmount  decimal.Decimal `env:"MAX_AMOUNT" envDefault:"0"`
	DailyLimit int             `env:"DAILY_LIMIT" envDefault:"0"`
	Fee        decimal.Decimal `env:"FEE" envDefault:"0"`
	FeeAccount string          `env:"FEE_ACCOUNT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates Config.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("SCORE_ENGINE_PG_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.ReplayInterval < 0 {
		return fmt.Errorf("negative replay interval %s", c.ReplayInterval)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return c.TransferConfig().Validate()
}

func (c Config) TransferConfig() ledger.TransferConfig {
	return ledger.TransferConfig{
		Enabled:    c.Transfer.Enabled,
		MinAmount:  c.Transfer.MinAmount,
		MaxAmount:  c.Transfer.MaxAmount,
		DailyLimit: c.Transfer.DailyLimit,
		Fee:        c.Transfer.Fee,
		FeeAccount: ledger.AccountID(c.Transfer.FeeAccount),
	}
}
