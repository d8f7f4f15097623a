// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration. Rate-limit defaults are
// deployment-overridable; per-action overrides live in the limiter as
// fixed constants.
type Config struct {
	TelegramToken string `env:"TELEGRAM_BOT_TOKEN,required,notEmpty"`

	LedgerBaseURL string        `env:"LEDGER_API_URL" envDefault:"https://income-api.copperx.io/api"`
	LedgerTimeout time.Duration `env:"LEDGER_HTTP_TIMEOUT" envDefault:"15s"`

	RateWindow      time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	RateMaxRequests int           `env:"RATE_LIMIT_MAX_REQUESTS" envDefault:"20"`

	SessionMaxIdle time.Duration `env:"SESSION_MAX_IDLE" envDefault:"24h"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`

	DepositPollInterval time.Duration `env:"DEPOSIT_POLL_INTERVAL" envDefault:"30s"`
}

// Load reads an optional .env file and parses the environment into Config.
// A missing .env file is not an error; a missing required variable is.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.RateMaxRequests <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be positive")
	}
	if cfg.RateWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	return &cfg, nil
}
