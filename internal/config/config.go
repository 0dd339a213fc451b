// Package config содержит логику чтения конфигурации сервиса карса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса карса.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	LedgerAddress     string        `env:"LEDGER_ADDRESS"`
	ExchangeRate      int64         `env:"EXCHANGE_RATE"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL"`
	LedgerTimeout     time.Duration `env:"LEDGER_TIMEOUT"`
}

const (
	// defaultExchangeRate — минимальных единиц токена на одну фиатную единицу.
	defaultExchangeRate      = int64(100_000_000)
	defaultReconcileInterval = 5 * time.Second
	defaultLedgerTimeout     = 15 * time.Second
)

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envLedgerAddress := cfg.LedgerAddress
	envExchangeRate := cfg.ExchangeRate
	envReconcileInterval := cfg.ReconcileInterval
	envLedgerTimeout := cfg.LedgerTimeout

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.LedgerAddress, "l", "", "ledger gateway address")
	flag.Int64Var(&cfg.ExchangeRate, "e", defaultExchangeRate, "token base units per fiat unit")
	flag.DurationVar(&cfg.ReconcileInterval, "i", defaultReconcileInterval, "ambiguous key reconciliation interval")
	flag.DurationVar(&cfg.LedgerTimeout, "t", defaultLedgerTimeout, "ledger request timeout")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envLedgerAddress != "" {
		cfg.LedgerAddress = envLedgerAddress
	}
	if envExchangeRate != 0 {
		cfg.ExchangeRate = envExchangeRate
	}
	if envReconcileInterval != 0 {
		cfg.ReconcileInterval = envReconcileInterval
	}
	if envLedgerTimeout != 0 {
		cfg.LedgerTimeout = envLedgerTimeout
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ExchangeRate <= 0 {
		return nil, fmt.Errorf("exchange rate must be positive, got %d", cfg.ExchangeRate)
	}

	return cfg, nil
}
