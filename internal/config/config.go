// Package config содержит логику чтения конфигурации реферального сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации реферального сервиса.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	NotifierAddress string `env:"NOTIFIER_ADDRESS"`

	AuthSecret   string `env:"AUTH_SECRET" envDefault:"referral-secret"`
	WebhookToken string `env:"WEBHOOK_TOKEN"`

	// Политика начисления вознаграждений. Значения по умолчанию соответствуют
	// продуктовым тарифам: pilot — 5 платящих приглашений, waitlist — 10,
	// остальные тарифы — 20.
	ThresholdPilot    int           `env:"REFERRAL_THRESHOLD_PILOT" envDefault:"5"`
	ThresholdWaitlist int           `env:"REFERRAL_THRESHOLD_WAITLIST" envDefault:"10"`
	ThresholdDefault  int           `env:"REFERRAL_THRESHOLD_DEFAULT" envDefault:"20"`
	CreditTTL         time.Duration `env:"CREDIT_TTL" envDefault:"2160h"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotifierAddress := cfg.NotifierAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NotifierAddress, "n", "", "notification service address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotifierAddress != "" {
		cfg.NotifierAddress = envNotifierAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.ThresholdPilot <= 0 || cfg.ThresholdWaitlist <= 0 || cfg.ThresholdDefault <= 0 {
		return nil, fmt.Errorf("referral thresholds must be positive")
	}
	if cfg.CreditTTL <= 0 {
		return nil, fmt.Errorf("credit TTL must be positive")
	}

	return cfg, nil
}
