// Package config содержит логику чтения конфигурации кредитного сервиса.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config содержит параметры конфигурации кредитного сервиса.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	DefaultCredit string `env:"DEFAULT_CREDIT"`
	AuthSecret    string `env:"AUTH_SECRET"`
	ServiceName   string `env:"SERVICE_NAME" envDefault:"Credits"`

	// Параметры платёжного провайдера.
	EzfpPID          string `env:"EZFP_PID"`
	EzfpKey          string `env:"EZFP_KEY"`
	EzfpEndpoint     string `env:"EZFP_ENDPOINT"`
	EzfpCallbackHost string `env:"EZFP_CALLBACK_HOST"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envDefaultCredit := cfg.DefaultCredit

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.DefaultCredit, "c", "0", "initial credit for new users")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envDefaultCredit != "" {
		cfg.DefaultCredit = envDefaultCredit
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.DefaultCredit == "" {
		cfg.DefaultCredit = "0"
	}

	if _, err := decimal.NewFromString(cfg.DefaultCredit); err != nil {
		return nil, fmt.Errorf("parse default credit %q: %w", cfg.DefaultCredit, err)
	}

	return cfg, nil
}
