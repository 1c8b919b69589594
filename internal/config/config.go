// Package config содержит логику чтения конфигурации сервиса заказов.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса заказов.
type Config struct {
	RunAddress            string `env:"RUN_ADDRESS"`
	DatabaseURI           string `env:"DATABASE_URI"`
	PaymentGatewayAddress string `env:"PAYMENT_GATEWAY_ADDRESS"`
	RedisAddr             string `env:"REDIS_ADDR"`
	RabbitURL             string `env:"RABBITMQ_URL"`
	RabbitExchange        string `env:"RABBITMQ_EXCHANGE" envDefault:"order_events"`
	AuthSecret            string `env:"AUTH_SECRET"`

	CancelTimeoutMinutes int  `env:"ORDER_CANCEL_TIMEOUT_MINUTES" envDefault:"5"`
	SweepIntervalSeconds int  `env:"ORDER_SWEEP_INTERVAL_SECONDS" envDefault:"60"`
	ExpirePending        bool `env:"ORDER_EXPIRE_PENDING" envDefault:"true"`
}

// CancelTimeout возвращает время, после которого неоплаченный заказ отменяется.
func (c *Config) CancelTimeout() time.Duration {
	return time.Duration(c.CancelTimeoutMinutes) * time.Minute
}

// SweepInterval возвращает интервал между обходами планировщика.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// ParseEnv считывает конфигурацию из файла .env и переменных окружения, не трогая флаги командной строки.
// Переменные окружения имеют приоритет над файлом .env.
func ParseEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg, err := ParseEnv()
	if err != nil {
		return nil, err
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.PaymentGatewayAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PaymentGatewayAddress, "g", "", "payment gateway address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.PaymentGatewayAddress = envGatewayAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.CancelTimeoutMinutes <= 0 {
		return fmt.Errorf("ORDER_CANCEL_TIMEOUT_MINUTES must be positive, got %d", c.CancelTimeoutMinutes)
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("ORDER_SWEEP_INTERVAL_SECONDS must be positive, got %d", c.SweepIntervalSeconds)
	}
	return nil
}
