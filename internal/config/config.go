// Package config содержит логику чтения конфигурации сервиса реферальной сети.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultRunAddress = "localhost:8080"
	defaultQueueSize  = 256
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress       string `env:"RUN_ADDRESS"`
	DatabaseURI      string `env:"DATABASE_URI"`
	RedisAddress     string `env:"REDIS_ADDRESS"`
	AMQPURL          string `env:"AMQP_URL"`
	NotifyWebhookURL string `env:"NOTIFY_WEBHOOK_URL"`
	SeedDemo         bool   `env:"SEED_DEMO"`
	NotifyQueueSize  int    `env:"NOTIFY_QUEUE_SIZE"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.RedisAddress, "redis", "", "redis address for notification fan-out")
	flag.StringVar(&cfg.AMQPURL, "amqp", "", "AMQP broker URL for notification events")
	flag.StringVar(&cfg.NotifyWebhookURL, "w", "", "webhook URL for notification delivery")
	flag.BoolVar(&cfg.SeedDemo, "seed", false, "create demo users on startup")
	flag.IntVar(&cfg.NotifyQueueSize, "q", defaultQueueSize, "outbound notification queue size")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.RedisAddress != "" {
		cfg.RedisAddress = envCfg.RedisAddress
	}
	if envCfg.AMQPURL != "" {
		cfg.AMQPURL = envCfg.AMQPURL
	}
	if envCfg.NotifyWebhookURL != "" {
		cfg.NotifyWebhookURL = envCfg.NotifyWebhookURL
	}
	if envCfg.SeedDemo {
		cfg.SeedDemo = true
	}
	if envCfg.NotifyQueueSize != 0 {
		cfg.NotifyQueueSize = envCfg.NotifyQueueSize
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.NotifyQueueSize <= 0 {
		return nil, fmt.Errorf("notify queue size must be positive, got %d", cfg.NotifyQueueSize)
	}

	return cfg, nil
}
