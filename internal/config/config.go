// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	MongoURI            string        `env:"MONGO_URI"`
	MongoDatabase       string        `env:"MONGO_DATABASE" envDefault:"ararat"`
	RedisAddress        string        `env:"REDIS_ADDRESS"`
	LeaseTTL            time.Duration `env:"LEASE_TTL" envDefault:"30s"`
	FirebaseCredentials string        `env:"FIREBASE_CREDENTIALS"`
	KafkaBrokers        []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaGroup          string        `env:"KAFKA_GROUP" envDefault:"ararat-notifications"`
	NotificationTopic   string        `env:"NOTIFICATION_TOPIC" envDefault:"notifications"`
	TriggerSecret       string        `env:"TRIGGER_SECRET"`
	ProcessingDelay     time.Duration `env:"PROCESSING_DELAY" envDefault:"2s"`
	PushTimeout         time.Duration `env:"PUSH_TIMEOUT" envDefault:"10s"`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv              string        `env:"APP_ENV" envDefault:"prod"`
	OTLPEndpoint        string        `env:"OTLP_ENDPOINT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envMongoURI := cfg.MongoURI
	envFirebaseCredentials := cfg.FirebaseCredentials

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "postgres database URI")
	flag.StringVar(&cfg.MongoURI, "m", "", "mongodb URI")
	flag.StringVar(&cfg.FirebaseCredentials, "f", "", "firebase service account credentials file")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envMongoURI != "" {
		cfg.MongoURI = envMongoURI
	}
	if envFirebaseCredentials != "" {
		cfg.FirebaseCredentials = envFirebaseCredentials
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURI == "" && c.MongoURI == "" {
		return errors.New("record store is not configured: set DATABASE_URI or MONGO_URI")
	}
	if c.ProcessingDelay < 0 {
		return fmt.Errorf("processing delay must not be negative: %s", c.ProcessingDelay)
	}
	if c.PushTimeout <= 0 {
		return fmt.Errorf("push timeout must be positive: %s", c.PushTimeout)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease ttl must be positive: %s", c.LeaseTTL)
	}
	return nil
}

// UseMongo сообщает, что хранилищем записей выбран MongoDB.
func (c *Config) UseMongo() bool {
	return c.MongoURI != ""
}

// NotificationsEnabled сообщает, настроена ли доставка push-уведомлений.
func (c *Config) NotificationsEnabled() bool {
	return c.FirebaseCredentials != ""
}
