// Package config содержит логику чтения конфигурации SMM-панели.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

const (
	defaultRunAddress  = "localhost:8080"
	defaultProviderURL = "https://smmcost.com/api/v2"
)

// Config содержит параметры конфигурации панели.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	ProviderURL    string `env:"PROVIDER_API_URL"`
	ProviderAPIKey string `env:"PROVIDER_API_KEY"`
	JWTSecret      string `env:"AUTH_JWT_SECRET"`
	AppURL         string `env:"APP_URL" envDefault:"http://localhost:8080"`

	Currency          string          `env:"CURRENCY" envDefault:"USD"`
	DefaultMarkup     decimal.Decimal `env:"DEFAULT_MARKUP" envDefault:"30"`
	MinCreditPurchase decimal.Decimal `env:"MIN_CREDIT_PURCHASE" envDefault:"10"`

	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	// SyncInterval — период фоновой синхронизации статусов заказов; 0 отключает её.
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"0s"`

	Redis       RedisConfig       `envPrefix:"REDIS_"`
	RateLimit   RateLimitConfig   `envPrefix:"RATE_LIMIT_"`
	Kafka       KafkaConfig       `envPrefix:"KAFKA_"`
	PayPal      PayPalConfig      `envPrefix:"PAYPAL_"`
	Binance     BinanceConfig     `envPrefix:"BINANCE_"`
	NOWPayments NOWPaymentsConfig `envPrefix:"NOWPAYMENTS_"`
}

// RedisConfig задаёт подключение к Redis для блокировок и ограничения частоты запросов.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// Enabled сообщает, настроен ли Redis.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// RateLimitConfig задаёт параметры token bucket.
type RateLimitConfig struct {
	RPS   float64 `env:"RPS" envDefault:"5"`
	Burst int     `env:"BURST" envDefault:"20"`
}

// KafkaConfig задаёт публикацию уведомлений.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"smm-notifications"`
}

// Enabled сообщает, заданы ли брокеры.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// PayPalConfig — учётные данные PayPal.
type PayPalConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	WebhookID    string `env:"WEBHOOK_ID"`
	BaseURL      string `env:"BASE_URL"`
}

// Enabled сообщает, настроен ли PayPal.
func (c PayPalConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// BinanceConfig — ключи мерчанта Binance Pay.
type BinanceConfig struct {
	APIKey    string `env:"API_KEY"`
	APISecret string `env:"API_SECRET"`
	BaseURL   string `env:"BASE_URL"`
}

// Enabled сообщает, настроен ли Binance Pay.
func (c BinanceConfig) Enabled() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// NOWPaymentsConfig — ключи NOWPayments.
type NOWPaymentsConfig struct {
	APIKey    string `env:"API_KEY"`
	IPNSecret string `env:"IPN_SECRET"`
	BaseURL   string `env:"BASE_URL"`
}

// Enabled сообщает, настроен ли NOWPayments.
func (c NOWPaymentsConfig) Enabled() bool {
	return c.APIKey != "" && c.IPNSecret != ""
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
	envProviderURL := cfg.ProviderURL

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ProviderURL, "p", defaultProviderURL, "SMM provider API URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProviderURL != "" {
		cfg.ProviderURL = envProviderURL
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv считывает конфигурацию только из переменных окружения. Используется утилитой smmctl,
// флаги которой разбирает cobra.
func ParseEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RunAddress == "" {
		c.RunAddress = defaultRunAddress
	}
	if c.ProviderURL == "" {
		c.ProviderURL = defaultProviderURL
	}
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
}

func (c *Config) validate() error {
	switch {
	case c.DefaultMarkup.IsNegative():
		return errors.New("DEFAULT_MARKUP must not be negative")
	case !c.MinCreditPurchase.IsPositive():
		return errors.New("MIN_CREDIT_PURCHASE must be positive")
	case c.Currency == "":
		return errors.New("CURRENCY must not be empty")
	case c.GatewayTimeout <= 0:
		return errors.New("GATEWAY_TIMEOUT must be positive")
	case c.SyncInterval < 0:
		return errors.New("SYNC_INTERVAL must not be negative")
	}
	return nil
}
