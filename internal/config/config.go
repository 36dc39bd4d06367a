package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	APIKey      string `yaml:"api_key"`      // bearer key for the admin endpoints
	CallbackURL string `yaml:"callback_url"` // public base URL for provider redirects
	JWTSecret   string `yaml:"jwt_secret"`   // signs post-payment login tokens
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type ZarinPalConfig struct {
	MerchantID string `yaml:"merchant_id"`
	Sandbox    bool   `yaml:"sandbox"`
}

type PayPingConfig struct {
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type IDPayConfig struct {
	APIKey  string `yaml:"api_key"`
	Sandbox bool   `yaml:"sandbox"`
}

type PaymentConfig struct {
	ZarinPal ZarinPalConfig `yaml:"zarinpal"`
	PayPing  PayPingConfig  `yaml:"payping"`
	IDPay    IDPayConfig    `yaml:"idpay"`
}

type ReconcilerConfig struct {
	Interval   time.Duration `yaml:"interval"`    // how often to scan
	StaleAfter time.Duration `yaml:"stale_after"` // how old a pending intent must be to poll
	BatchLimit int           `yaml:"batch_limit"`
}

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Payment    PaymentConfig    `yaml:"payment"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.PoolSize <= 0 {
		cfg.Database.PoolSize = 10
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = time.Hour
	}
	if cfg.Reconciler.Interval <= 0 {
		cfg.Reconciler.Interval = time.Minute
	}
	if cfg.Reconciler.StaleAfter <= 0 {
		cfg.Reconciler.StaleAfter = 10 * time.Minute
	}
	if cfg.Reconciler.BatchLimit <= 0 {
		cfg.Reconciler.BatchLimit = 200
	}

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Server.CallbackURL == "" {
		return nil, errors.New("server.callback_url is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
