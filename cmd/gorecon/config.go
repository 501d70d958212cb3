package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the process configuration. Every key can be set in the YAML file
// or through GORECON_<SECTION>_<KEY> environment variables.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Orders   OrdersConfig   `mapstructure:"orders"`
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
	Replay   ReplayConfig   `mapstructure:"replay"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Pretty bool   `mapstructure:"pretty"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	OperatorHeader  string        `mapstructure:"operator_header"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type StorageConfig struct {
	// Driver is postgres, or memory for local runs
	Driver string `mapstructure:"driver" validate:"oneof=postgres memory"`
}

type PostgresConfig struct {
	URL         string `mapstructure:"url" validate:"required_if=Driver postgres"`
	MaxConns    int32  `mapstructure:"max_conns" validate:"gte=0"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
	// Driver mirrors storage.driver for validation
	Driver string `mapstructure:"-"`
}

type RedisConfig struct {
	// Addr enables the Redis lease; empty keeps leases in process
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type StripeConfig struct {
	APIKey        string `mapstructure:"api_key" validate:"required"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	BackendURL    string `mapstructure:"backend_url" validate:"omitempty,url"`
}

type OrdersConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type WebhooksConfig struct {
	// Secret signs deliveries posted to the generic /webhooks/{provider} endpoint
	Secret string `mapstructure:"secret"`
}

type ReplayConfig struct {
	Interval    time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize   int           `mapstructure:"batch_size" validate:"min=1,max=1000"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1"`
	Concurrency int           `mapstructure:"concurrency" validate:"min=1,max=64"`
}

type SweepConfig struct {
	// Interval of scheduled sweeps; 0 disables them
	Interval     time.Duration `mapstructure:"interval" validate:"gte=0"`
	Window       time.Duration `mapstructure:"window" validate:"gt=0"`
	PageSize     int           `mapstructure:"page_size" validate:"min=1,max=100"`
	SkipDisputes bool          `mapstructure:"skip_disputes"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace" validate:"required"`
}

var defaults = map[string]any{
	"log.level":             "info",
	"log.pretty":            false,
	"http.addr":             ":8080",
	"http.operator_header":  "X-Operator",
	"http.shutdown_timeout": 15 * time.Second,
	"storage.driver":        "postgres",
	"postgres.url":          "",
	"postgres.max_conns":    10,
	"postgres.auto_migrate": false,
	"redis.addr":            "",
	"redis.password":        "",
	"redis.db":              0,
	"redis.key_prefix":      "gorecon:lease:",
	"stripe.api_key":        "",
	"stripe.webhook_secret": "",
	"stripe.backend_url":    "",
	"orders.base_url":       "",
	"orders.api_key":        "",
	"orders.timeout":        10 * time.Second,
	"webhooks.secret":       "",
	"replay.interval":       30 * time.Second,
	"replay.batch_size":     50,
	"replay.max_attempts":   5,
	"replay.concurrency":    4,
	"sweep.interval":        time.Hour,
	"sweep.window":          72 * time.Hour,
	"sweep.page_size":       100,
	"sweep.skip_disputes":   false,
	"metrics.namespace":     "gorecon",
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// loadConfig reads path (or gorecon.yaml from the working directory or
// /etc/gorecon when path is empty) and the environment.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("GORECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gorecon")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gorecon")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Postgres.Driver = cfg.Storage.Driver
	return &cfg, nil
}

// Validate checks the configuration needed to run the reconciler
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
