package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type GatewayConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DispatchConfig struct {
	BatchSize    int             `mapstructure:"batch_size"`
	PollInterval time.Duration   `mapstructure:"poll_interval"`
	MaxRetries   int             `mapstructure:"max_retries"`
	Backoff      []time.Duration `mapstructure:"backoff"`
}

type JourneyConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type OutboxConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

type ArchiveConfig struct {
	RetentionDays int           `mapstructure:"retention_days"`
	Interval      time.Duration `mapstructure:"interval"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type WebhookConfig struct {
	// Provider name -> bcrypt hash of the shared callback token.
	TokenHashes map[string]string `mapstructure:"token_hashes"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Journey   JourneyConfig   `mapstructure:"journey"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Webhooks  WebhookConfig   `mapstructure:"webhooks"`
}

// envOverrides are secrets supplied through the environment, taking
// precedence over the YAML file.
type envOverrides struct {
	DatabasePassword string `envconfig:"DB_PASSWORD"`
	RedisURL         string `envconfig:"REDIS_URL"`
	SMTPPassword     string `envconfig:"SMTP_PASSWORD"`
	GatewayAPIKey    string `envconfig:"GATEWAY_API_KEY"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/app")
	viper.AddConfigPath("/app/config")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process("comms", &env); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}
	if env.DatabasePassword != "" {
		config.Database.Password = env.DatabasePassword
	}
	if env.RedisURL != "" {
		config.Redis.URL = env.RedisURL
	}
	if env.SMTPPassword != "" {
		config.SMTP.Password = env.SMTPPassword
	}
	if env.GatewayAPIKey != "" {
		config.Gateway.APIKey = env.GatewayAPIKey
	}

	applyDefaults(&config)
	return &config, nil
}

func applyDefaults(config *Config) {
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = 15 * time.Second
	}
	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = 15 * time.Second
	}
	if config.Dispatch.BatchSize == 0 {
		config.Dispatch.BatchSize = 100
	}
	if config.Dispatch.PollInterval == 0 {
		config.Dispatch.PollInterval = 5 * time.Second
	}
	if config.Dispatch.MaxRetries == 0 {
		config.Dispatch.MaxRetries = 3
	}
	if len(config.Dispatch.Backoff) == 0 {
		config.Dispatch.Backoff = []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}
	}
	if config.Journey.BatchSize == 0 {
		config.Journey.BatchSize = 100
	}
	if config.Journey.PollInterval == 0 {
		config.Journey.PollInterval = 15 * time.Second
	}
	if config.Outbox.BatchSize == 0 {
		config.Outbox.BatchSize = 100
	}
	if config.Outbox.PollInterval == 0 {
		config.Outbox.PollInterval = 5 * time.Second
	}
	if config.Outbox.MaxRetries == 0 {
		config.Outbox.MaxRetries = 5
	}
	if config.Outbox.RetryDelay == 0 {
		config.Outbox.RetryDelay = 30 * time.Second
	}
	if config.Archive.RetentionDays == 0 {
		config.Archive.RetentionDays = 90
	}
	if config.Archive.Interval == 0 {
		config.Archive.Interval = time.Hour
	}
	if config.RateLimit.RequestsPerSecond == 0 {
		config.RateLimit.RequestsPerSecond = 100
	}
	if config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = 200
	}
}
