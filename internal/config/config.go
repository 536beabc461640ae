package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	Env       string `envconfig:"ENV" default:"development"`
	Server    ServerConfig
	Database  DatabaseConfig
	RabbitMQ  RabbitMQConfig
	Vault     VaultConfig
	RateLimit RateLimitConfig
	Dispatch  DispatchConfig
	Retention RetentionConfig
	Birthday  BirthdayConfig
	Connection ConnectionConfig
}

// ServerConfig holds the ambient health/readiness/metrics server settings
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     string `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"chatrelay"`
	Password string `envconfig:"POSTGRES_PASSWORD" required:"true"`
	DBName   string `envconfig:"POSTGRES_DB" default:"chatrelay_db"`
}

// RabbitMQConfig holds RabbitMQ configuration
type RabbitMQConfig struct {
	Host          string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	Port          string `envconfig:"RABBITMQ_PORT" default:"5672"`
	User          string `envconfig:"RABBITMQ_DEFAULT_USER" default:"guest"`
	Password      string `envconfig:"RABBITMQ_DEFAULT_PASS" default:"guest"`
	DispatchQueue string `envconfig:"RABBITMQ_DISPATCH_QUEUE" default:"jobs.dispatch"`
}

// VaultConfig holds Credential Vault KDF and master-key-source settings
type VaultConfig struct {
	MasterKey      string `envconfig:"VAULT_MASTER_KEY" required:"true"`
	ArgonTimeCost  uint32 `envconfig:"VAULT_ARGON_TIME_COST" default:"1"`
	ArgonMemoryKiB uint32 `envconfig:"VAULT_ARGON_MEMORY_KIB" default:"65536"`
	ArgonThreads   uint8  `envconfig:"VAULT_ARGON_THREADS" default:"4"`
}

// RateLimitConfig holds the Rate Limiter's daily cap and warning threshold
type RateLimitConfig struct {
	DailyCap int `envconfig:"RATE_LIMIT_DAILY_CAP" default:"200"`
	WarnPct  int `envconfig:"RATE_LIMIT_WARN_PCT" default:"80"`
}

// DispatchConfig holds the Dispatcher's pacing window
type DispatchConfig struct {
	MinDelayMS int `envconfig:"DISPATCH_MIN_DELAY_MS" default:"2000"`
	MaxDelayMS int `envconfig:"DISPATCH_MAX_DELAY_MS" default:"6000"`
}

// RetentionConfig holds the Retention Sweeper's knob
type RetentionConfig struct {
	RetentionDays int `envconfig:"RETENTION_DAYS" default:"30"`
}

// BirthdayConfig holds the birthday-reminder defaults
type BirthdayConfig struct {
	DefaultHourIST  int    `envconfig:"BIRTHDAY_DEFAULT_HOUR_IST" default:"9"`
	MessageTemplate string `envconfig:"BIRTHDAY_MESSAGE_TEMPLATE" default:"Happy Birthday {{name}}! Wishing you a wonderful year ahead."`
}

// ConnectionConfig holds the Connection Manager's reconnect backoff policy
type ConnectionConfig struct {
	BaseDelayMS         int `envconfig:"CONNECTION_BASE_DELAY_MS" default:"1000"`
	MaxDelayMS          int `envconfig:"CONNECTION_MAX_DELAY_MS" default:"60000"`
	MaxRetryWindowMins  int `envconfig:"CONNECTION_MAX_RETRY_WINDOW_MINS" default:"30"`
}

// Load reads configuration from environment variables, first loading a
// .env file if one is present (missing .env is not an error)
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return &cfg, nil
}

// GetDatabaseDSN returns PostgreSQL connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
	)
}

// GetRabbitMQURL returns RabbitMQ connection URL
func (c *Config) GetRabbitMQURL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		c.RabbitMQ.User,
		c.RabbitMQ.Password,
		c.RabbitMQ.Host,
		c.RabbitMQ.Port,
	)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
