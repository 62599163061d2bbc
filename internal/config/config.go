package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	MySQL     MySQLConfig               `mapstructure:"mysql"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Kafka     KafkaConfig               `mapstructure:"kafka"`
	Ledger    LedgerConfig              `mapstructure:"ledger"`
	Limits    LimitsConfig              `mapstructure:"limits"`
	Webhook   WebhookConfig             `mapstructure:"webhook"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Jobs      JobsConfig                `mapstructure:"jobs"`
	Log       LogConfig                 `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TransactionEvents string `mapstructure:"transaction_events"`
}

type LedgerConfig struct {
	Currency        string        `mapstructure:"currency"`
	ReferencePrefix string        `mapstructure:"reference_prefix"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
}

// LimitsConfig holds the debit limits enforced by the limit gate as decimal
// strings, so "500000.50" stays exact. Zero or empty disables a limit.
type LimitsConfig struct {
	MaxSingleDebit string `mapstructure:"max_single_debit"`
	DailyDebit     string `mapstructure:"daily_debit"`
}

// Amounts parses both limits.
func (l LimitsConfig) Amounts() (maxSingle, daily decimal.Decimal, err error) {
	if maxSingle, err = parseLimit("limits.max_single_debit", l.MaxSingleDebit); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if daily, err = parseLimit("limits.daily_debit", l.DailyDebit); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return maxSingle, daily, nil
}

func parseLimit(key, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid amount %q", key, raw)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

type WebhookConfig struct {
	PaystackSecret string `mapstructure:"paystack_secret"`
	VTpassSecret   string `mapstructure:"vtpass_secret"`
	EventsSecret   string `mapstructure:"events_secret"`
}

type ProviderConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	SecretKey string        `mapstructure:"secret_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type JobsConfig struct {
	OutboxInterval    time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize   int           `mapstructure:"outbox_batch_size"`
	OutboxMaxRetry    int           `mapstructure:"outbox_max_retry"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	SweepPendingAfter time.Duration `mapstructure:"sweep_pending_after"`
	SweepBatchSize    int           `mapstructure:"sweep_batch_size"`
	AuditInterval     time.Duration `mapstructure:"audit_interval"`
	AuditBatchSize    int           `mapstructure:"audit_batch_size"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "wallet_ledger")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.log_level", "warn")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.transaction_events", "wallet.transaction.events")

	v.SetDefault("ledger.currency", "NGN")
	v.SetDefault("ledger.reference_prefix", "WLT")
	v.SetDefault("ledger.provider_timeout", 60*time.Second)
	v.SetDefault("ledger.lock_ttl", 30*time.Second)
	v.SetDefault("ledger.retry_attempts", 5)
	v.SetDefault("ledger.retry_base_delay", 20*time.Millisecond)
	v.SetDefault("ledger.retry_max_delay", 500*time.Millisecond)

	v.SetDefault("limits.max_single_debit", "0")
	v.SetDefault("limits.daily_debit", "0")

	v.SetDefault("webhook.paystack_secret", "")
	v.SetDefault("webhook.vtpass_secret", "")
	v.SetDefault("webhook.events_secret", "")

	v.SetDefault("jobs.outbox_interval", 200*time.Millisecond)
	v.SetDefault("jobs.outbox_batch_size", 100)
	v.SetDefault("jobs.outbox_max_retry", 5)
	v.SetDefault("jobs.sweep_interval", time.Minute)
	v.SetDefault("jobs.sweep_pending_after", 10*time.Minute)
	v.SetDefault("jobs.sweep_batch_size", 50)
	v.SetDefault("jobs.audit_interval", 30*time.Minute)
	v.SetDefault("jobs.audit_batch_size", 200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig reads configPath (optional) over the defaults and lets
// WALLET_* environment variables override any key, e.g.
// WALLET_MYSQL_PASSWORD for mysql.password. A .env file in the working
// directory is loaded first when present.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WALLET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	if c.Ledger.RetryAttempts < 1 {
		return fmt.Errorf("ledger.retry_attempts must be at least 1")
	}
	if c.Ledger.ProviderTimeout <= 0 {
		return fmt.Errorf("ledger.provider_timeout must be positive")
	}
	if _, _, err := c.Limits.Amounts(); err != nil {
		return err
	}
	return nil
}
