package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         LogConfig         `mapstructure:"log"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Effectors   EffectorsConfig   `mapstructure:"effectors"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Sentry      SentryConfig      `mapstructure:"sentry"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres, sqlite
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

// OutboxConfig 出站事件投递配置；最大重试次数固定为 outbox.MaxRetries
type OutboxConfig struct {
	PollIntervalMS         int    `mapstructure:"poll_interval_ms"`
	BatchSize              int    `mapstructure:"batch_size"`
	Workers                int    `mapstructure:"workers"`
	MalformedPayloadPolicy string `mapstructure:"malformed_payload_policy"` // retry, fail_fast
}

// PollInterval 轮询间隔
func (c OutboxConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

type IdempotencyConfig struct {
	Header        string        `mapstructure:"header"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	ProcessingTTL time.Duration `mapstructure:"processing_ttl"`
	ResponseTTL   time.Duration `mapstructure:"response_ttl"`
	Routes        []string      `mapstructure:"routes"` // "METHOD /path"
}

type EffectorsConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	BreakerMaxFailures  uint32        `mapstructure:"breaker_max_failures"`
	BreakerOpenInterval time.Duration `mapstructure:"breaker_open_interval"`
}

type KafkaConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	QueueSize int      `mapstructure:"queue_size"`
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.rate_limit", 100)
	v.SetDefault("server.rate_burst", 200)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=clinic port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("outbox.poll_interval_ms", 10000)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.workers", 1)
	v.SetDefault("outbox.malformed_payload_policy", "retry")

	v.SetDefault("idempotency.header", "Idempotency-Key")
	v.SetDefault("idempotency.key_prefix", "idempotency:")
	v.SetDefault("idempotency.processing_ttl", 60*time.Second)
	v.SetDefault("idempotency.response_ttl", 24*time.Hour)
	v.SetDefault("idempotency.routes", []string{"POST /api/v1/appointments"})

	v.SetDefault("effectors.base_url", "http://localhost:3001")
	v.SetDefault("effectors.timeout", 5*time.Second)
	v.SetDefault("effectors.breaker_max_failures", 5)
	v.SetDefault("effectors.breaker_open_interval", 30*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "appointment.confirmed")
	v.SetDefault("kafka.queue_size", 1024)

	v.SetDefault("jwt.ttl", 12*time.Hour)
	v.SetDefault("admin.username", "admin")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "clinic-booking")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load 读取 config.yaml（可选）与 APP_ 前缀的环境变量
func Load() (*Config, error) {
	// .env 仅用于本地开发，不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验关键配置
func (c *Config) Validate() error {
	if c.Outbox.PollIntervalMS <= 0 {
		return fmt.Errorf("outbox.poll_interval_ms must be positive, got %d", c.Outbox.PollIntervalMS)
	}
	switch c.Outbox.MalformedPayloadPolicy {
	case "retry", "fail_fast":
	default:
		return fmt.Errorf("outbox.malformed_payload_policy must be retry or fail_fast, got %q", c.Outbox.MalformedPayloadPolicy)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Idempotency.Header) == "" {
		return errors.New("idempotency.header is required")
	}
	if c.Idempotency.ProcessingTTL <= 0 || c.Idempotency.ResponseTTL <= 0 {
		return errors.New("idempotency ttls must be positive")
	}
	return nil
}
