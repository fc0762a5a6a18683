package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
}

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

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// ReceiverSecret is the fallback shared secret for the inbound signed
	// callback endpoint when the caller does not present one.
	ReceiverSecret string `mapstructure:"receiver_secret"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type DeliveryConfig struct {
	// Concurrency bounds in-flight HTTP sends so one slow subscriber
	// cannot monopolize the worker.
	Concurrency int `mapstructure:"concurrency"`
	QueueSize   int `mapstructure:"queue_size"`
	BatchSize   int `mapstructure:"batch_size"`
	// PollInterval is the retry-scan cadence: tighter intervals cut retry
	// latency at the cost of store load.
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	WakeChannel      string        `mapstructure:"wake_channel"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`

	DefaultMaxAttempts       int     `mapstructure:"default_max_attempts"`
	DefaultInitialDelayMs    int     `mapstructure:"default_initial_delay_ms"`
	DefaultBackoffMultiplier float64 `mapstructure:"default_backoff_multiplier"`
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 10*time.Second)
	viper.SetDefault("server.write_timeout", 10*time.Second)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 2)

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_second", 50.0)
	viper.SetDefault("rate_limit.burst", 100)

	viper.SetDefault("delivery.concurrency", 8)
	viper.SetDefault("delivery.queue_size", 1024)
	viper.SetDefault("delivery.batch_size", 100)
	viper.SetDefault("delivery.poll_interval", 5*time.Second)
	viper.SetDefault("delivery.send_timeout", 10*time.Second)
	viper.SetDefault("delivery.breaker_threshold", 10)
	viper.SetDefault("delivery.wake_channel", "webhook:deliveries")
	viper.SetDefault("delivery.cache_ttl", 30*time.Second)
	viper.SetDefault("delivery.default_max_attempts", 3)
	viper.SetDefault("delivery.default_initial_delay_ms", 1000)
	viper.SetDefault("delivery.default_backoff_multiplier", 2.0)
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("WEBHOOK")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; env vars and defaults suffice.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
