// Package config loads the outbox-relay YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Lock drivers.
const (
	LockMySQL = "mysql"
	LockRedis = "redis"
	LockEtcd  = "etcd"
)

// Sink drivers.
const (
	SinkKafka  = "kafka"
	SinkSarama = "sarama"
	SinkRedis  = "redis"
	SinkPubSub = "pubsub"
)

// Config holds all configuration for the relay binary.
type Config struct {
	Relay      RelayConfig       `yaml:"relay"`
	Partitions []PartitionConfig `yaml:"partitions"`
	Store      StoreConfig       `yaml:"store"`
	Lock       LockConfig        `yaml:"lock"`
	Sink       SinkConfig        `yaml:"sink"`
	Redis      RedisConfig       `yaml:"redis"`
	Middleware MiddlewareConfig  `yaml:"middleware"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
	Log        LogConfig         `yaml:"log"`
}

// RelayConfig holds scheduler defaults shared by all partitions.
type RelayConfig struct {
	Owner             string        `yaml:"owner"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	RenewInterval     time.Duration `yaml:"renew_interval"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
	MaxAttempts       int           `yaml:"max_attempts"`
	MaxCycleAttempts  int           `yaml:"max_cycle_attempts"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	CycleConcurrency  int           `yaml:"cycle_concurrency"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
	StoreTimeout      time.Duration `yaml:"store_timeout"`
	PendingInterval   time.Duration `yaml:"pending_interval"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

// BackoffConfig shapes in-cycle retry delays.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// PartitionConfig overrides relay settings for one partition key.
type PartitionConfig struct {
	Key               string        `yaml:"key"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
	MaxAttempts       int           `yaml:"max_attempts"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// StoreConfig selects the outbox table.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "mysql" or "postgres"
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
	// Migrate creates the table on startup (postgres only).
	Migrate bool `yaml:"migrate"`
}

// LockConfig selects the partition lease backend.
type LockConfig struct {
	Driver string `yaml:"driver"` // "mysql", "redis" or "etcd"
	// Table is the MySQL lease table.
	Table string `yaml:"table"`
	// Prefix namespaces lease keys in Redis and etcd.
	Prefix string     `yaml:"prefix"`
	Etcd   EtcdConfig `yaml:"etcd"`
}

// EtcdConfig holds etcd client settings.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
}

// RedisConfig holds the Redis connection shared by the lock and sink.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SinkConfig selects the broker.
type SinkConfig struct {
	Driver string       `yaml:"driver"` // "kafka", "sarama", "redis" or "pubsub"
	Kafka  KafkaConfig  `yaml:"kafka"`
	Redis  StreamConfig `yaml:"redis"`
	PubSub PubSubConfig `yaml:"pubsub"`
}

// KafkaConfig holds settings for both Kafka clients.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// StreamConfig holds Redis Streams sink settings.
type StreamConfig struct {
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

// PubSubConfig holds Google Pub/Sub sink settings.
type PubSubConfig struct {
	ProjectID       string `yaml:"project_id"`
	Topic           string `yaml:"topic"`
	CredentialsFile string `yaml:"credentials_file"`
}

// MiddlewareConfig configures sink decorators.
type MiddlewareConfig struct {
	CircuitBreaker BreakerConfig   `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// BreakerConfig configures the sink circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// RateLimitConfig bounds the publish rate. Zero disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint        string  `yaml:"endpoint"`
	ServiceName     string  `yaml:"service_name"`
	Metrics         bool    `yaml:"metrics"`
	Traces          bool    `yaml:"traces"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			TickInterval:      time.Second,
			LeaseTTL:          30 * time.Second,
			MaxBatchSize:      50,
			MaxAttempts:       5,
			MaxCycleAttempts:  3,
			VisibilityTimeout: 5 * time.Minute,
			CycleConcurrency:  8,
			ShutdownGrace:     30 * time.Second,
			PublishTimeout:    10 * time.Second,
			StoreTimeout:      10 * time.Second,
			PendingInterval:   30 * time.Second,
			Backoff: BackoffConfig{
				Initial:    100 * time.Millisecond,
				Max:        5 * time.Second,
				Multiplier: 2,
			},
		},
		Store: StoreConfig{
			Driver: DriverMySQL,
			Table:  "outbox",
		},
		Lock: LockConfig{
			Driver: LockMySQL,
			Table:  "outbox_leases",
			Etcd: EtcdConfig{
				DialTimeout: 5 * time.Second,
			},
		},
		Sink: SinkConfig{
			Driver: SinkKafka,
			Redis:  StreamConfig{Stream: "outbox"},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Middleware: MiddlewareConfig{
			CircuitBreaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "outbox-relay",
			TraceSampleRate: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads, defaults and validates a YAML configuration file.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return nil, errors.New("config file is required")
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Partitions) == 0 {
		return fmt.Errorf("partitions cannot be empty")
	}
	seen := make(map[string]bool, len(c.Partitions))
	for i, p := range c.Partitions {
		if p.Key == "" {
			return fmt.Errorf("partitions[%d].key cannot be empty", i)
		}
		if seen[p.Key] {
			return fmt.Errorf("partitions[%d].key %q is duplicated", i, p.Key)
		}
		seen[p.Key] = true
		if p.MaxBatchSize < 0 {
			return fmt.Errorf("partitions[%d].max_batch_size cannot be negative", i)
		}
	}

	if c.Relay.MaxBatchSize < 1 {
		return fmt.Errorf("relay.max_batch_size must be at least 1")
	}
	if c.Relay.LeaseTTL < time.Second {
		return fmt.Errorf("relay.lease_ttl must be at least 1 second")
	}
	if c.Relay.RenewInterval < 0 || c.Relay.RenewInterval >= c.Relay.LeaseTTL {
		return fmt.Errorf("relay.renew_interval must be shorter than relay.lease_ttl")
	}
	if c.Relay.VisibilityTimeout <= c.Relay.LeaseTTL {
		return fmt.Errorf("relay.visibility_timeout must exceed relay.lease_ttl")
	}
	if c.Relay.Backoff.Jitter < 0 || c.Relay.Backoff.Jitter >= 1 {
		return fmt.Errorf("relay.backoff.jitter must be in [0, 1)")
	}

	switch c.Store.Driver {
	case DriverMySQL, DriverPostgres:
	default:
		return fmt.Errorf("store.driver must be one of: mysql, postgres")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn cannot be empty")
	}

	switch c.Lock.Driver {
	case LockMySQL:
		if c.Store.Driver != DriverMySQL {
			return fmt.Errorf("lock.driver mysql requires store.driver mysql")
		}
	case LockRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr required when lock.driver is redis")
		}
	case LockEtcd:
		if len(c.Lock.Etcd.Endpoints) == 0 {
			return fmt.Errorf("lock.etcd.endpoints required when lock.driver is etcd")
		}
	default:
		return fmt.Errorf("lock.driver must be one of: mysql, redis, etcd")
	}

	switch c.Sink.Driver {
	case SinkKafka, SinkSarama:
		if len(c.Sink.Kafka.Brokers) == 0 {
			return fmt.Errorf("sink.kafka.brokers required when sink.driver is %s", c.Sink.Driver)
		}
		if c.Sink.Kafka.Topic == "" {
			return fmt.Errorf("sink.kafka.topic required when sink.driver is %s", c.Sink.Driver)
		}
	case SinkRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr required when sink.driver is redis")
		}
	case SinkPubSub:
		if c.Sink.PubSub.ProjectID == "" || c.Sink.PubSub.Topic == "" {
			return fmt.Errorf("sink.pubsub.project_id and sink.pubsub.topic are required when sink.driver is pubsub")
		}
	default:
		return fmt.Errorf("sink.driver must be one of: kafka, sarama, redis, pubsub")
	}

	if c.Middleware.RateLimit.PerSecond < 0 {
		return fmt.Errorf("middleware.rate_limit.per_second cannot be negative")
	}
	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0 and 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}
