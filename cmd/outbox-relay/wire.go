package main

import (
	"context"
	"database/sql"
	"fmt"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/IBM/sarama"
	_ "github.com/go-sql-driver/mysql"
	goredis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/api/option"

	"github.com/velmie/relay"
	"github.com/velmie/relay/cmd/internal/logging"
	"github.com/velmie/relay/etcd"
	"github.com/velmie/relay/internal/config"
	"github.com/velmie/relay/kafka"
	"github.com/velmie/relay/middleware"
	"github.com/velmie/relay/mysql"
	"github.com/velmie/relay/postgres"
	"github.com/velmie/relay/pubsub"
	"github.com/velmie/relay/redis"
	"github.com/velmie/relay/telemetry"
)

type components struct {
	source relay.Source
	locker relay.Locker
	sink   relay.Sink

	mysqlDB *sql.DB
	redis   goredis.UniversalClient
	closers []func() error
}

func (c *components) close(logger logging.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}
}

func (c *components) redisClient(cfg config.RedisConfig) goredis.UniversalClient {
	if c.redis == nil {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		c.redis = client
		c.closers = append(c.closers, client.Close)
	}

	return c.redis
}

func build(ctx context.Context, cfg *config.Config, logger logging.Logger) (*components, error) {
	comps := &components{}
	fail := func(err error) (*components, error) {
		comps.close(logger)

		return nil, err
	}

	if err := comps.buildSource(ctx, cfg.Store); err != nil {
		return fail(err)
	}
	if err := comps.buildLocker(ctx, cfg); err != nil {
		return fail(err)
	}
	if err := comps.buildSink(ctx, cfg); err != nil {
		return fail(err)
	}
	comps.sink = decorateSink(comps.sink, cfg, logger)

	return comps, nil
}

func (c *components) buildSource(ctx context.Context, cfg config.StoreConfig) error {
	switch cfg.Driver {
	case config.DriverMySQL:
		db, err := sql.Open("mysql", cfg.DSN)
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		c.closers = append(c.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping mysql: %w", err)
		}
		source, err := mysql.NewSource(db, mysql.WithTable(cfg.Table))
		if err != nil {
			return fmt.Errorf("init mysql source: %w", err)
		}
		c.mysqlDB = db
		c.source = source
	case config.DriverPostgres:
		db, err := postgres.Connect(ctx, cfg.DSN)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			c.closers = append(c.closers, sqlDB.Close)
		}
		source, err := postgres.NewSource(db, postgres.WithTable(cfg.Table))
		if err != nil {
			return fmt.Errorf("init postgres source: %w", err)
		}
		if cfg.Migrate {
			if err := source.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate postgres: %w", err)
			}
		}
		c.source = source
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	return nil
}

func (c *components) buildLocker(_ context.Context, cfg *config.Config) error {
	switch cfg.Lock.Driver {
	case config.LockMySQL:
		if c.mysqlDB == nil {
			return fmt.Errorf("mysql lock requires a mysql store")
		}
		locker, err := mysql.NewLeaseLocker(c.mysqlDB, cfg.Lock.Table)
		if err != nil {
			return fmt.Errorf("init mysql locker: %w", err)
		}
		c.locker = locker
	case config.LockRedis:
		var opts []redis.LockerOption
		if cfg.Lock.Prefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cfg.Lock.Prefix))
		}
		c.locker = redis.NewLocker(c.redisClient(cfg.Redis), opts...)
	case config.LockEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Lock.Etcd.Endpoints,
			DialTimeout: cfg.Lock.Etcd.DialTimeout,
			Username:    cfg.Lock.Etcd.Username,
			Password:    cfg.Lock.Etcd.Password,
		})
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		c.closers = append(c.closers, client.Close)
		c.locker = etcd.NewLocker(client, cfg.Lock.Prefix)
	default:
		return fmt.Errorf("unsupported lock driver %q", cfg.Lock.Driver)
	}

	return nil
}

func (c *components) buildSink(ctx context.Context, cfg *config.Config) error {
	switch cfg.Sink.Driver {
	case config.SinkKafka:
		sink := kafka.NewWriterSink(kafka.NewWriter(cfg.Sink.Kafka.Brokers, cfg.Sink.Kafka.Topic), kafka.Config{})
		c.closers = append(c.closers, sink.Close)
		c.sink = sink
	case config.SinkSarama:
		producer, err := sarama.NewSyncProducer(cfg.Sink.Kafka.Brokers, kafka.NewSaramaConfig())
		if err != nil {
			return fmt.Errorf("create sarama producer: %w", err)
		}
		sink := kafka.NewSaramaSink(producer, kafka.Config{Topic: cfg.Sink.Kafka.Topic})
		c.closers = append(c.closers, sink.Close)
		c.sink = sink
	case config.SinkRedis:
		c.sink = redis.NewStreamSink(c.redisClient(cfg.Redis), redis.StreamConfig{
			Stream: cfg.Sink.Redis.Stream,
			MaxLen: cfg.Sink.Redis.MaxLen,
		})
	case config.SinkPubSub:
		var opts []option.ClientOption
		if cfg.Sink.PubSub.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Sink.PubSub.CredentialsFile))
		}
		client, err := gpubsub.NewClient(ctx, cfg.Sink.PubSub.ProjectID, opts...)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		c.closers = append(c.closers, client.Close)
		sink := pubsub.NewSink(client, pubsub.Config{Topic: cfg.Sink.PubSub.Topic})
		c.closers = append(c.closers, func() error {
			sink.Close()
			return nil
		})
		c.sink = sink
	default:
		return fmt.Errorf("unsupported sink driver %q", cfg.Sink.Driver)
	}

	return nil
}

// decorateSink applies tracing outermost, then the circuit breaker, then the
// rate limit closest to the broker.
func decorateSink(sink relay.Sink, cfg *config.Config, logger logging.Logger) relay.Sink {
	var mws []middleware.Middleware
	if cfg.Middleware.CircuitBreaker.Enabled {
		mws = append(mws, middleware.CircuitBreaker(middleware.BreakerConfig{
			Name:             cfg.Sink.Driver,
			FailureThreshold: cfg.Middleware.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.Middleware.CircuitBreaker.ResetTimeout,
			Logger:           logger,
		}))
	}
	if cfg.Middleware.RateLimit.PerSecond > 0 {
		mws = append(mws, middleware.RateLimit(cfg.Middleware.RateLimit.PerSecond, cfg.Middleware.RateLimit.Burst))
	}
	sink = middleware.Chain(sink, mws...)

	if cfg.Telemetry.Traces {
		sink = telemetry.NewTracingSink(sink, nil)
	}

	return sink
}

func schedulerOptions(cfg *config.Config, owner string, logger logging.Logger) ([]relay.Option, error) {
	r := cfg.Relay
	opts := []relay.Option{
		relay.WithOwner(owner),
		relay.WithTickInterval(r.TickInterval),
		relay.WithLeaseTTL(r.LeaseTTL),
		relay.WithRenewInterval(r.RenewInterval),
		relay.WithMaxBatchSize(r.MaxBatchSize),
		relay.WithMaxAttempts(r.MaxAttempts),
		relay.WithMaxCycleAttempts(r.MaxCycleAttempts),
		relay.WithVisibilityTimeout(r.VisibilityTimeout),
		relay.WithCycleConcurrency(r.CycleConcurrency),
		relay.WithShutdownGrace(r.ShutdownGrace),
		relay.WithPublishTimeout(r.PublishTimeout),
		relay.WithStoreTimeout(r.StoreTimeout),
		relay.WithPendingInterval(r.PendingInterval),
		relay.WithBackoff(relay.BackoffConfig{
			InitialInterval: r.Backoff.Initial,
			MaxInterval:     r.Backoff.Max,
			Multiplier:      r.Backoff.Multiplier,
			Jitter:          r.Backoff.Jitter,
		}),
		relay.WithLogger(logger),
		relay.WithErrorHandler(func(_ context.Context, record relay.Record, err error) {
			logger.Debug("outbox publish attempt failed",
				"partition", record.PartitionKey,
				"id", record.ID.String(),
				"err", err,
			)
		}),
	}

	if cfg.Telemetry.Metrics {
		metrics, err := telemetry.NewMetrics(nil)
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		opts = append(opts, relay.WithMetrics(metrics))
	}

	return opts, nil
}

func partitions(cfg *config.Config) []relay.PartitionConfig {
	out := make([]relay.PartitionConfig, 0, len(cfg.Partitions))
	for _, p := range cfg.Partitions {
		out = append(out, relay.PartitionConfig{
			Key:               p.Key,
			TickInterval:      p.TickInterval,
			LeaseTTL:          p.LeaseTTL,
			MaxBatchSize:      p.MaxBatchSize,
			MaxAttempts:       p.MaxAttempts,
			VisibilityTimeout: p.VisibilityTimeout,
		})
	}

	return out
}
