package relay

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTickInterval      = time.Second
	defaultLeaseTTL          = 30 * time.Second
	defaultMaxBatchSize      = 50
	defaultMaxAttempts       = 5
	defaultMaxCycleAttempts  = 3
	defaultVisibilityTimeout = 5 * time.Minute
	defaultCycleConcurrency  = 8
	defaultShutdownGrace     = 30 * time.Second
	defaultPublishTimeout    = 10 * time.Second
	defaultStoreTimeout      = 10 * time.Second
	defaultBackoffInitial    = 100 * time.Millisecond
	defaultBackoffMax        = 5 * time.Second
	defaultBackoffMultiplier = 2.0
	defaultPendingCheck      = 0

	renewDivisor = 3
)

// FailureHandler is called for every failed publish attempt.
type FailureHandler func(ctx context.Context, record Record, err error)

// BackoffConfig shapes the exponential delay between in-cycle retries.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor in [0, 1). Zero disables jitter.
	Jitter float64
}

// Config defines how the Scheduler and Dispatcher behave. The per-partition
// fields act as defaults for PartitionConfig values left at zero.
type Config struct {
	// Owner identifies this relay instance in leases and claims.
	Owner             string
	TickInterval      time.Duration
	LeaseTTL          time.Duration
	RenewInterval     time.Duration
	MaxBatchSize      int
	MaxAttempts       int
	MaxCycleAttempts  int
	VisibilityTimeout time.Duration
	// CycleConcurrency bounds how many partition cycles run at once.
	CycleConcurrency int
	ShutdownGrace    time.Duration
	PublishTimeout   time.Duration
	StoreTimeout     time.Duration
	Backoff          BackoffConfig
	PendingInterval  time.Duration
	Clock            Clock
	Logger           Logger
	Metrics          Metrics
	Classifier       Classifier
	ErrorHandler     FailureHandler
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		c.Owner = DefaultOwner()
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.MaxCycleAttempts <= 0 {
		c.MaxCycleAttempts = defaultMaxCycleAttempts
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaultVisibilityTimeout
	}
	if c.CycleConcurrency <= 0 {
		c.CycleConcurrency = defaultCycleConcurrency
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.Backoff.InitialInterval <= 0 {
		c.Backoff.InitialInterval = defaultBackoffInitial
	}
	if c.Backoff.MaxInterval <= 0 {
		c.Backoff.MaxInterval = defaultBackoffMax
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = defaultBackoffMultiplier
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		c.Backoff.Jitter = 0
	}
	if c.PendingInterval <= 0 {
		c.PendingInterval = defaultPendingCheck
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Classifier == nil {
		c.Classifier = ClassifyError
	}

	return c
}

// PartitionConfig describes one independently polled partition. Zero values
// inherit the scheduler Config.
type PartitionConfig struct {
	Key               string
	TickInterval      time.Duration
	LeaseTTL          time.Duration
	RenewInterval     time.Duration
	MaxBatchSize      int
	MaxAttempts       int
	VisibilityTimeout time.Duration
}

func (p PartitionConfig) withDefaults(c Config) PartitionConfig {
	if p.TickInterval <= 0 {
		p.TickInterval = c.TickInterval
	}
	if p.LeaseTTL <= 0 {
		p.LeaseTTL = c.LeaseTTL
	}
	if p.RenewInterval <= 0 {
		p.RenewInterval = c.RenewInterval
	}
	if p.RenewInterval <= 0 || p.RenewInterval >= p.LeaseTTL {
		p.RenewInterval = p.LeaseTTL / renewDivisor
	}
	if p.MaxBatchSize <= 0 {
		p.MaxBatchSize = c.MaxBatchSize
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if p.VisibilityTimeout <= 0 {
		p.VisibilityTimeout = c.VisibilityTimeout
	}

	return p
}

// DefaultOwner returns hostname-<uuid>, or a bare UUID when the hostname is
// unavailable.
func DefaultOwner() string {
	id := uuid.NewString()
	host, err := os.Hostname()
	if err != nil || host == "" {
		return id
	}

	return host + "-" + id
}

// Option configures Scheduler and Dispatcher behavior.
type Option func(*Config)

// WithConfig replaces the whole configuration; later options still apply.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// WithOwner sets the instance identity used for leases and claims.
func WithOwner(owner string) Option {
	return func(c *Config) {
		c.Owner = owner
	}
}

// WithTickInterval sets the default delay between partition cycles.
func WithTickInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.TickInterval = interval
	}
}

// WithLeaseTTL sets the default partition lease TTL.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.LeaseTTL = ttl
	}
}

// WithRenewInterval sets the heartbeat interval. It defaults to a third of the lease TTL.
func WithRenewInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.RenewInterval = interval
	}
}

// WithMaxBatchSize sets the default number of records claimed per cycle.
func WithMaxBatchSize(size int) Option {
	return func(c *Config) {
		c.MaxBatchSize = size
	}
}

// WithMaxAttempts sets the total attempts before a record is marked FAILED.
func WithMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.MaxAttempts = attempts
	}
}

// WithMaxCycleAttempts sets the publish attempts per record within one cycle.
func WithMaxCycleAttempts(attempts int) Option {
	return func(c *Config) {
		c.MaxCycleAttempts = attempts
	}
}

// WithVisibilityTimeout sets how long a claim stays exclusive before reclaim.
func WithVisibilityTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.VisibilityTimeout = timeout
	}
}

// WithCycleConcurrency bounds the number of concurrently running cycles.
func WithCycleConcurrency(limit int) Option {
	return func(c *Config) {
		c.CycleConcurrency = limit
	}
}

// WithShutdownGrace sets how long Run waits for in-flight cycles on shutdown.
func WithShutdownGrace(grace time.Duration) Option {
	return func(c *Config) {
		c.ShutdownGrace = grace
	}
}

// WithPublishTimeout sets the per-publish timeout.
func WithPublishTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.PublishTimeout = timeout
	}
}

// WithStoreTimeout sets the timeout for store and lock calls.
func WithStoreTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.StoreTimeout = timeout
	}
}

// WithBackoff sets the in-cycle retry backoff.
func WithBackoff(backoff BackoffConfig) Option {
	return func(c *Config) {
		c.Backoff = backoff
	}
}

// WithPendingInterval sets the minimum interval between pending count samples.
// Use a positive value to enable sampling or zero to keep it disabled.
// The default is disabled.
func WithPendingInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.PendingInterval = interval
	}
}

// WithClock sets the relay clock.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the relay logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the relay metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithClassifier sets the publish failure classifier.
func WithClassifier(classifier Classifier) Option {
	return func(c *Config) {
		c.Classifier = classifier
	}
}

// WithErrorHandler registers a callback for publish failures.
func WithErrorHandler(handler FailureHandler) Option {
	return func(c *Config) {
		c.ErrorHandler = handler
	}
}

func buildConfig(opts []Option) Config {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg.withDefaults()
}
