package mysql

import "github.com/velmie/relay"

const (
	defaultTable      = "outbox"
	defaultLeaseTable = "outbox_leases"
)

// Config defines MySQL source behavior.
type Config struct {
	Table string
	Clock relay.Clock
	// ValidatePayload rejects non-JSON payloads on Enqueue. Use it with SchemaJSON.
	ValidatePayload bool
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.Clock == nil {
		c.Clock = relay.SystemClock{}
	}

	return c
}

// Option configures the MySQL source.
type Option func(*Config)

// WithTable sets the outbox table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithClock sets the time source used for claim and processed timestamps.
func WithClock(clock relay.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithValidatePayload enables or disables JSON validation on payload.
func WithValidatePayload(enabled bool) Option {
	return func(c *Config) {
		c.ValidatePayload = enabled
	}
}
