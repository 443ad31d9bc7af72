package relay

import "errors"

var (
	// ErrInvalidBatchSize indicates that the requested batch size is not positive.
	ErrInvalidBatchSize = errors.New("outbox batch size must be positive")
	// ErrInvalidPartition indicates a partition config without a key.
	ErrInvalidPartition = errors.New("outbox partition key is required")
	// ErrNoPartitions is returned by Run when no partitions are configured.
	ErrNoPartitions = errors.New("outbox relay has no partitions")
	// ErrOwnershipLost signals that the partition lease could not be renewed.
	ErrOwnershipLost = errors.New("outbox partition ownership lost")
	// ErrStoreUnavailable wraps claim and report failures of a Source.
	ErrStoreUnavailable = errors.New("outbox store unavailable")
	// ErrMalformedRecord marks a record the sink cannot interpret.
	ErrMalformedRecord = errors.New("outbox record is malformed")
	// ErrAttemptsExhausted marks a record that reached the attempt limit.
	ErrAttemptsExhausted = errors.New("outbox publish attempts exhausted")
	// ErrLeaseNotHeld is returned by lockers when a lease is not owned by the caller.
	ErrLeaseNotHeld = errors.New("outbox lease not held")
	// ErrShutdownTimeout is returned when in-flight cycles outlive the shutdown grace.
	ErrShutdownTimeout = errors.New("outbox relay shutdown grace exceeded")
	// ErrPartitionKeyRequired is returned when Entry.PartitionKey is empty.
	ErrPartitionKeyRequired = errors.New("outbox partition key is required")
	// ErrPayloadRequired is returned when Entry.Payload is empty.
	ErrPayloadRequired = errors.New("outbox payload is required")
	// ErrSinkUnavailable marks a publish the sink refused without contacting
	// the broker, such as an open circuit breaker. The dispatcher does not
	// count it as an attempt and leaves the record pending.
	ErrSinkUnavailable = errors.New("outbox sink unavailable")
	// ErrWorkerPanic indicates a relay cycle panic.
	ErrWorkerPanic = errors.New("outbox worker panic")
)
