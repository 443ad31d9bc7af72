// Package relay implements a transactional outbox relay with pluggable stores,
// lease-based partition locking and broker sinks.
//
// Typical flow:
//  1. Application code stages a Record inside its business transaction (see the
//     storage packages for Enqueue helpers).
//  2. A Scheduler runs one polling cycle per configured partition. Each cycle
//     acquires the partition lease from a Locker, claims a batch from a Source,
//     publishes it in sequence order through a Sink and reports every outcome
//     back to the Source.
//  3. Records end up PUBLISHED, or FAILED once they exhaust their attempts or are
//     rejected permanently. Delivery is at-least-once.
//
// Storage: mysql, postgres, memory. Locks: mysql, redis, etcd, memory.
// Sinks: kafka, pubsub, redis streams, memory. Sinks can be wrapped with the
// middleware package (circuit breaker, rate limit) and telemetry.TracingSink;
// telemetry.Metrics implements Metrics on OpenTelemetry.
package relay
