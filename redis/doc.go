// Package redis provides Redis-backed relay components: a partition lease
// Locker built on bsm/redislock and a Sink that appends records to Redis Streams.
package redis
