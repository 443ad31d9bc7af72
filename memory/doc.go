// Package memory provides in-process implementations of the relay Source,
// Locker and Sink. They back the relay tests and local development setups;
// every relay instance sharing them must live in the same process.
package memory
