package relay

import "time"

// Entry describes a new outbox message to be staged by a producer.
type Entry struct {
	// ID is optional, if zero, the store assigns a UUID v7.
	ID ID
	// PartitionKey groups records that must be delivered in order (e.g., order ID).
	PartitionKey string
	// Payload is relayed verbatim.
	Payload []byte
	// Headers is optional metadata forwarded to the sink.
	Headers map[string]string
	// NotBefore optionally delays delivery until the given time.
	NotBefore time.Time
}

// Validate checks required fields.
func (e Entry) Validate() error {
	if e.PartitionKey == "" {
		return ErrPartitionKeyRequired
	}
	if len(e.Payload) == 0 {
		return ErrPayloadRequired
	}

	return nil
}

// ResolveID returns the entry ID, generating a UUID v7 when it is zero.
func (e Entry) ResolveID() (ID, error) {
	if e.ID != (ID{}) {
		return e.ID, nil
	}

	return NewID()
}
