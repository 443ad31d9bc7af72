package relay

import (
	"time"

	"github.com/google/uuid"
)

// ID identifies a staged record. New records use UUID v7 so ids sort by time.
type ID = uuid.UUID

// NewID returns a new UUID v7 record identifier.
func NewID() (ID, error) {
	return uuid.NewV7()
}

// Record is a staged outbox message.
type Record struct {
	ID           ID
	PartitionKey string
	Sequence     int64
	Payload      []byte
	Headers      map[string]string
	Status       Status
	Attempts     int
	ClaimedBy    string
	ClaimedAt    time.Time
	NotBefore    time.Time
	CreatedAt    time.Time
	LastError    string
}

// Claimable reports whether the record may join a claim at now.
// A record claimed by someone else becomes claimable once its claim is older
// than visibility.
func (r Record) Claimable(now time.Time, visibility time.Duration) bool {
	switch r.Status {
	case StatusPending:
		return r.NotBefore.IsZero() || !r.NotBefore.After(now)
	case StatusClaimed:
		return visibility > 0 && !r.ClaimedAt.Add(visibility).After(now)
	default:
		return false
	}
}

// ClaimablePrefix returns the leading records of a sequence-ordered candidate
// list that may be claimed, skipping terminal records. The first record that is
// not claimable ends the prefix, so a fresh claim or an immature record blocks
// its successors. Sequence order always wins: a stale claim is reclaimed ahead
// of newer pending records only because its sequence is lower, never because
// it is stale.
func ClaimablePrefix(candidates []Record, now time.Time, visibility time.Duration) []Record {
	out := make([]Record, 0, len(candidates))
	for _, r := range candidates {
		if r.Status.Terminal() {
			continue
		}
		if !r.Claimable(now, visibility) {
			break
		}
		out = append(out, r)
	}

	return out
}
