package memory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/velmie/relay"
)

// ErrUnknownRecord is returned when an outcome references a missing record.
var ErrUnknownRecord = errors.New("outbox memory: unknown record")

// Store is an in-memory relay.Source.
type Store struct {
	mu      sync.Mutex
	clock   relay.Clock
	records map[relay.ID]*relay.Record
	seq     int64
}

var (
	_ relay.Source         = (*Store)(nil)
	_ relay.PendingCounter = (*Store)(nil)
	_ relay.FailedLister   = (*Store)(nil)
	_ relay.Replayer       = (*Store)(nil)
)

// NewStore creates an empty store. A nil clock uses relay.SystemClock.
func NewStore(clock relay.Clock) *Store {
	if clock == nil {
		clock = relay.SystemClock{}
	}

	return &Store{clock: clock, records: make(map[relay.ID]*relay.Record)}
}

// Enqueue stages a new PENDING record with the next sequence number.
func (s *Store) Enqueue(_ context.Context, entry relay.Entry) (relay.Record, error) {
	if err := entry.Validate(); err != nil {
		return relay.Record{}, err
	}
	id, err := entry.ResolveID()
	if err != nil {
		return relay.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; exists {
		return relay.Record{}, errors.New("outbox memory: duplicate record id")
	}
	s.seq++
	record := &relay.Record{
		ID:           id,
		PartitionKey: entry.PartitionKey,
		Sequence:     s.seq,
		Payload:      slices.Clone(entry.Payload),
		Headers:      maps.Clone(entry.Headers),
		Status:       relay.StatusPending,
		NotBefore:    entry.NotBefore,
		CreatedAt:    s.clock.Now(),
	}
	s.records[id] = record

	return cloneRecord(record), nil
}

// ClaimBatch implements relay.Source.
func (s *Store) ClaimBatch(ctx context.Context, req relay.ClaimRequest) ([]relay.Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	eligible := relay.ClaimablePrefix(s.partitionLocked(req.PartitionKey), now, req.VisibilityTimeout)
	if len(eligible) > req.MaxSize {
		eligible = eligible[:req.MaxSize]
	}

	claimed := make([]relay.Record, 0, len(eligible))
	for _, candidate := range eligible {
		record := s.records[candidate.ID]
		record.Status = relay.StatusClaimed
		record.ClaimedBy = req.Owner
		record.ClaimedAt = now
		claimed = append(claimed, cloneRecord(record))
	}

	return claimed, nil
}

// ReportOutcome implements relay.Source.
func (s *Store) ReportOutcome(ctx context.Context, outcome relay.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[outcome.RecordID]
	if !ok {
		return ErrUnknownRecord
	}
	if record.Status != relay.StatusClaimed {
		return nil
	}

	record.Status = outcome.Status()
	record.Attempts = outcome.Attempts
	record.LastError = outcome.ErrorText()
	if record.Status == relay.StatusPending {
		record.ClaimedBy = ""
		record.ClaimedAt = time.Time{}
	}

	return nil
}

// PendingCount implements relay.PendingCounter.
func (s *Store) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, record := range s.records {
		if record.Status == relay.StatusPending {
			count++
		}
	}

	return count, nil
}

// ListFailed implements relay.FailedLister.
func (s *Store) ListFailed(_ context.Context, partitionKey string, limit int) ([]relay.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]relay.Record, 0)
	for _, record := range s.sortedLocked() {
		if record.Status != relay.StatusFailed {
			continue
		}
		if partitionKey != "" && record.PartitionKey != partitionKey {
			continue
		}
		out = append(out, record)
		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out, nil
}

// Replay implements relay.Replayer.
func (s *Store) Replay(_ context.Context, ids []relay.ID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for _, id := range ids {
		record, ok := s.records[id]
		if !ok || record.Status != relay.StatusFailed {
			continue
		}
		record.Status = relay.StatusPending
		record.Attempts = 0
		record.LastError = ""
		moved++
	}

	return moved, nil
}

// Get returns a copy of a record.
func (s *Store) Get(id relay.ID) (relay.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return relay.Record{}, false
	}

	return cloneRecord(record), true
}

// Partition returns copies of all records of a partition in sequence order.
func (s *Store) Partition(key string) []relay.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.partitionLocked(key)
}

func (s *Store) partitionLocked(key string) []relay.Record {
	out := make([]relay.Record, 0)
	for _, record := range s.sortedLocked() {
		if record.PartitionKey == key {
			out = append(out, record)
		}
	}

	return out
}

func (s *Store) sortedLocked() []relay.Record {
	out := make([]relay.Record, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, cloneRecord(record))
	}
	slices.SortFunc(out, func(a, b relay.Record) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		default:
			return 0
		}
	})

	return out
}

func cloneRecord(record *relay.Record) relay.Record {
	out := *record
	out.Payload = slices.Clone(record.Payload)
	out.Headers = maps.Clone(record.Headers)

	return out
}
