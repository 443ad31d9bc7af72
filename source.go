package relay

import (
	"context"
	"time"
)

// ClaimRequest selects the batch a Source claims for one cycle.
type ClaimRequest struct {
	PartitionKey string
	MaxSize      int
	// Owner is stored as the claimant identity.
	Owner string
	// VisibilityTimeout makes CLAIMED records older than it eligible again.
	VisibilityTimeout time.Duration
}

// Validate checks the request fields.
func (r ClaimRequest) Validate() error {
	if r.PartitionKey == "" {
		return ErrInvalidPartition
	}
	if r.MaxSize <= 0 {
		return ErrInvalidBatchSize
	}

	return nil
}

// Source reads, claims and updates staged records in a durable store.
type Source interface {
	// ClaimBatch atomically claims up to MaxSize eligible records of a
	// partition in ascending sequence order.
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]Record, error)
	// ReportOutcome applies the status transition for a claimed record.
	// Reporting an outcome for a record that is no longer CLAIMED is a no-op.
	ReportOutcome(ctx context.Context, outcome Outcome) error
}

// PendingCounter provides a total count of pending records.
type PendingCounter interface {
	// PendingCount returns the current number of pending records.
	PendingCount(ctx context.Context) (int, error)
}

// FailedLister exposes FAILED records for operator inspection.
type FailedLister interface {
	// ListFailed returns failed records, optionally restricted to a partition.
	ListFailed(ctx context.Context, partitionKey string, limit int) ([]Record, error)
}

// Replayer moves FAILED records back to PENDING with attempts reset.
type Replayer interface {
	// Replay returns the number of records moved back to PENDING.
	Replay(ctx context.Context, ids []ID) (int, error)
}
