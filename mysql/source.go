package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/velmie/relay"
)

const (
	claimFixedArgs    = 3
	placeholderGrowth = 2
)

// Executor allows enqueuing within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Source implements relay.Source on a MySQL outbox table.
type Source struct {
	db      *sql.DB
	cfg     Config
	queries queries
	table   string
}

var (
	_ relay.Source         = (*Source)(nil)
	_ relay.PendingCounter = (*Source)(nil)
	_ relay.FailedLister   = (*Source)(nil)
	_ relay.Replayer       = (*Source)(nil)
)

// NewSource constructs a MySQL source with validated configuration.
func NewSource(db *sql.DB, opts ...Option) (*Source, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := sanitizeTableName(cfg.Table)
	if err != nil {
		return nil, err
	}

	return &Source{
		db:      db,
		cfg:     cfg,
		queries: newQueries(table),
		table:   table,
	}, nil
}

// MustNewSource constructs a MySQL source or panics on error.
func MustNewSource(db *sql.DB, opts ...Option) *Source {
	source, err := NewSource(db, opts...)
	if err != nil {
		panic(err)
	}

	return source
}

// Enqueue inserts an outbox entry using the provided executor (transaction preferred).
//
// The sequence is assigned by AUTO_INCREMENT at insert time, not at commit.
// Two transactions writing the same partition can therefore commit out of
// sequence order, and the relay may publish the later sequence first.
// Producers that need strict order must serialise writes per partition, for
// example by locking the aggregate row before calling Enqueue.
func (s *Source) Enqueue(ctx context.Context, exec Executor, entry relay.Entry) (relay.ID, error) {
	if exec == nil {
		return relay.ID{}, ErrExecutorRequired
	}
	if err := entry.Validate(); err != nil {
		return relay.ID{}, err
	}
	if s.cfg.ValidatePayload && !json.Valid(entry.Payload) {
		return relay.ID{}, ErrInvalidPayload
	}

	id, err := entry.ResolveID()
	if err != nil {
		return relay.ID{}, fmt.Errorf("outbox mysql: generate id failed: %w", err)
	}

	headers := any(nil)
	if len(entry.Headers) > 0 {
		raw, err := json.Marshal(entry.Headers)
		if err != nil {
			return relay.ID{}, fmt.Errorf("outbox mysql: encode headers failed: %w", err)
		}
		headers = string(raw)
	}

	if _, err := exec.ExecContext(
		ctx,
		s.queries.insert,
		id[:],
		entry.PartitionKey,
		entry.Payload,
		headers,
		nullTime(entry.NotBefore),
	); err != nil {
		return relay.ID{}, fmt.Errorf("outbox mysql: insert failed: %w", err)
	}

	return id, nil
}

// ClaimBatch locks the leading PENDING and CLAIMED rows of a partition and
// marks the claimable prefix as CLAIMED by req.Owner in one transaction.
func (s *Source) ClaimBatch(ctx context.Context, req relay.ClaimRequest) ([]relay.Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: begin tx failed: %w", err)
	}

	records, err := s.claim(ctx, tx, req)
	if err != nil {
		rollbackErr := tx.Rollback()

		return nil, errors.Join(err, rollbackErr)
	}
	if len(records) == 0 {
		_ = tx.Rollback()

		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox mysql: commit claim failed: %w", err)
	}

	return records, nil
}

func (s *Source) claim(ctx context.Context, tx *sql.Tx, req relay.ClaimRequest) ([]relay.Record, error) {
	rows, err := tx.QueryContext(ctx, s.queries.selectClaim,
		req.PartitionKey, relay.StatusPending, relay.StatusClaimed, req.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: select failed: %w", err)
	}
	candidates, err := scanRecords(rows, req.MaxSize)
	if err != nil {
		return nil, err
	}

	now := s.cfg.Clock.Now()
	eligible := relay.ClaimablePrefix(candidates, now, req.VisibilityTimeout)
	if len(eligible) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(eligible)+claimFixedArgs)
	args = append(args, relay.StatusClaimed, req.Owner, now)
	for i := range eligible {
		args = append(args, eligible[i].ID[:])
		eligible[i].Status = relay.StatusClaimed
		eligible[i].ClaimedBy = req.Owner
		eligible[i].ClaimedAt = now
	}
	if _, err := tx.ExecContext(ctx, buildClaimQuery(s.table, len(eligible)), args...); err != nil {
		return nil, fmt.Errorf("outbox mysql: claim update failed: %w", err)
	}

	return eligible, nil
}

// ReportOutcome applies the outcome to a CLAIMED row. Rows in any other
// status are left untouched.
func (s *Source) ReportOutcome(ctx context.Context, outcome relay.Outcome) error {
	var (
		query string
		args  []any
	)

	switch outcome.Result {
	case relay.ResultSuccess:
		query = s.queries.markPublished
		args = []any{relay.StatusPublished, outcome.Attempts, s.cfg.Clock.Now()}
	case relay.ResultPermanent:
		query = s.queries.markFailed
		args = []any{relay.StatusFailed, outcome.Attempts, outcome.ErrorText(), s.cfg.Clock.Now()}
	default:
		query = s.queries.markPending
		args = []any{relay.StatusPending, outcome.Attempts, nullString(outcome.ErrorText())}
	}
	args = append(args, outcome.RecordID[:], relay.StatusClaimed)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("outbox mysql: report %s failed: %w", outcome.Result, err)
	}

	return nil
}

// PendingCount returns the number of pending outbox rows.
func (s *Source) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.queries.countPending, relay.StatusPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("outbox mysql: pending count failed: %w", err)
	}

	return count, nil
}

// ListFailed returns FAILED rows in sequence order. An empty partitionKey
// lists all partitions.
func (s *Source) ListFailed(ctx context.Context, partitionKey string, limit int) ([]relay.Record, error) {
	if limit <= 0 {
		return nil, relay.ErrInvalidBatchSize
	}

	var (
		rows *sql.Rows
		err  error
	)
	if partitionKey == "" {
		rows, err = s.db.QueryContext(ctx, s.queries.listFailed, relay.StatusFailed, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.queries.listFailedPart, relay.StatusFailed, partitionKey, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: list failed query failed: %w", err)
	}

	return scanRecords(rows, limit)
}

// Replay moves FAILED rows back to PENDING with attempts reset.
func (s *Source) Replay(ctx context.Context, ids []relay.ID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids)+2)
	args = append(args, relay.StatusPending, relay.StatusFailed)
	for _, id := range ids {
		args = append(args, id[:])
	}

	res, err := s.db.ExecContext(ctx, buildReplayQuery(s.table, len(ids)), args...)
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: replay update failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: replay rows failed: %w", err)
	}

	return int(affected), nil
}

func scanRecords(rows *sql.Rows, capacity int) ([]relay.Record, error) {
	defer rows.Close()

	records := make([]relay.Record, 0, capacity)
	for rows.Next() {
		var (
			record    relay.Record
			headers   []byte
			claimedBy sql.NullString
			claimedAt sql.NullTime
			notBefore sql.NullTime
			lastError sql.NullString
		)

		if err := rows.Scan(
			&record.ID,
			&record.PartitionKey,
			&record.Sequence,
			&record.Payload,
			&headers,
			&record.Status,
			&record.Attempts,
			&claimedBy,
			&claimedAt,
			&notBefore,
			&record.CreatedAt,
			&lastError,
		); err != nil {
			return nil, fmt.Errorf("outbox mysql: scan failed: %w", err)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &record.Headers); err != nil {
				return nil, fmt.Errorf("outbox mysql: decode headers of %s failed: %w", record.ID, err)
			}
		}
		record.ClaimedBy = claimedBy.String
		record.ClaimedAt = claimedAt.Time
		record.NotBefore = notBefore.Time
		record.LastError = lastError.String

		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox mysql: rows failed: %w", err)
	}

	return records, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
