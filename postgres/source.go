package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/velmie/relay"
)

const defaultTable = "outbox"

// Config defines Postgres source behavior.
type Config struct {
	Table string
	Clock relay.Clock
}

// Option configures the Postgres source.
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

// Source implements relay.Source on a Postgres outbox table.
type Source struct {
	db    *gorm.DB
	clock relay.Clock
	table string
}

var (
	_ relay.Source         = (*Source)(nil)
	_ relay.PendingCounter = (*Source)(nil)
	_ relay.FailedLister   = (*Source)(nil)
	_ relay.Replayer       = (*Source)(nil)
)

// Connect opens a gorm handle for dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, ErrDSNRequired
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: open failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: resolve sql db failed: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("outbox postgres: ping failed: %w", err)
	}

	return db, nil
}

// NewSource constructs a Postgres source.
func NewSource(db *gorm.DB, opts ...Option) (*Source, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	if cfg.Clock == nil {
		cfg.Clock = relay.SystemClock{}
	}
	if err := validateTableName(cfg.Table); err != nil {
		return nil, err
	}

	return &Source{db: db, clock: cfg.Clock, table: cfg.Table}, nil
}

// Migrate creates or updates the outbox table.
func (s *Source) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Table(s.table).AutoMigrate(&recordModel{}); err != nil {
		return fmt.Errorf("outbox postgres: migrate failed: %w", err)
	}

	return nil
}

// Enqueue inserts an outbox entry using tx, which should be the caller's
// business transaction.
//
// The BIGSERIAL sequence is drawn at insert time, so concurrent transactions
// on one partition may commit out of sequence order. Serialise writes per
// partition (for example SELECT ... FOR UPDATE on the aggregate) when strict
// order matters.
func (s *Source) Enqueue(ctx context.Context, tx *gorm.DB, entry relay.Entry) (relay.ID, error) {
	if tx == nil {
		return relay.ID{}, ErrTxRequired
	}
	if err := entry.Validate(); err != nil {
		return relay.ID{}, err
	}
	id, err := entry.ResolveID()
	if err != nil {
		return relay.ID{}, fmt.Errorf("outbox postgres: generate id failed: %w", err)
	}

	row, err := modelFromEntry(id, entry)
	if err != nil {
		return relay.ID{}, err
	}
	if err := tx.WithContext(ctx).Table(s.table).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return relay.ID{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}

		return relay.ID{}, fmt.Errorf("outbox postgres: insert failed: %w", err)
	}

	return id, nil
}

// ClaimBatch locks the leading PENDING and CLAIMED rows of a partition and
// marks the claimable prefix as CLAIMED by req.Owner in one transaction.
func (s *Source) ClaimBatch(ctx context.Context, req relay.ClaimRequest) ([]relay.Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var claimed []relay.Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []recordModel
		if err := tx.Table(s.table).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("partition_key = ?", req.PartitionKey).
			Where("status IN ?", []int16{int16(relay.StatusPending), int16(relay.StatusClaimed)}).
			Order("sequence ASC").
			Limit(req.MaxSize).
			Find(&rows).Error; err != nil {
			return fmt.Errorf("outbox postgres: select failed: %w", err)
		}

		candidates, err := toRecords(rows)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		eligible := relay.ClaimablePrefix(candidates, now, req.VisibilityTimeout)
		if len(eligible) == 0 {
			return nil
		}

		ids := make([]relay.ID, 0, len(eligible))
		for i := range eligible {
			ids = append(ids, eligible[i].ID)
			eligible[i].Status = relay.StatusClaimed
			eligible[i].ClaimedBy = req.Owner
			eligible[i].ClaimedAt = now
		}
		if err := tx.Table(s.table).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":     int16(relay.StatusClaimed),
				"claimed_by": req.Owner,
				"claimed_at": now,
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("outbox postgres: claim update failed: %w", err)
		}
		claimed = eligible

		return nil
	}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// ReportOutcome applies the outcome to a CLAIMED row. Rows in any other
// status are left untouched.
func (s *Source) ReportOutcome(ctx context.Context, outcome relay.Outcome) error {
	now := s.clock.Now()
	updates := map[string]any{
		"status":        int16(outcome.Status()),
		"attempt_count": outcome.Attempts,
		"last_error":    optionalString(outcome.ErrorText()),
		"updated_at":    now,
	}
	switch outcome.Result {
	case relay.ResultSuccess, relay.ResultPermanent:
		updates["processed_at"] = now
	default:
		updates["claimed_by"] = nil
		updates["claimed_at"] = nil
	}

	err := s.db.WithContext(ctx).
		Table(s.table).
		Where("id = ? AND status = ?", outcome.RecordID, int16(relay.StatusClaimed)).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("outbox postgres: report %s failed: %w", outcome.Result, err)
	}

	return nil
}

// PendingCount returns the number of pending outbox rows.
func (s *Source) PendingCount(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Table(s.table).
		Where("status = ?", int16(relay.StatusPending)).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("outbox postgres: pending count failed: %w", err)
	}

	return int(count), nil
}

// ListFailed returns FAILED rows in sequence order. An empty partitionKey
// lists all partitions.
func (s *Source) ListFailed(ctx context.Context, partitionKey string, limit int) ([]relay.Record, error) {
	if limit <= 0 {
		return nil, relay.ErrInvalidBatchSize
	}

	query := s.db.WithContext(ctx).Table(s.table).Where("status = ?", int16(relay.StatusFailed))
	if partitionKey != "" {
		query = query.Where("partition_key = ?", partitionKey)
	}

	var rows []recordModel
	if err := query.Order("sequence ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("outbox postgres: list failed query failed: %w", err)
	}

	return toRecords(rows)
}

// Replay moves FAILED rows back to PENDING with attempts reset.
func (s *Source) Replay(ctx context.Context, ids []relay.ID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).
		Table(s.table).
		Where("status = ? AND id IN ?", int16(relay.StatusFailed), ids).
		Updates(map[string]any{
			"status":        int16(relay.StatusPending),
			"attempt_count": 0,
			"last_error":    nil,
			"claimed_by":    nil,
			"claimed_at":    nil,
			"processed_at":  nil,
			"updated_at":    s.clock.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("outbox postgres: replay update failed: %w", result.Error)
	}

	return int(result.RowsAffected), nil
}

// Cleanup deletes PUBLISHED rows processed before cutoff and returns the
// number of rows removed.
func (s *Source) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	if before.IsZero() {
		return 0, ErrCleanupBeforeRequired
	}

	result := s.db.WithContext(ctx).
		Table(s.table).
		Where("status = ? AND processed_at IS NOT NULL AND processed_at <= ?", int16(relay.StatusPublished), before).
		Delete(&recordModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("outbox postgres: cleanup delete failed: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func validateTableName(name string) error {
	parts := strings.Split(name, ".")
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
		for _, r := range part {
			if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				continue
			}

			return fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
	}

	return nil
}
