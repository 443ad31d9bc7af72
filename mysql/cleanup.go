package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/relay"
)

const (
	defaultCleanupLimit      = 10000
	defaultCleanupEvery      = time.Hour
	defaultCleanupLockTTL    = 5 * time.Minute
	defaultCleanupLockPrefix = "outbox:cleanup:"
)

// CleanupOptions defines how to delete published/failed records.
type CleanupOptions struct {
	// Before removes rows processed before this timestamp (required).
	Before time.Time
	// Limit caps the number of rows deleted per call (0 uses the default).
	Limit int
	// IncludeFailed removes FAILED rows in addition to PUBLISHED rows.
	IncludeFailed bool
}

// CleanupResult reports how many rows were removed.
type CleanupResult struct {
	Published int64
	Failed    int64
}

// CleanupMaintainerConfig controls periodic cleanup of the outbox table.
type CleanupMaintainerConfig struct {
	// Table is the outbox table name. Use schema.table for non-default schema.
	Table string
	// Retention removes rows older than now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per run (0 uses the default).
	Limit int
	// IncludeFailed removes failed rows in addition to published rows.
	IncludeFailed bool
	// Locker coordinates cleanup across instances through a lease. When nil,
	// a MySQL GET_LOCK advisory lock is used.
	Locker relay.Locker
	// LockTTL is the lease TTL used with Locker.
	LockTTL time.Duration
	// Owner identifies this instance in the cleanup lease.
	Owner string
	// LockName is the lock key. Defaults to outbox:cleanup:<table>.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock relay.Clock
	// Logger receives warnings about cleanup failures.
	Logger relay.Logger
}

// CleanupMaintainer runs periodic cleanup of processed rows.
type CleanupMaintainer struct {
	source *Source
	cfg    CleanupMaintainerConfig
}

// Cleanup removes published rows (and optionally failed rows) processed before opts.Before.
func (s *Source) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	if opts.Before.IsZero() {
		return CleanupResult{}, ErrCleanupBeforeRequired
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultCleanupLimit
	}
	if limit < 0 {
		return CleanupResult{}, ErrCleanupLimitInvalid
	}

	remaining := limit
	published, err := s.cleanupByStatus(ctx, relay.StatusPublished, opts.Before, remaining)
	if err != nil {
		return CleanupResult{}, err
	}
	remaining -= int(published)

	var failed int64
	if opts.IncludeFailed && remaining > 0 {
		failed, err = s.cleanupByStatus(ctx, relay.StatusFailed, opts.Before, remaining)
		if err != nil {
			return CleanupResult{}, err
		}
	}

	return CleanupResult{Published: published, Failed: failed}, nil
}

// NewCleanupMaintainer creates a new cleanup maintainer with defaults applied.
func NewCleanupMaintainer(db *sql.DB, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrCleanupRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = relay.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = relay.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultCleanupLockTTL
	}
	if cfg.Owner == "" {
		cfg.Owner = relay.DefaultOwner()
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultCleanupLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrCleanupLimitInvalid
	}

	source, err := NewSource(db, WithTable(cfg.Table), WithClock(cfg.Clock))
	if err != nil {
		return nil, err
	}
	cfg.Table = source.table
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockPrefix + cfg.Table
	}

	return &CleanupMaintainer{source: source, cfg: cfg}, nil
}

// Run periodically deletes old processed rows until the context is canceled.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	if _, err := m.Ensure(ctx); err != nil {
		m.cfg.Logger.Warn("outbox cleanup failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Ensure(ctx); err != nil {
				m.cfg.Logger.Warn("outbox cleanup failed", "err", err)
			}
		}
	}
}

// Ensure executes a single cleanup pass if this instance wins the cleanup lock.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (CleanupResult, error) {
	if m.cfg.Locker != nil {
		return m.ensureWithLease(ctx)
	}

	conn, err := m.source.db.Conn(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("outbox mysql: cleanup conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return CleanupResult{}, err
	}
	if !locked {
		m.cfg.Logger.Debug("outbox cleanup lock held by another session")

		return CleanupResult{}, nil
	}
	defer m.releaseLock(ctx, conn)

	return m.cleanup(ctx)
}

func (m *CleanupMaintainer) ensureWithLease(ctx context.Context) (CleanupResult, error) {
	lease, ok, err := m.cfg.Locker.TryAcquire(ctx, m.cfg.LockName, m.cfg.Owner, m.cfg.LockTTL)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("outbox mysql: acquire cleanup lease failed: %w", err)
	}
	if !ok {
		m.cfg.Logger.Debug("outbox cleanup lease held by another instance")

		return CleanupResult{}, nil
	}
	defer func() {
		if err := m.cfg.Locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			m.cfg.Logger.Warn("outbox cleanup release lease failed", "err", err)
		}
	}()

	return m.cleanup(ctx)
}

func (m *CleanupMaintainer) cleanup(ctx context.Context) (CleanupResult, error) {
	before := m.cfg.Clock.Now().Add(-m.cfg.Retention)

	res, err := m.source.Cleanup(ctx, CleanupOptions{
		Before:        before,
		Limit:         m.cfg.Limit,
		IncludeFailed: m.cfg.IncludeFailed,
	})
	if err != nil {
		return res, err
	}
	m.cfg.Logger.Info("outbox cleanup finished", "published", res.Published, "failed", res.Failed)

	return res, nil
}

func (s *Source) cleanupByStatus(ctx context.Context, status relay.Status, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}

	// #nosec G201 -- table name is sanitized.
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE status = ? AND processed_at IS NOT NULL AND processed_at <= ? ORDER BY sequence LIMIT ?",
		s.table,
	)
	res, err := s.db.ExecContext(ctx, query, status, before, limit)
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: cleanup delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: cleanup rows failed: %w", err)
	}

	return affected, nil
}

func (m *CleanupMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("outbox mysql: acquire cleanup lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		return false, nil
	}

	return true, nil
}

func (m *CleanupMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("outbox cleanup release lock failed", "err", err)
	}
}
