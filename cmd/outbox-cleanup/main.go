// Command outbox-cleanup removes old PUBLISHED (and optionally FAILED) rows
// from a MySQL outbox table.
//
// It wraps mysql.CleanupMaintainer for use in cron/CronJobs when the relay
// itself should not run DELETE statements. With -lease-table the run is
// coordinated through the relay lease table instead of GET_LOCK.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/velmie/relay"
	"github.com/velmie/relay/cmd/internal/logging"
	"github.com/velmie/relay/mysql"
)

const exitUsage = 2

type options struct {
	dsn           string
	table         string
	leaseTable    string
	retention     time.Duration
	checkEvery    time.Duration
	limit         int
	lockName      string
	includeFailed bool
	once          bool
	logLevel      string
	logFormat     string
}

func main() {
	var opts options

	flag.StringVar(&opts.dsn, "dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	flag.StringVar(&opts.table, "table", "outbox", "Outbox table name")
	flag.StringVar(&opts.leaseTable, "lease-table", "", "Coordinate through this lease table instead of GET_LOCK")
	flag.DurationVar(&opts.retention, "retention", 0, "Delete rows processed longer ago than this duration")
	flag.DurationVar(&opts.checkEvery, "check-every", time.Hour, "How often to run cleanup")
	flag.IntVar(&opts.limit, "limit", 0, "Max rows deleted per run (0 uses default)")
	flag.StringVar(&opts.lockName, "lock-name", "", "Lock name (optional)")
	flag.BoolVar(&opts.includeFailed, "include-failed", false, "Delete failed rows as well")
	flag.BoolVar(&opts.once, "once", false, "Run once and exit")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	flag.Parse()

	if opts.dsn == "" {
		fmt.Fprintln(os.Stderr, "dsn is required")
		flag.Usage()
		os.Exit(exitUsage)
	}

	if err := run(opts); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

func run(opts options) error {
	logger, err := logging.New(os.Stdout, opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}

	db, err := sql.Open("mysql", opts.dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	cfg := mysql.CleanupMaintainerConfig{
		Table:         opts.table,
		Retention:     opts.retention,
		CheckEvery:    opts.checkEvery,
		Limit:         opts.limit,
		IncludeFailed: opts.includeFailed,
		LockName:      opts.lockName,
		Clock:         relay.SystemClock{},
		Logger:        logger,
	}
	if opts.leaseTable != "" {
		locker, err := mysql.NewLeaseLocker(db, opts.leaseTable)
		if err != nil {
			return fmt.Errorf("init lease locker: %w", err)
		}
		cfg.Locker = locker
	}

	maintainer, err := mysql.NewCleanupMaintainer(db, cfg)
	if err != nil {
		return fmt.Errorf("init maintainer: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.once {
		if _, err := maintainer.Ensure(ctx); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}

		return nil
	}

	if err := maintainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run maintainer: %w", err)
	}

	return nil
}
