// Command outbox-failed inspects and replays FAILED outbox records.
//
// Usage:
//
//	outbox-failed -dsn ... list [-partition P] [-limit N]
//	outbox-failed -dsn ... replay <id> [<id>...]
//
// Replayed records return to PENDING with their attempt counter reset and are
// picked up by the relay in sequence order.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/velmie/relay"
	"github.com/velmie/relay/internal/config"
	"github.com/velmie/relay/mysql"
	"github.com/velmie/relay/postgres"
)

const exitUsage = 2

var errUsage = errors.New("usage error")

type store interface {
	relay.FailedLister
	relay.Replayer
}

type options struct {
	driver    string
	dsn       string
	table     string
	partition string
	limit     int
	asJSON    bool
	timeout   time.Duration
}

func main() {
	var opts options

	flags := flag.NewFlagSet("outbox-failed", flag.ExitOnError)
	flags.StringVar(&opts.driver, "driver", config.DriverMySQL, "Store driver: mysql or postgres")
	flags.StringVar(&opts.dsn, "dsn", "", "Database DSN")
	flags.StringVar(&opts.table, "table", "outbox", "Outbox table name")
	flags.StringVar(&opts.partition, "partition", "", "Restrict list to a partition key")
	flags.IntVar(&opts.limit, "limit", 100, "Max records listed")
	flags.BoolVar(&opts.asJSON, "json", false, "Print records as JSON lines")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Overall command timeout")
	_ = flags.Parse(os.Args[1:])

	if opts.dsn == "" || flags.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "dsn and a command (list, replay) are required")
		flags.Usage()
		os.Exit(exitUsage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	s, closeStore, err := openStore(ctx, opts)
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}
	defer closeStore()

	if err := execute(ctx, s, opts, flags.Args(), os.Stdout); err != nil {
		log.Print(err)
		if errors.Is(err, errUsage) {
			os.Exit(exitUsage)
		}
		os.Exit(1)
	}
}

func openStore(ctx context.Context, opts options) (store, func(), error) {
	switch opts.driver {
	case config.DriverMySQL:
		db, err := sql.Open("mysql", opts.dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		source, err := mysql.NewSource(db, mysql.WithTable(opts.table))
		if err != nil {
			_ = db.Close()

			return nil, nil, fmt.Errorf("init source: %w", err)
		}

		return source, func() { _ = db.Close() }, nil
	case config.DriverPostgres:
		db, err := postgres.Connect(ctx, opts.dsn)
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		source, err := postgres.NewSource(db, postgres.WithTable(opts.table))
		if err != nil {
			closeDB()

			return nil, nil, fmt.Errorf("init source: %w", err)
		}

		return source, closeDB, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported driver %q", errUsage, opts.driver)
	}
}

func execute(ctx context.Context, s store, opts options, args []string, out io.Writer) error {
	switch args[0] {
	case "list":
		records, err := s.ListFailed(ctx, opts.partition, opts.limit)
		if err != nil {
			return fmt.Errorf("list failed records: %w", err)
		}
		if opts.asJSON {
			return writeJSON(out, records)
		}

		return writeTable(out, records)
	case "replay":
		ids, err := parseIDs(args[1:])
		if err != nil {
			return err
		}
		n, err := s.Replay(ctx, ids)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		_, err = fmt.Fprintf(out, "replayed %d of %d records\n", n, len(ids))

		return err
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func parseIDs(args []string) ([]relay.ID, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: replay needs at least one id", errUsage)
	}
	ids := make([]relay.ID, 0, len(args))
	for _, arg := range args {
		id, err := uuid.Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid id %q: %v", errUsage, arg, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

type recordView struct {
	ID        string            `json:"id"`
	Partition string            `json:"partition"`
	Sequence  int64             `json:"sequence"`
	Attempts  int               `json:"attempts"`
	CreatedAt time.Time         `json:"created_at"`
	LastError string            `json:"last_error,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

func view(r relay.Record) recordView {
	return recordView{
		ID:        r.ID.String(),
		Partition: r.PartitionKey,
		Sequence:  r.Sequence,
		Attempts:  r.Attempts,
		CreatedAt: r.CreatedAt,
		LastError: r.LastError,
		Headers:   r.Headers,
	}
}

func writeJSON(out io.Writer, records []relay.Record) error {
	enc := json.NewEncoder(out)
	for _, r := range records {
		if err := enc.Encode(view(r)); err != nil {
			return err
		}
	}

	return nil
}

func writeTable(out io.Writer, records []relay.Record) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPARTITION\tSEQUENCE\tATTEMPTS\tLAST ERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", r.ID, r.PartitionKey, r.Sequence, r.Attempts, r.LastError)
	}

	return w.Flush()
}
