//go:build integration

package mysql_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/relay"
	"github.com/velmie/relay/mysql"
)

func startMySQLContainer(t *testing.T, ctx context.Context) (testcontainers.Container, *sql.DB) {
	t.Helper()
	port := nat.Port("3306/tcp")
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0.36",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_DATABASE":      "outbox",
		},
		WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
			return fmt.Sprintf("root:secret@tcp(%s:%s)/outbox?parseTime=true", host, port.Port())
		}).WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve port: %v", err)
	}

	dsn := fmt.Sprintf("root:secret@tcp(%s:%s)/outbox?parseTime=true", host, mappedPort.Port())
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("open db: %v", err)
	}
	return container, db
}

func setupMySQL(t *testing.T) (context.Context, *sql.DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	schema, err := mysql.Schema("outbox")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, schema)
	require.NoError(t, err)

	leaseSchema, err := mysql.LeaseSchema("outbox_leases")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, leaseSchema)
	require.NoError(t, err)

	return ctx, db
}

func insertEntries(t *testing.T, ctx context.Context, db *sql.DB, source *mysql.Source, entries []relay.Entry) []relay.ID {
	t.Helper()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	ids := make([]relay.ID, 0, len(entries))
	for _, entry := range entries {
		id, err := source.Enqueue(ctx, tx, entry)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, tx.Commit())
	return ids
}

func partitionEntries(partition string, n int) []relay.Entry {
	entries := make([]relay.Entry, 0, n)
	for i := 1; i <= n; i++ {
		entries = append(entries, relay.Entry{
			PartitionKey: partition,
			Payload:      []byte(fmt.Sprintf(`{"n":%d}`, i)),
		})
	}
	return entries
}

func collectIDs(records []relay.Record) []relay.ID {
	ids := make([]relay.ID, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids
}

func countByStatus(t *testing.T, ctx context.Context, db *sql.DB, status relay.Status) int {
	t.Helper()
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox WHERE status = ?", status).Scan(&count)
	require.NoError(t, err)
	return count
}

func fetchDetails(t *testing.T, ctx context.Context, db *sql.DB, id relay.ID) (relay.Status, int, sql.NullString, sql.NullTime) {
	t.Helper()
	var (
		status      relay.Status
		attempts    int
		lastError   sql.NullString
		processedAt sql.NullTime
	)
	err := db.QueryRowContext(ctx, "SELECT status, attempt_count, last_error, processed_at FROM outbox WHERE id = ?", id[:]).
		Scan(&status, &attempts, &lastError, &processedAt)
	require.NoError(t, err)

	return status, attempts, lastError, processedAt
}
