//go:build integration

package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/go-sql-driver/mysql"

	"github.com/velmie/relay"
	"github.com/velmie/relay/mysql"
)

const (
	mysqlImage          = "mysql:8.0.36"
	mysqlDatabase       = "relay"
	mysqlUser           = "root"
	mysqlPassword       = "secret"
	redisImage          = "redis:7-alpine"
	cliContainerImage   = "alpine:3.20"
	cliContainerPath    = "/cli"
	cliExitTimeout      = 2 * time.Minute
	mysqlStartupTimeout = 2 * time.Minute
)

// MySQLContainer is a MySQL server reachable from the host through DB and
// from CLI containers on Network through DSN.
type MySQLContainer struct {
	Container testcontainers.Container
	Network   *testcontainers.DockerNetwork
	DB        *sql.DB
	DSN       string
}

func StartMySQLContainer(t *testing.T, ctx context.Context) MySQLContainer {
	t.Helper()

	net, err := network.New(ctx)
	if err != nil {
		t.Skipf("create network: %v", err)
	}
	t.Cleanup(func() {
		_ = net.Remove(ctx)
	})

	port := nat.Port("3306/tcp")
	req := testcontainers.ContainerRequest{
		Image:        mysqlImage,
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": mysqlPassword,
			"MYSQL_DATABASE":      mysqlDatabase,
		},
		Networks: []string{net.Name},
		NetworkAliases: map[string][]string{
			net.Name: {"mysql"},
		},
		WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
			return fmt.Sprintf(
				"%s:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=true",
				mysqlUser,
				mysqlPassword,
				host,
				port.Port(),
				mysqlDatabase,
			)
		}).WithStartupTimeout(mysqlStartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("resolve port: %v", err)
	}

	dsnHost := fmt.Sprintf(
		"%s:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=true",
		mysqlUser,
		mysqlPassword,
		host,
		mappedPort.Port(),
		mysqlDatabase,
	)
	db, err := sql.Open("mysql", dsnHost)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	containerDSN := fmt.Sprintf(
		"%s:%s@tcp(mysql:3306)/%s?parseTime=true&multiStatements=true",
		mysqlUser,
		mysqlPassword,
		mysqlDatabase,
	)

	return MySQLContainer{
		Container: container,
		Network:   net,
		DB:        db,
		DSN:       containerDSN,
	}
}

// StartRedisContainer starts Redis on networkName under the alias "redis" and
// returns the address reachable from the host.
func StartRedisContainer(t *testing.T, ctx context.Context, networkName string) string {
	t.Helper()

	port := nat.Port("6379/tcp")
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        redisImage,
			ExposedPorts: []string{string(port)},
			Networks:     []string{networkName},
			NetworkAliases: map[string][]string{
				networkName: {"redis"},
			},
			WaitingFor: wait.ForListeningPort(port).WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("resolve port: %v", err)
	}

	return fmt.Sprintf("%s:%s", host, mappedPort.Port())
}

// CreateSchema creates the outbox and lease tables and returns a source on them.
func CreateSchema(t *testing.T, ctx context.Context, db *sql.DB) *mysql.Source {
	t.Helper()

	schema, err := mysql.Schema("outbox")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	leaseSchema, err := mysql.LeaseSchema("outbox_leases")
	if err != nil {
		t.Fatalf("lease schema: %v", err)
	}
	for _, stmt := range []string{schema, leaseSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	source, err := mysql.NewSource(db)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}

	return source
}

// EnqueueEntries stages count records for partition in one transaction.
func EnqueueEntries(t *testing.T, ctx context.Context, db *sql.DB, source *mysql.Source, partition string, count int) []relay.ID {
	t.Helper()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	ids := make([]relay.ID, 0, count)
	for i := 0; i < count; i++ {
		id, err := source.Enqueue(ctx, tx, relay.Entry{
			PartitionKey: partition,
			Payload:      []byte(fmt.Sprintf(`{"n":%d}`, i)),
		})
		if err != nil {
			_ = tx.Rollback()
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	return ids
}

// CountByStatus counts outbox rows in status.
func CountByStatus(t *testing.T, ctx context.Context, db *sql.DB, status relay.Status) int {
	t.Helper()

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox WHERE status = ?", status).Scan(&count); err != nil {
		t.Fatalf("count status %d: %v", status, err)
	}

	return count
}

// StatusOf returns the status of the record with id.
func StatusOf(t *testing.T, ctx context.Context, db *sql.DB, id uuid.UUID) relay.Status {
	t.Helper()

	var status relay.Status
	if err := db.QueryRowContext(ctx, "SELECT status FROM outbox WHERE id = ?", id[:]).Scan(&status); err != nil {
		t.Fatalf("status of %s: %v", id, err)
	}

	return status
}

func BuildBinary(t *testing.T, pkg string) string {
	t.Helper()

	name := filepath.Base(pkg)
	if name == "." {
		wd, err := os.Getwd()
		if err != nil {
			t.Fatalf("resolve working dir: %v", err)
		}
		name = filepath.Base(wd)
	}
	bin := filepath.Join(t.TempDir(), name)
	cmd := exec.Command("go", "build", "-o", bin, pkg)
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=0",
		"GOOS=linux",
		"GOARCH="+runtime.GOARCH,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build %s: %v\n%s", pkg, err, string(out))
	}

	return bin
}

// RunCLIContainer runs binaryPath with args in a container on networkName and
// returns its exit code and logs.
func RunCLIContainer(t *testing.T, ctx context.Context, networkName, binaryPath string, args []string) (int, string) {
	t.Helper()

	return RunCLIContainerWithFiles(t, ctx, networkName, binaryPath, args, nil)
}

// RunCLIContainerWithFiles is RunCLIContainer with extra files copied in,
// keyed by host path with the container path as value.
func RunCLIContainerWithFiles(
	t *testing.T,
	ctx context.Context,
	networkName, binaryPath string,
	args []string,
	files map[string]string,
) (int, string) {
	t.Helper()

	containerFiles := []testcontainers.ContainerFile{
		{
			HostFilePath:      binaryPath,
			ContainerFilePath: cliContainerPath,
			FileMode:          0o755,
		},
	}
	for host, target := range files {
		containerFiles = append(containerFiles, testcontainers.ContainerFile{
			HostFilePath:      host,
			ContainerFilePath: target,
			FileMode:          0o644,
		})
	}

	req := testcontainers.ContainerRequest{
		Image:      cliContainerImage,
		Entrypoint: []string{cliContainerPath},
		Cmd:        args,
		Networks:   []string{networkName},
		Files:      containerFiles,
		WaitingFor: wait.ForExit().WithExitTimeout(cliExitTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start cli container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	logsReader, err := container.Logs(ctx)
	if err != nil {
		t.Fatalf("read cli logs: %v", err)
	}
	defer logsReader.Close()

	logs, err := io.ReadAll(logsReader)
	if err != nil {
		t.Fatalf("read cli logs: %v", err)
	}

	state, err := container.State(ctx)
	if err != nil {
		t.Fatalf("read cli state: %v", err)
	}

	return state.ExitCode, string(logs)
}
