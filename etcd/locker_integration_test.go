//go:build integration

package etcd_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/velmie/relay/etcd"
)

func startEtcd(t *testing.T) (context.Context, *clientv3.Client) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	port := nat.Port("2379/tcp")
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "quay.io/coreos/etcd:v3.5.17",
			ExposedPorts: []string{string(port)},
			Cmd: []string{
				"etcd",
				"--listen-client-urls=http://0.0.0.0:2379",
				"--advertise-client-urls=http://0.0.0.0:2379",
			},
			WaitingFor: wait.ForListeningPort(port).WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("start etcd container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{fmt.Sprintf("%s:%s", host, mappedPort.Port())},
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return ctx, client
}

func TestLockerIntegration(t *testing.T) {
	ctx, client := startEtcd(t)
	locker := etcd.NewLocker(client, "")

	a, ok, err := locker.TryAcquire(ctx, "P1", "relay-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryAcquire(ctx, "P1", "relay-b", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = locker.Renew(ctx, a, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, locker.Release(ctx, a))
	require.NoError(t, locker.Release(ctx, a))

	b, ok, err := locker.TryAcquire(ctx, "P1", "relay-b", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.Renew(ctx, a, 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, locker.Release(ctx, b))
}

func TestLockerExpiryIntegration(t *testing.T) {
	ctx, client := startEtcd(t)
	locker := etcd.NewLocker(client, "")

	a, ok, err := locker.TryAcquire(ctx, "P1", "relay-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok, err := locker.TryAcquire(ctx, "P1", "relay-b", time.Minute)
		return err == nil && ok
	}, 10*time.Second, 200*time.Millisecond)

	_, ok, err = locker.Renew(ctx, a, time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}
