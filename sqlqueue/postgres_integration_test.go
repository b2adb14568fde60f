package sqlqueue

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresClient_LeaseMessages_SkipLocked starts a real PostgreSQL
// container and runs the FOR UPDATE SKIP LOCKED lease query against it. The
// two leasers run one after the other, so the test checks that lease-b is
// never handed a row lease-a holds; it creates no lock contention.
func TestPostgresClient_LeaseMessages_SkipLocked(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed integration test in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "listener",
			"POSTGRES_PASSWORD": "listener",
			"POSTGRES_DB":       "listener",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://listener:listener@" + host + ":" + port.Port() + "/listener"
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	client := NewPostgresClient(pool)
	require.NoError(t, client.EnsureSchema(ctx, true))

	for i := 0; i < 10; i++ {
		_, err := client.InsertMessage(ctx, "msg")
		require.NoError(t, err)
	}

	leasedA, err := client.LeaseMessages(ctx, "lease-a", 30, 5)
	require.NoError(t, err)
	leasedB, err := client.LeaseMessages(ctx, "lease-b", 30, 5)
	require.NoError(t, err)

	require.Equal(t, 5, leasedA)
	require.Equal(t, 5, leasedB)

	rowsA, err := client.GetLeasedMessages(ctx, "lease-a")
	require.NoError(t, err)
	rowsB, err := client.GetLeasedMessages(ctx, "lease-b")
	require.NoError(t, err)

	seen := make(map[int64]bool)
	for _, r := range append(rowsA, rowsB...) {
		require.False(t, seen[r.MessageID], "no message may be leased by two concurrent leasers at once")
		seen[r.MessageID] = true
	}
}
