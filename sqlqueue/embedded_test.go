package sqlqueue

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ millis int64 }

func (c *fakeClock) NowUnixMilli() int64 { return c.millis }

func newTestClient(t *testing.T) (*EmbeddedClient, *fakeClock) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{millis: 1_700_000_000_000}
	client := NewEmbeddedClient(db).WithClock(clock)
	require.NoError(t, client.EnsureSchema(context.Background(), false))
	return client, clock
}

func TestEnsureSchema_IsIdempotent(t *testing.T) {
	client, _ := newTestClient(t)
	require.NoError(t, client.EnsureSchema(context.Background(), false))
}

func TestInsertAndCount(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	empty, err := client.IsQueueEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	id, err := client.InsertMessage(ctx, `{"hello":"world"}`)
	require.NoError(t, err)
	assert.NotZero(t, id)

	count, err := client.GetMessageCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestLeaseMessages_RespectsMaxAndExpiry(t *testing.T) {
	client, clock := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.InsertMessage(ctx, "msg")
		require.NoError(t, err)
	}

	leased, err := client.LeaseMessages(ctx, "lease-a", 5, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, leased)

	// A second lease attempt before expiry must not see the already-leased rows.
	leased2, err := client.LeaseMessages(ctx, "lease-b", 5, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, leased2, "only the unleased row should be available")

	// Advance the clock past lease-a's TTL; its rows become eligible again.
	clock.millis += 6_000
	leased3, err := client.LeaseMessages(ctx, "lease-c", 5, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, leased3, "expired lease-a rows must be re-leasable")
}

func TestRenewLease_ExtendsExpiration(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.InsertMessage(ctx, "msg")
	require.NoError(t, err)
	_, err = client.LeaseMessages(ctx, "lease-a", 5, 1)
	require.NoError(t, err)

	msgs, err := client.GetLeasedMessages(ctx, "lease-a")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	newExp, err := client.RenewLease(ctx, msgs[0], 30)
	require.NoError(t, err)
	assert.Greater(t, newExp, msgs[0].LeaseExpiration)
}

func TestDeleteMessage_ConditionalOnLease(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	id, err := client.InsertMessage(ctx, "msg")
	require.NoError(t, err)
	_, err = client.LeaseMessages(ctx, "lease-a", 5, 1)
	require.NoError(t, err)

	err = client.DeleteMessage(ctx, id, "wrong-lease")
	require.Error(t, err, "delete conditional on a mismatched lease id must fail")

	err = client.DeleteMessage(ctx, id, "lease-a")
	require.NoError(t, err)

	empty, err := client.IsQueueEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestReleaseExpiredLeases_ClearsOnlyExpired(t *testing.T) {
	client, clock := newTestClient(t)
	ctx := context.Background()

	_, err := client.InsertMessage(ctx, "msg")
	require.NoError(t, err)
	_, err = client.LeaseMessages(ctx, "lease-a", 5, 1)
	require.NoError(t, err)

	cleared, err := client.ReleaseExpiredLeases(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, cleared, "an active lease within its TTL must not be cleared")

	clock.millis += 6_000
	cleared, err = client.ReleaseExpiredLeases(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
}
