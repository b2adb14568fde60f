// Package sqlqueue implements the SQL Queue Client: a lease-based queue
// table with two concrete backends, PostgreSQL and an embedded SQLite
// engine, sharing one schema and one Client contract.
package sqlqueue

import "context"

// LeasedMessage is a queue-table row projection returned by lease and fetch
// operations.
type LeasedMessage struct {
	MessageID       int64
	MessageText     string
	LeaseID         string
	LeaseExpiration int64 // epoch milliseconds
}

// Client is the shared contract both backends implement. Every operation
// takes ctx and runs within the backend's own transactional handle; callers
// do not manage commit/rollback directly — each method call is one
// complete, atomic queue operation.
type Client interface {
	// EnsureSchema creates the queue table if absent. If recreate is true,
	// an existing table is dropped first.
	EnsureSchema(ctx context.Context, recreate bool) error

	// InsertMessage appends a new row with lease_id/lease_expiration unset.
	InsertMessage(ctx context.Context, text string) (int64, error)

	// GetMessageCount returns the total row count, leased or not.
	GetMessageCount(ctx context.Context) (int64, error)

	// IsQueueEmpty reports whether the table has zero rows.
	IsQueueEmpty(ctx context.Context) (bool, error)

	// LeaseMessages claims up to max rows whose lease is absent or expired,
	// stamping them with leaseID and an expiration ttlSeconds out, and
	// returns how many were actually leased.
	LeaseMessages(ctx context.Context, leaseID string, ttlSeconds int, max int) (int, error)

	// GetLeasedMessages returns every row currently held by leaseID.
	GetLeasedMessages(ctx context.Context, leaseID string) ([]LeasedMessage, error)

	// RenewLease extends msg's expiration by ttlSeconds from now and
	// returns the new expiration.
	RenewLease(ctx context.Context, msg LeasedMessage, ttlSeconds int) (int64, error)

	// DeleteMessage permanently removes the row with the given id. When
	// leaseID is non-empty, the delete is conditional on the row still
	// being held by that lease.
	DeleteMessage(ctx context.Context, id int64, leaseID string) error

	// ReleaseExpiredLeases clears lease_id/lease_expiration on every row
	// whose lease expired more than graceSeconds ago, returning the count
	// cleared.
	ReleaseExpiredLeases(ctx context.Context, graceSeconds int) (int, error)

	// Close releases backend resources (connection pool, file handle).
	Close() error
}

// Clock abstracts "now" so lease comparisons can be driven by a fake clock
// in tests instead of wall-clock time, and so a monotonic source can be
// substituted where the backend allows it (per the open question on
// releaseExpiredLeases' behavior across clock jumps).
type Clock interface {
	NowUnixMilli() int64
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

// NowUnixMilli returns the current wall-clock time in epoch milliseconds.
func (SystemClock) NowUnixMilli() int64 {
	return nowUnixMilli()
}
