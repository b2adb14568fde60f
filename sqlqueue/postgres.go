package sqlqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dmlistener.evalgo.org/common"
	"dmlistener.evalgo.org/listenerrors"
)

// PostgresClient is the PostgreSQL-backed Client, using raw pgx so
// lease(SKIP LOCKED) semantics are explicit rather than hidden behind an
// ORM.
type PostgresClient struct {
	pool  *pgxpool.Pool
	clock Clock
}

// NewPostgresClient wraps an already-configured pgxpool.Pool.
func NewPostgresClient(pool *pgxpool.Pool) *PostgresClient {
	return &PostgresClient{pool: pool, clock: SystemClock{}}
}

// WithClock overrides the clock used for lease expiration math.
func (c *PostgresClient) WithClock(clock Clock) *PostgresClient {
	c.clock = clock
	return c
}

func (c *PostgresClient) EnsureSchema(ctx context.Context, recreate bool) error {
	if recreate {
		if _, err := c.pool.Exec(ctx, `DROP TABLE IF EXISTS sz_message_queue`); err != nil {
			return &listenerrors.TransientTransport{Op: "sqlqueue.postgres.EnsureSchema.drop", Cause: err}
		}
	}
	_, err := c.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sz_message_queue (
			message_id       BIGSERIAL PRIMARY KEY,
			message_text     TEXT NOT NULL,
			lease_id         TEXT,
			lease_expiration BIGINT
		)
	`)
	if err != nil {
		return &listenerrors.TransientTransport{Op: "sqlqueue.postgres.EnsureSchema", Cause: err}
	}
	return nil
}

func (c *PostgresClient) InsertMessage(ctx context.Context, text string) (int64, error) {
	start := time.Now()
	var id int64
	err := c.pool.QueryRow(ctx,
		`INSERT INTO sz_message_queue (message_text) VALUES ($1) RETURNING message_id`,
		text,
	).Scan(&id)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.postgres.InsertMessage", Cause: err}
	}
	common.Logger.WithFields(common.DatabaseFields("insert", "sz_message_queue", 1, time.Since(start))).
		WithField("message_id", id).Debug("queued message")
	return id, nil
}

func (c *PostgresClient) GetMessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := c.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sz_message_queue`).Scan(&count)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.postgres.GetMessageCount", Cause: err}
	}
	return count, nil
}

func (c *PostgresClient) IsQueueEmpty(ctx context.Context) (bool, error) {
	count, err := c.GetMessageCount(ctx)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

func (c *PostgresClient) LeaseMessages(ctx context.Context, leaseID string, ttlSeconds int, max int) (int, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.postgres.LeaseMessages.begin", Cause: err}
	}
	defer tx.Rollback(ctx)

	now := c.clock.NowUnixMilli()
	newExpiration := now + int64(ttlSeconds)*1000

	rows, err := tx.Query(ctx, `
		SELECT message_id FROM sz_message_queue
		WHERE lease_id IS NULL OR lease_expiration <= $1
		ORDER BY message_id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, max)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.postgres.LeaseMessages.select", Cause: err}
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, &listenerrors.TransientTransport{Op: "sqlqueue.postgres.LeaseMessages.scan", Cause: err}
		}
		ids = append(ids, id)
	}
	rows.Close()

	if len(ids) == 0 {
		return 0, tx.Commit(ctx)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE sz_message_queue SET lease_id = $1, lease_expiration = $2 WHERE message_id = ANY($3)`,
		leaseID, newExpiration, ids,
	)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.postgres.LeaseMessages.update", Cause: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.postgres.LeaseMessages.commit", Cause: err}
	}
	return int(tag.RowsAffected()), nil
}

func (c *PostgresClient) GetLeasedMessages(ctx context.Context, leaseID string) ([]LeasedMessage, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT message_id, message_text, lease_id, lease_expiration FROM sz_message_queue WHERE lease_id = $1 ORDER BY message_id`,
		leaseID,
	)
	if err != nil {
		return nil, &listenerrors.TransientTransport{Op: "sqlqueue.postgres.GetLeasedMessages", Cause: err}
	}
	defer rows.Close()

	var out []LeasedMessage
	for rows.Next() {
		var m LeasedMessage
		if err := rows.Scan(&m.MessageID, &m.MessageText, &m.LeaseID, &m.LeaseExpiration); err != nil {
			return nil, &listenerrors.TransientTransport{Op: "sqlqueue.postgres.GetLeasedMessages.scan", Cause: err}
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *PostgresClient) RenewLease(ctx context.Context, msg LeasedMessage, ttlSeconds int) (int64, error) {
	newExpiration := c.clock.NowUnixMilli() + int64(ttlSeconds)*1000
	tag, err := c.pool.Exec(ctx,
		`UPDATE sz_message_queue SET lease_expiration = $1 WHERE message_id = $2 AND lease_id = $3`,
		newExpiration, msg.MessageID, msg.LeaseID,
	)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.postgres.RenewLease", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("sqlqueue: lease %s on message %d is no longer held", msg.LeaseID, msg.MessageID)
	}
	return newExpiration, nil
}

func (c *PostgresClient) DeleteMessage(ctx context.Context, id int64, leaseID string) error {
	var tag interface{ RowsAffected() int64 }
	var err error
	if leaseID != "" {
		tag, err = c.pool.Exec(ctx, `DELETE FROM sz_message_queue WHERE message_id = $1 AND lease_id = $2`, id, leaseID)
	} else {
		tag, err = c.pool.Exec(ctx, `DELETE FROM sz_message_queue WHERE message_id = $1`, id)
	}
	if err != nil {
		return &listenerrors.TransientTransport{Op: "sqlqueue.postgres.DeleteMessage", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sqlqueue: message %d not found (or not held by lease %q)", id, leaseID)
	}
	return nil
}

func (c *PostgresClient) ReleaseExpiredLeases(ctx context.Context, graceSeconds int) (int, error) {
	cutoff := c.clock.NowUnixMilli() - int64(graceSeconds)*1000
	tag, err := c.pool.Exec(ctx,
		`UPDATE sz_message_queue SET lease_id = NULL, lease_expiration = NULL WHERE lease_expiration IS NOT NULL AND lease_expiration <= $1`,
		cutoff,
	)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.postgres.ReleaseExpiredLeases", Cause: err}
	}
	return int(tag.RowsAffected()), nil
}

func (c *PostgresClient) Close() error {
	c.pool.Close()
	return nil
}
