package sqlqueue

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"dmlistener.evalgo.org/listenerrors"
)

// EmbeddedClient is the embedded-SQL backend, driven by database/sql over
// github.com/mattn/go-sqlite3. SQLite has no SKIP LOCKED, so LeaseMessages
// instead opens one explicit transaction (SQLite's default locking already
// serializes writers) and orders candidates by message_id, per §4.D.
type EmbeddedClient struct {
	db    *sql.DB
	clock Clock
}

// NewEmbeddedClient wraps an already-opened *sql.DB (driver "sqlite3").
func NewEmbeddedClient(db *sql.DB) *EmbeddedClient {
	return &EmbeddedClient{db: db, clock: SystemClock{}}
}

// WithClock overrides the clock used for lease expiration math.
func (c *EmbeddedClient) WithClock(clock Clock) *EmbeddedClient {
	c.clock = clock
	return c
}

func (c *EmbeddedClient) EnsureSchema(ctx context.Context, recreate bool) error {
	if recreate {
		if _, err := c.db.ExecContext(ctx, `DROP TABLE IF EXISTS sz_message_queue`); err != nil {
			return &listenerrors.TransientTransport{Op: "sqlqueue.embedded.EnsureSchema.drop", Cause: err}
		}
	}
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sz_message_queue (
			message_id       INTEGER PRIMARY KEY AUTOINCREMENT,
			message_text     TEXT NOT NULL,
			lease_id         TEXT,
			lease_expiration INTEGER
		)
	`)
	if err != nil {
		return &listenerrors.TransientTransport{Op: "sqlqueue.embedded.EnsureSchema", Cause: err}
	}
	return nil
}

func (c *EmbeddedClient) InsertMessage(ctx context.Context, text string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `INSERT INTO sz_message_queue (message_text) VALUES (?)`, text)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.InsertMessage", Cause: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.InsertMessage.id", Cause: err}
	}
	return id, nil
}

func (c *EmbeddedClient) GetMessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sz_message_queue`).Scan(&count)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.GetMessageCount", Cause: err}
	}
	return count, nil
}

func (c *EmbeddedClient) IsQueueEmpty(ctx context.Context) (bool, error) {
	count, err := c.GetMessageCount(ctx)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

func (c *EmbeddedClient) LeaseMessages(ctx context.Context, leaseID string, ttlSeconds int, max int) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.LeaseMessages.begin", Cause: err}
	}
	defer tx.Rollback()

	now := c.clock.NowUnixMilli()
	newExpiration := now + int64(ttlSeconds)*1000

	rows, err := tx.QueryContext(ctx, `
		SELECT message_id FROM sz_message_queue
		WHERE lease_id IS NULL OR lease_expiration <= ?
		ORDER BY message_id
		LIMIT ?
	`, now, max)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.LeaseMessages.select", Cause: err}
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.LeaseMessages.scan", Cause: err}
		}
		ids = append(ids, id)
	}
	rows.Close()

	leased := 0
	stmt, err := tx.PrepareContext(ctx, `UPDATE sz_message_queue SET lease_id = ?, lease_expiration = ? WHERE message_id = ?`)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.LeaseMessages.prepare", Cause: err}
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, leaseID, newExpiration, id); err != nil {
			return 0, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.LeaseMessages.update", Cause: err}
		}
		leased++
	}

	if err := tx.Commit(); err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.LeaseMessages.commit", Cause: err}
	}
	return leased, nil
}

func (c *EmbeddedClient) GetLeasedMessages(ctx context.Context, leaseID string) ([]LeasedMessage, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT message_id, message_text, lease_id, lease_expiration FROM sz_message_queue WHERE lease_id = ? ORDER BY message_id`,
		leaseID,
	)
	if err != nil {
		return nil, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.GetLeasedMessages", Cause: err}
	}
	defer rows.Close()

	var out []LeasedMessage
	for rows.Next() {
		var m LeasedMessage
		if err := rows.Scan(&m.MessageID, &m.MessageText, &m.LeaseID, &m.LeaseExpiration); err != nil {
			return nil, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.GetLeasedMessages.scan", Cause: err}
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *EmbeddedClient) RenewLease(ctx context.Context, msg LeasedMessage, ttlSeconds int) (int64, error) {
	newExpiration := c.clock.NowUnixMilli() + int64(ttlSeconds)*1000
	res, err := c.db.ExecContext(ctx,
		`UPDATE sz_message_queue SET lease_expiration = ? WHERE message_id = ? AND lease_id = ?`,
		newExpiration, msg.MessageID, msg.LeaseID,
	)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.RenewLease", Cause: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.RenewLease.rows", Cause: err}
	}
	if affected == 0 {
		return 0, fmt.Errorf("sqlqueue: lease %s on message %d is no longer held", msg.LeaseID, msg.MessageID)
	}
	return newExpiration, nil
}

func (c *EmbeddedClient) DeleteMessage(ctx context.Context, id int64, leaseID string) error {
	var res sql.Result
	var err error
	if leaseID != "" {
		res, err = c.db.ExecContext(ctx, `DELETE FROM sz_message_queue WHERE message_id = ? AND lease_id = ?`, id, leaseID)
	} else {
		res, err = c.db.ExecContext(ctx, `DELETE FROM sz_message_queue WHERE message_id = ?`, id)
	}
	if err != nil {
		return &listenerrors.TransientTransport{Op: "sqlqueue.embedded.DeleteMessage", Cause: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &listenerrors.TransientTransport{Op: "sqlqueue.embedded.DeleteMessage.rows", Cause: err}
	}
	if affected == 0 {
		return fmt.Errorf("sqlqueue: message %d not found (or not held by lease %q)", id, leaseID)
	}
	return nil
}

func (c *EmbeddedClient) ReleaseExpiredLeases(ctx context.Context, graceSeconds int) (int, error) {
	cutoff := c.clock.NowUnixMilli() - int64(graceSeconds)*1000
	res, err := c.db.ExecContext(ctx,
		`UPDATE sz_message_queue SET lease_id = NULL, lease_expiration = NULL WHERE lease_expiration IS NOT NULL AND lease_expiration <= ?`,
		cutoff,
	)
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.ReleaseExpiredLeases", Cause: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &listenerrors.TransientTransport{Op: "sqlqueue.embedded.ReleaseExpiredLeases.rows", Cause: err}
	}
	return int(affected), nil
}

func (c *EmbeddedClient) Close() error {
	return c.db.Close()
}
