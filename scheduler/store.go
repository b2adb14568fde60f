package scheduler

import (
	"context"

	"dmlistener.evalgo.org/task"
)

// Store is the follow-up task persistence concern: tasks surviving
// collapsing are inserted here within the same logical commit, and removed
// once they reach a terminal state. This is a distinct concern from the
// SQL Queue Client's lease table (sqlqueue.Client) — it may live in the same
// database or a separate embedded one, per §3.
type Store interface {
	PersistBatch(ctx context.Context, tasks []*task.Task) error
	Remove(ctx context.Context, taskID int64) error
}
