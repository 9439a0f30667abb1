package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-orders/internal/task"
)

const (
	// Tasks with the same name and non-empty key collapse into the pending
	// one through tasks_dedup_idx.
	insertTaskSQL = `INSERT INTO tasks (name, args, dedup_key, run_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`

	claimTasksSQL = `UPDATE tasks SET attempt = attempt + 1, locked_until = $3
		WHERE id IN (
			SELECT id FROM tasks
			WHERE state = 'pending' AND run_at <= $1 AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY run_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, name, args, dedup_key, run_at, attempt`

	completeTaskSQL = `UPDATE tasks SET state = 'done', finished_at = now(), locked_until = NULL WHERE id = $1`

	retryTaskSQL = `UPDATE tasks SET run_at = $2, last_error = $3, locked_until = NULL WHERE id = $1`

	buryTaskSQL = `UPDATE tasks SET state = 'buried', last_error = $2, finished_at = now(), locked_until = NULL
		WHERE id = $1`

	countPendingTasksSQL = `SELECT count(*) FROM tasks WHERE state = 'pending'`
)

var _ task.Store = (*TaskStore)(nil)

// TaskStore implements task.Store on the tasks table.
type TaskStore struct {
	db *DB
}

// NewTaskStore returns a TaskStore over db.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

// Insert stores a task in the transaction carried by ctx. A pending task
// with the same name and key absorbs the insert.
func (s *TaskStore) Insert(ctx context.Context, t task.Task) error {
	args := t.Args
	if args == nil {
		args = task.Args{}
	}
	if _, err := s.db.conn(ctx).Exec(ctx, insertTaskSQL, t.Name, args, t.Key, t.RunAt); err != nil {
		return fmt.Errorf("inserting task %s: %w", t.Name, err)
	}
	return nil
}

// Claim leases due tasks. A lease that runs out makes the task claimable
// again, so a crashed worker never strands work.
func (s *TaskStore) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]task.Task, error) {
	rows, err := s.db.conn(ctx).Query(ctx, claimTasksSQL, now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claiming tasks: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (task.Task, error) {
		var t task.Task
		err := row.Scan(&t.ID, &t.Name, &t.Args, &t.Key, &t.RunAt, &t.Attempt)
		return t, err
	})
}

// Complete marks a task done.
func (s *TaskStore) Complete(ctx context.Context, id int64) error {
	return s.exec(ctx, "completing", id, completeTaskSQL, id)
}

// Retry releases the lease and schedules the next attempt.
func (s *TaskStore) Retry(ctx context.Context, id int64, runAt time.Time, lastErr string) error {
	return s.exec(ctx, "retrying", id, retryTaskSQL, id, runAt, lastErr)
}

// Bury moves a task out of the queue for manual inspection.
func (s *TaskStore) Bury(ctx context.Context, id int64, lastErr string) error {
	return s.exec(ctx, "burying", id, buryTaskSQL, id, lastErr)
}

// Pending returns the number of tasks not yet done or buried.
func (s *TaskStore) Pending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.conn(ctx).QueryRow(ctx, countPendingTasksSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending tasks: %w", err)
	}
	return n, nil
}

func (s *TaskStore) exec(ctx context.Context, verb string, id int64, query string, args ...any) error {
	if _, err := s.db.conn(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%s task %d: %w", verb, id, err)
	}
	return nil
}
