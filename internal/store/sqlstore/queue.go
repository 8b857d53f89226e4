package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/domain"
)

const queueColumns = `id, work_item_id, depends_on_work_item, priority, scheduled_for, enqueued_at, state`
const queueSelect = `SELECT ` + queueColumns + ` FROM queue_entries`

func (s *Store) CreateQueueEntry(ctx context.Context, e *domain.QueueEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue_entries (id, work_item_id, depends_on_work_item, priority, scheduled_for, enqueued_at, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.WorkItemID, e.DependsOnWorkItem, e.Priority, e.ScheduledFor, e.EnqueuedAt, e.State,
	)
	if err != nil {
		return fmt.Errorf("create queue entry: %w", err)
	}
	return nil
}

func (s *Store) GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, queueSelect+` WHERE id = $1`, id)
	return scanQueueEntry(row)
}

func (s *Store) ListQueueEntries(ctx context.Context) ([]*domain.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, queueSelect+` ORDER BY priority DESC, enqueued_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()
	return collectQueueEntries(rows)
}

// ListReadyQueueEntries returns queued entries whose ScheduledFor has
// arrived, in the deterministic promotion order (priority desc,
// enqueued_at asc, id asc) the in-memory store's sortQueueEntries
// establishes for tests to assert against.
func (s *Store) ListReadyQueueEntries(ctx context.Context, now time.Time) ([]*domain.QueueEntry, error) {
	rows, err := s.pool.Query(ctx,
		queueSelect+` WHERE state = $1 AND scheduled_for <= $2 ORDER BY priority DESC, enqueued_at, id`,
		domain.QueueQueued, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list ready queue entries: %w", err)
	}
	defer rows.Close()
	return collectQueueEntries(rows)
}

func (s *Store) ConsumeQueueEntry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_entries SET state = $2 WHERE id = $1 AND state = $3`,
		id, domain.QueueConsumed, domain.QueueQueued,
	)
	if err != nil {
		return fmt.Errorf("consume queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("queue entry already consumed or missing")
	}
	return nil
}

func collectQueueEntries(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]*domain.QueueEntry, error) {
	var out []*domain.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanQueueEntry(row rowScanner) (*domain.QueueEntry, error) {
	var e domain.QueueEntry
	if err := row.Scan(&e.ID, &e.WorkItemID, &e.DependsOnWorkItem, &e.Priority, &e.ScheduledFor, &e.EnqueuedAt, &e.State); err != nil {
		if noRows(err) {
			return nil, apperr.NotFound("queue entry", "")
		}
		return nil, fmt.Errorf("scan queue entry: %w", err)
	}
	return &e, nil
}
