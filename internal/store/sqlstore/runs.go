package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/domain"
)

const runColumns = `id, work_item_id, state, attempt, trace_id, started_at, finished_at, claimed_by, claim_expires_at, last_heartbeat_at`
const runSelect = `SELECT ` + runColumns + ` FROM runs`

func (s *Store) CreateRun(ctx context.Context, r *domain.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, work_item_id, state, attempt, trace_id, started_at, finished_at, claimed_by, claim_expires_at, last_heartbeat_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.WorkItemID, r.State, r.Attempt, r.TraceID, r.StartedAt, r.FinishedAt, r.ClaimedBy, r.ClaimExpiresAt, r.LastHeartbeatAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, runSelect+` WHERE id = $1`, id)
	return scanRun(row)
}

func (s *Store) ListRunsForWorkItem(ctx context.Context, workItemID string) ([]*domain.Run, error) {
	rows, err := s.pool.Query(ctx, runSelect+` WHERE work_item_id = $1 ORDER BY attempt`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("list runs for work item: %w", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MostRecentTerminalRun returns the work item's latest terminal run by
// finished_at, the same wall-clock basis memstore uses, so the
// dependency-satisfaction decision in §4.I can't diverge between
// backends. Returns apperr.ErrNotFound, matching memstore, when the
// work item has no terminal run yet.
func (s *Store) MostRecentTerminalRun(ctx context.Context, workItemID string) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx,
		runSelect+` WHERE work_item_id = $1 AND state IN ($2, $3, $4) ORDER BY finished_at DESC LIMIT 1`,
		workItemID, domain.RunSucceeded, domain.RunFailed, domain.RunCancelled,
	)
	r, err := scanRun(row)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.NotFound("terminal run for work item", workItemID)
		}
		return nil, err
	}
	return r, nil
}

func (s *Store) HasRunningRun(ctx context.Context, workItemID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM runs WHERE work_item_id = $1 AND state = $2)`,
		workItemID, domain.RunRunning,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has running run: %w", err)
	}
	return exists, nil
}

// MutateRun reads the row under a transaction-scoped row lock
// (SELECT ... FOR UPDATE), applies fn, and writes every mutable field
// back in the same transaction, giving callers the same
// read-modify-write atomicity memstore's map-plus-mutex gives in
// process.
func (s *Store) MutateRun(ctx context.Context, id string, fn func(*domain.Run) error) (*domain.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin mutate run tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, runSelect+` WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRunFixed(row, id)
	if err != nil {
		return nil, err
	}

	if err := fn(r); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE runs SET state = $2, attempt = $3, trace_id = $4, started_at = $5, finished_at = $6,
		 claimed_by = $7, claim_expires_at = $8, last_heartbeat_at = $9 WHERE id = $1`,
		r.ID, r.State, r.Attempt, r.TraceID, r.StartedAt, r.FinishedAt, r.ClaimedBy, r.ClaimExpiresAt, r.LastHeartbeatAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit mutate run tx: %w", err)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListExpiredRunningRuns(ctx context.Context, now time.Time) ([]*domain.Run, error) {
	rows, err := s.pool.Query(ctx,
		runSelect+` WHERE state = $1 AND claim_expires_at IS NOT NULL AND claim_expires_at <= $2`,
		domain.RunRunning, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired running runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CountFailedRuns(ctx context.Context, workItemID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE work_item_id = $1 AND state = $2`,
		workItemID, domain.RunFailed,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failed runs: %w", err)
	}
	return count, nil
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var r domain.Run
	if err := row.Scan(&r.ID, &r.WorkItemID, &r.State, &r.Attempt, &r.TraceID, &r.StartedAt, &r.FinishedAt, &r.ClaimedBy, &r.ClaimExpiresAt, &r.LastHeartbeatAt); err != nil {
		if noRows(err) {
			return nil, apperr.NotFound("run", "")
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &r, nil
}

// scanRunFixed is scanRun with the id named in the NotFound error,
// used by MutateRun where the id is already known up front.
func scanRunFixed(row pgx.Row, id string) (*domain.Run, error) {
	r, err := scanRun(row)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.NotFound("run", id)
		}
		return nil, err
	}
	return r, nil
}
