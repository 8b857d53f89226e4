package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/domain"
)

const approvalColumns = `id, work_item_id, state, created_at, decided_at`
const approvalSelect = `SELECT ` + approvalColumns + ` FROM approval_requests`

func (s *Store) CreateApprovalRequest(ctx context.Context, a *domain.ApprovalRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO approval_requests (id, work_item_id, state, created_at, decided_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.WorkItemID, a.State, a.CreatedAt, a.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("create approval request: %w", err)
	}
	return nil
}

func (s *Store) GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx, approvalSelect+` WHERE id = $1`, id)
	return scanApproval(row)
}

func (s *Store) ListApprovalRequests(ctx context.Context, workItemID string) ([]*domain.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, approvalSelect+` WHERE work_item_id = $1 ORDER BY created_at`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()

	var out []*domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DecideApproval(ctx context.Context, id string, approve bool, now time.Time) (*domain.ApprovalRequest, error) {
	state := domain.ApprovalRejected
	if approve {
		state = domain.ApprovalApproved
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE approval_requests SET state = $2, decided_at = $3
		 WHERE id = $1 AND state = $4 RETURNING `+approvalColumns,
		id, state, now, domain.ApprovalPending,
	)
	a, err := scanApproval(row)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.Conflict("approval request already decided or missing")
		}
		return nil, err
	}
	return a, nil
}

func scanApproval(row rowScanner) (*domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	if err := row.Scan(&a.ID, &a.WorkItemID, &a.State, &a.CreatedAt, &a.DecidedAt); err != nil {
		if noRows(err) {
			return nil, apperr.NotFound("approval request", "")
		}
		return nil, fmt.Errorf("scan approval request: %w", err)
	}
	return &a, nil
}
