package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/domain"
)

func (s *Store) CreateWorkItem(ctx context.Context, w *domain.WorkItem) error {
	policyJSON, err := json.Marshal(w.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	var recipeJSON []byte
	if w.ToolRecipe != nil {
		if recipeJSON, err = json.Marshal(w.ToolRecipe); err != nil {
			return fmt.Errorf("marshal tool recipe: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO work_items (id, project_id, title, description, tool_recipe, policy, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.ProjectID, w.Title, w.Description, recipeJSON, policyJSON, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create work item: %w", err)
	}
	return nil
}

func (s *Store) GetWorkItem(ctx context.Context, id string) (*domain.WorkItem, error) {
	row := s.pool.QueryRow(ctx, workItemSelect+` WHERE id = $1`, id)
	return scanWorkItem(row)
}

func (s *Store) ListWorkItems(ctx context.Context, projectID string) ([]*domain.WorkItem, error) {
	query := workItemSelect
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = $1`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var out []*domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) SetToolRecipe(ctx context.Context, workItemID string, recipe domain.ToolRecipe) (*domain.WorkItem, error) {
	recipeJSON, err := json.Marshal(recipe)
	if err != nil {
		return nil, fmt.Errorf("marshal tool recipe: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE work_items SET tool_recipe = $2, updated_at = now() WHERE id = $1 RETURNING `+workItemColumns,
		workItemID, recipeJSON,
	)
	return scanWorkItem(row)
}

func (s *Store) SetPolicy(ctx context.Context, workItemID string, policy domain.RetryPolicy) (*domain.WorkItem, error) {
	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return nil, fmt.Errorf("marshal policy: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE work_items SET policy = $2, updated_at = now() WHERE id = $1 RETURNING `+workItemColumns,
		workItemID, policyJSON,
	)
	return scanWorkItem(row)
}

const workItemColumns = `id, project_id, title, description, tool_recipe, policy, created_at, updated_at`
const workItemSelect = `SELECT ` + workItemColumns + ` FROM work_items`

func scanWorkItem(row rowScanner) (*domain.WorkItem, error) {
	var w domain.WorkItem
	var recipeJSON, policyJSON []byte
	if err := row.Scan(&w.ID, &w.ProjectID, &w.Title, &w.Description, &recipeJSON, &policyJSON, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if noRows(err) {
			return nil, apperr.NotFound("work item", "")
		}
		return nil, fmt.Errorf("scan work item: %w", err)
	}
	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &w.Policy); err != nil {
			return nil, fmt.Errorf("unmarshal policy: %w", err)
		}
	}
	if len(recipeJSON) > 0 {
		var recipe domain.ToolRecipe
		if err := json.Unmarshal(recipeJSON, &recipe); err != nil {
			return nil, fmt.Errorf("unmarshal tool recipe: %w", err)
		}
		w.ToolRecipe = &recipe
	}
	return &w, nil
}
