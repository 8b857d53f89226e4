package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/domain"
)

func (s *Store) CreateProject(ctx context.Context, p *domain.Project) error {
	quotaJSON, err := json.Marshal(p.Quota)
	if err != nil {
		return fmt.Errorf("marshal quota: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, description, quota, created_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Name, p.Description, quotaJSON, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, description, quota, created_at FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

func (s *Store) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, quota, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProjectQuota(ctx context.Context, id string, q domain.Quota) (*domain.Project, error) {
	quotaJSON, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal quota: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE projects SET quota = $2 WHERE id = $1
		 RETURNING id, name, description, quota, created_at`,
		id, quotaJSON,
	)
	return scanProject(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var p domain.Project
	var quotaJSON []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &quotaJSON, &p.CreatedAt); err != nil {
		if noRows(err) {
			return nil, apperr.NotFound("project", "")
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if err := json.Unmarshal(quotaJSON, &p.Quota); err != nil {
		return nil, fmt.Errorf("unmarshal quota: %w", err)
	}
	return &p, nil
}
