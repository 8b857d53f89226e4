package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orchestrator/controlplane/internal/domain"
)

func (s *Store) CreateRunArtifact(ctx context.Context, a *domain.RunArtifact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_artifacts (id, run_id, name, media_type, kind, size_bytes, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.RunID, a.Name, a.MediaType, a.Kind, a.SizeBytes, a.Content, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create run artifact: %w", err)
	}
	return nil
}

func (s *Store) ListRunArtifacts(ctx context.Context, runID string) ([]*domain.RunArtifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, name, media_type, kind, size_bytes, content, created_at
		 FROM run_artifacts WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run artifacts: %w", err)
	}
	defer rows.Close()

	var out []*domain.RunArtifact
	for rows.Next() {
		var a domain.RunArtifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &a.MediaType, &a.Kind, &a.SizeBytes, &a.Content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run artifact: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) CreateRunSummary(ctx context.Context, sm *domain.RunSummary) error {
	tagsJSON, err := json.Marshal(sm.Tags)
	if err != nil {
		return fmt.Errorf("marshal run summary tags: %w", err)
	}
	dataJSON, err := json.Marshal(sm.Data)
	if err != nil {
		return fmt.Errorf("marshal run summary data: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_summaries (id, run_id, title, tags, data, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		sm.ID, sm.RunID, sm.Title, tagsJSON, dataJSON, sm.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create run summary: %w", err)
	}
	return nil
}

func (s *Store) ListRunSummaries(ctx context.Context, runID string) ([]*domain.RunSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, title, tags, data, created_at FROM run_summaries WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run summaries: %w", err)
	}
	defer rows.Close()

	var out []*domain.RunSummary
	for rows.Next() {
		var sm domain.RunSummary
		var tagsJSON, dataJSON []byte
		if err := rows.Scan(&sm.ID, &sm.RunID, &sm.Title, &tagsJSON, &dataJSON, &sm.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &sm.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal run summary tags: %w", err)
			}
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &sm.Data); err != nil {
				return nil, fmt.Errorf("unmarshal run summary data: %w", err)
			}
		}
		out = append(out, &sm)
	}
	return out, rows.Err()
}
