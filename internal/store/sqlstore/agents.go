package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestrator/controlplane/internal/domain"
)

func (s *Store) UpsertAgent(ctx context.Context, id string, now time.Time) (*domain.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO agents (id, last_seen_at) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
		 RETURNING id, last_seen_at`,
		id, now,
	)
	var a domain.Agent
	if err := row.Scan(&a.ID, &a.LastSeenAt); err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, last_seen_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
