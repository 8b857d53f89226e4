package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/domain"
)

// uniqueViolation is Postgres error code 23505.
const uniqueViolation = "23505"

const stepColumns = `id, run_id, idx, name, status, started_at, finished_at, metadata`
const stepSelect = `SELECT ` + stepColumns + ` FROM run_steps`

func (s *Store) CreateRunStep(ctx context.Context, st *domain.RunStep) error {
	metaJSON, err := marshalMetadata(st.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_steps (id, run_id, idx, name, status, started_at, finished_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		st.ID, st.RunID, st.Idx, st.Name, st.Status, st.StartedAt, st.FinishedAt, metaJSON,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperr.Conflict("a run step already exists at that index")
		}
		return fmt.Errorf("create run step: %w", err)
	}
	return nil
}

func (s *Store) GetRunStep(ctx context.Context, id string) (*domain.RunStep, error) {
	row := s.pool.QueryRow(ctx, stepSelect+` WHERE id = $1`, id)
	return scanRunStep(row)
}

func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]*domain.RunStep, error) {
	rows, err := s.pool.Query(ctx, stepSelect+` WHERE run_id = $1 ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run steps: %w", err)
	}
	defer rows.Close()

	var out []*domain.RunStep
	for rows.Next() {
		st, err := scanRunStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) MutateRunStep(ctx context.Context, id string, fn func(*domain.RunStep) error) (*domain.RunStep, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin mutate run step tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, stepSelect+` WHERE id = $1 FOR UPDATE`, id)
	st, err := scanRunStep(row)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.NotFound("run step", id)
		}
		return nil, err
	}

	if err := fn(st); err != nil {
		return nil, err
	}

	metaJSON, err := marshalMetadata(st.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE run_steps SET status = $2, started_at = $3, finished_at = $4, metadata = $5 WHERE id = $1`,
		st.ID, st.Status, st.StartedAt, st.FinishedAt, metaJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("update run step: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit mutate run step tx: %w", err)
	}
	cp := *st
	return &cp, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func scanRunStep(row rowScanner) (*domain.RunStep, error) {
	var st domain.RunStep
	var metaJSON []byte
	if err := row.Scan(&st.ID, &st.RunID, &st.Idx, &st.Name, &st.Status, &st.StartedAt, &st.FinishedAt, &metaJSON); err != nil {
		if noRows(err) {
			return nil, apperr.NotFound("run step", "")
		}
		return nil, fmt.Errorf("scan run step: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &st.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &st, nil
}
