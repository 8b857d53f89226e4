package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/domain"
)

const infoRequestColumns = `id, run_id, keys, state, response_plain, response_ciphertext, encryption_tag, created_at, answered_at`
const infoRequestSelect = `SELECT ` + infoRequestColumns + ` FROM info_requests`

func (s *Store) CreateInfoRequest(ctx context.Context, r *domain.InfoRequest) error {
	keysJSON, err := json.Marshal(r.Keys)
	if err != nil {
		return fmt.Errorf("marshal info request keys: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO info_requests (id, run_id, keys, state, response_plain, response_ciphertext, encryption_tag, created_at, answered_at)
		 VALUES ($1, $2, $3, $4, NULL, $5, $6, $7, $8)`,
		r.ID, r.RunID, keysJSON, r.State, r.ResponseEncrypted, r.EncryptionTag, r.CreatedAt, r.AnsweredAt,
	)
	if err != nil {
		return fmt.Errorf("create info request: %w", err)
	}
	return nil
}

func (s *Store) GetInfoRequest(ctx context.Context, id string) (*domain.InfoRequest, error) {
	row := s.pool.QueryRow(ctx, infoRequestSelect+` WHERE id = $1`, id)
	return scanInfoRequest(row)
}

func (s *Store) ListInfoRequests(ctx context.Context, runID string) ([]*domain.InfoRequest, error) {
	rows, err := s.pool.Query(ctx, infoRequestSelect+` WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list info requests: %w", err)
	}
	defer rows.Close()

	var out []*domain.InfoRequest
	for rows.Next() {
		r, err := scanInfoRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AnswerInfoRequest stores the response, either as a plaintext JSONB
// document (plaintext non-nil, the no-op encryption provider) or as
// an opaque ciphertext blob (plaintext nil) - the core never inspects
// which, only persists whichever the inforequest.Channel hands it.
func (s *Store) AnswerInfoRequest(ctx context.Context, id string, plaintext map[string]string, ciphertext []byte, tag string, now time.Time) (*domain.InfoRequest, error) {
	var plainJSON []byte
	if plaintext != nil {
		var err error
		plainJSON, err = json.Marshal(plaintext)
		if err != nil {
			return nil, fmt.Errorf("marshal info request response: %w", err)
		}
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE info_requests SET state = $2, response_plain = $3, response_ciphertext = $4, encryption_tag = $5, answered_at = $6
		 WHERE id = $1 AND state = $7 RETURNING `+infoRequestColumns,
		id, domain.InfoAnswered, plainJSON, ciphertext, tag, now, domain.InfoPending,
	)
	r, err := scanInfoRequest(row)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.Conflict("info request already resolved or missing")
		}
		return nil, err
	}
	return r, nil
}

func (s *Store) CancelInfoRequest(ctx context.Context, id string) (*domain.InfoRequest, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE info_requests SET state = $2 WHERE id = $1 AND state = $3 RETURNING `+infoRequestColumns,
		id, domain.InfoCancelled, domain.InfoPending,
	)
	r, err := scanInfoRequest(row)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.Conflict("info request already resolved or missing")
		}
		return nil, err
	}
	return r, nil
}

func scanInfoRequest(row rowScanner) (*domain.InfoRequest, error) {
	var r domain.InfoRequest
	var keysJSON, plainJSON []byte
	if err := row.Scan(&r.ID, &r.RunID, &keysJSON, &r.State, &plainJSON, &r.ResponseEncrypted, &r.EncryptionTag, &r.CreatedAt, &r.AnsweredAt); err != nil {
		if noRows(err) {
			return nil, apperr.NotFound("info request", "")
		}
		return nil, fmt.Errorf("scan info request: %w", err)
	}
	if err := json.Unmarshal(keysJSON, &r.Keys); err != nil {
		return nil, fmt.Errorf("unmarshal info request keys: %w", err)
	}
	if len(plainJSON) > 0 {
		if err := json.Unmarshal(plainJSON, &r.Response); err != nil {
			return nil, fmt.Errorf("unmarshal info request response: %w", err)
		}
	}
	return &r, nil
}
