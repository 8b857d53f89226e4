package sqlstore

import (
	"context"
	"fmt"

	"github.com/orchestrator/controlplane/internal/domain"
)

// AppendLogEntry assigns the next sequence number for the run inside
// a transaction so two concurrent appends for the same run never
// collide, the SQL equivalent of memstore's per-run lock key.
func (s *Store) AppendLogEntry(ctx context.Context, e *domain.LogEntry) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin append log tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var lastSeq int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM log_entries WHERE run_id = $1 FOR UPDATE`,
		e.RunID,
	).Scan(&lastSeq)
	if err != nil {
		return 0, fmt.Errorf("select last log seq: %w", err)
	}
	seq := lastSeq + 1

	_, err = tx.Exec(ctx,
		`INSERT INTO log_entries (run_id, seq, timestamp, stream, text) VALUES ($1, $2, $3, $4, $5)`,
		e.RunID, seq, e.Timestamp, e.Stream, e.Text,
	)
	if err != nil {
		return 0, fmt.Errorf("append log entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append log tx: %w", err)
	}
	return seq, nil
}

func (s *Store) ListLogEntries(ctx context.Context, runID string, offset, limit int) ([]domain.LogEntry, error) {
	query := `SELECT run_id, seq, timestamp, stream, text FROM log_entries WHERE run_id = $1 ORDER BY seq`
	args := []any{runID}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, offset)
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()

	var out []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Timestamp, &e.Stream, &e.Text); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CountLogEntries(ctx context.Context, runID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM log_entries WHERE run_id = $1`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count log entries: %w", err)
	}
	return count, nil
}
