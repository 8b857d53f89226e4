package sqlstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator/controlplane/internal/domain"
)

// setupTestStore mirrors the teacher's own setupTestStore helper
// (internal/infra/kernel/postgres_store_test.go): skip unless a real
// database is configured, create the schema, and clean up test rows
// afterward rather than dropping tables other tests might share.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("ORCH_DATABASE_URL")
	if dbURL == "" {
		t.Skip("ORCH_DATABASE_URL not set; skipping Postgres integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	st := New(pool)
	require.NoError(t, st.EnsureSchema(ctx))

	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DELETE FROM projects WHERE id LIKE 'test-%'")
	})

	return st
}

func TestStore_EnsureSchemaIdempotent(t *testing.T) {
	st := setupTestStore(t)
	require.NoError(t, st.EnsureSchema(context.Background()))
}

func TestStore_ProjectWorkItemRunLifecycle(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	project := &domain.Project{
		ID:        "test-project-1",
		Name:      "test project",
		Quota:     domain.Quota{WindowSeconds: 60, MaxRuns: 5},
		CreatedAt: now,
	}
	require.NoError(t, st.CreateProject(ctx, project))

	workItem := &domain.WorkItem{
		ID:        "test-work-item-1",
		ProjectID: project.ID,
		Title:     "do the thing",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateWorkItem(ctx, workItem))

	run := &domain.Run{
		ID:         "test-run-1",
		WorkItemID: workItem.ID,
		State:      domain.RunQueued,
		Attempt:    1,
		TraceID:    "trace-1",
	}
	require.NoError(t, st.CreateRun(ctx, run))

	claimTTL := now.Add(time.Minute)
	updated, err := st.MutateRun(ctx, run.ID, func(r *domain.Run) error {
		r.State = domain.RunRunning
		r.ClaimedBy = "agent-1"
		r.ClaimExpiresAt = &claimTTL
		r.StartedAt = &now
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, domain.RunRunning, updated.State)
	require.Equal(t, "agent-1", updated.ClaimedBy)

	fetched, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunRunning, fetched.State)
}

func TestStore_LockSerializesConcurrentCallers(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	unlock := st.Lock(ctx, "test-key-a", "test-key-b")
	defer unlock()

	done := make(chan struct{})
	go func() {
		inner := st.Lock(ctx, "test-key-a")
		close(done)
		inner()
	}()

	select {
	case <-done:
		t.Fatal("second Lock call should have blocked on test-key-a")
	case <-time.After(100 * time.Millisecond):
	}
}
