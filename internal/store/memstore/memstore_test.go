package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/domain"
)

func seedProjectAndWorkItem(t *testing.T, s *Store) (*domain.Project, *domain.WorkItem) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	p := &domain.Project{ID: "proj-1", Name: "test", Quota: domain.Quota{WindowSeconds: 60, MaxRuns: 3}, CreatedAt: now}
	require.NoError(t, s.CreateProject(ctx, p))
	w := &domain.WorkItem{ID: "wi-1", ProjectID: p.ID, Title: "do it", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateWorkItem(ctx, w))
	return p, w
}

func TestStore_CreateProjectRejectsDuplicateID(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := &domain.Project{ID: "proj-1", Name: "test"}
	require.NoError(t, s.CreateProject(ctx, p))
	err := s.CreateProject(ctx, p)
	require.True(t, apperr.IsConflict(err))
}

func TestStore_CreateWorkItemRejectsUnknownProject(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.CreateWorkItem(ctx, &domain.WorkItem{ID: "wi-1", ProjectID: "missing"})
	require.True(t, apperr.IsValidation(err))
}

func TestStore_MutateRunAppliesAndPersistsChange(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, w := seedProjectAndWorkItem(t, s)
	run := &domain.Run{ID: "run-1", WorkItemID: w.ID, State: domain.RunQueued, Attempt: 1}
	require.NoError(t, s.CreateRun(ctx, run))

	updated, err := s.MutateRun(ctx, run.ID, func(r *domain.Run) error {
		r.State = domain.RunRunning
		r.ClaimedBy = "agent-1"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, domain.RunRunning, updated.State)

	fetched, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunRunning, fetched.State)
	require.Equal(t, "agent-1", fetched.ClaimedBy)
}

func TestStore_MutateRunPropagatesCallbackError(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, w := seedProjectAndWorkItem(t, s)
	run := &domain.Run{ID: "run-1", WorkItemID: w.ID, State: domain.RunQueued}
	require.NoError(t, s.CreateRun(ctx, run))

	sentinel := apperr.Conflict("nope")
	_, err := s.MutateRun(ctx, run.ID, func(r *domain.Run) error { return sentinel })
	require.ErrorIs(t, err, sentinel)

	fetched, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunQueued, fetched.State)
}

func TestStore_ListReadyQueueEntriesOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, w := seedProjectAndWorkItem(t, s)
	now := time.Now().UTC()

	low := &domain.QueueEntry{ID: "b-low", WorkItemID: w.ID, Priority: 1, ScheduledFor: now, EnqueuedAt: now, State: domain.QueueQueued}
	high := &domain.QueueEntry{ID: "a-high", WorkItemID: w.ID, Priority: 5, ScheduledFor: now, EnqueuedAt: now, State: domain.QueueQueued}
	notYet := &domain.QueueEntry{ID: "c-future", WorkItemID: w.ID, Priority: 9, ScheduledFor: now.Add(time.Hour), EnqueuedAt: now, State: domain.QueueQueued}
	for _, e := range []*domain.QueueEntry{low, high, notYet} {
		require.NoError(t, s.CreateQueueEntry(ctx, e))
	}

	ready, err := s.ListReadyQueueEntries(ctx, now)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	require.Equal(t, "a-high", ready[0].ID)
	require.Equal(t, "b-low", ready[1].ID)
}

func TestStore_ConsumeQueueEntryIsNotReentrant(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, w := seedProjectAndWorkItem(t, s)
	e := &domain.QueueEntry{ID: "q-1", WorkItemID: w.ID, State: domain.QueueQueued}
	require.NoError(t, s.CreateQueueEntry(ctx, e))

	require.NoError(t, s.ConsumeQueueEntry(ctx, e.ID))
	err := s.ConsumeQueueEntry(ctx, e.ID)
	require.True(t, apperr.IsConflict(err))
}

func TestStore_MostRecentTerminalRunPicksLatestFinish(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, w := seedProjectAndWorkItem(t, s)
	earlier := time.Now().Add(-time.Hour)
	later := time.Now()

	require.NoError(t, s.CreateRun(ctx, &domain.Run{ID: "run-old", WorkItemID: w.ID, State: domain.RunFailed, FinishedAt: &earlier}))
	require.NoError(t, s.CreateRun(ctx, &domain.Run{ID: "run-new", WorkItemID: w.ID, State: domain.RunSucceeded, FinishedAt: &later}))

	latest, err := s.MostRecentTerminalRun(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, "run-new", latest.ID)
}

func TestStore_LockSerializesOverlappingKeys(t *testing.T) {
	s := New()
	ctx := context.Background()

	unlock := s.Lock(ctx, "x", "y")
	var wg sync.WaitGroup
	entered := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		inner := s.Lock(ctx, "y")
		close(entered)
		inner()
	}()

	select {
	case <-entered:
		t.Fatal("second Lock call should have blocked on overlapping key y")
	case <-time.After(30 * time.Millisecond):
	}
	unlock()
	wg.Wait()
}

func TestStore_UpsertAgentTracksLastSeen(t *testing.T) {
	s := New()
	ctx := context.Background()
	first := time.Now().Add(-time.Minute)
	second := time.Now()

	_, err := s.UpsertAgent(ctx, "agent-1", first)
	require.NoError(t, err)
	updated, err := s.UpsertAgent(ctx, "agent-1", second)
	require.NoError(t, err)
	require.True(t, updated.LastSeenAt.Equal(second))

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
}

func TestStore_AppendLogEntryAssignsIncrementingSeq(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, w := seedProjectAndWorkItem(t, s)
	run := &domain.Run{ID: "run-1", WorkItemID: w.ID, State: domain.RunQueued}
	require.NoError(t, s.CreateRun(ctx, run))

	seq1, err := s.AppendLogEntry(ctx, &domain.LogEntry{RunID: run.ID, Text: "first"})
	require.NoError(t, err)
	require.Equal(t, int64(1), seq1)
	seq2, err := s.AppendLogEntry(ctx, &domain.LogEntry{RunID: run.ID, Text: "second"})
	require.NoError(t, err)
	require.Equal(t, int64(2), seq2)

	entries, err := s.ListLogEntries(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestStore_CreateRunStepRejectsDuplicateIdx(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, w := seedProjectAndWorkItem(t, s)
	run := &domain.Run{ID: "run-1", WorkItemID: w.ID, State: domain.RunQueued}
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.CreateRunStep(ctx, &domain.RunStep{ID: "step-1", RunID: run.ID, Idx: 0, Name: "fetch"}))
	err := s.CreateRunStep(ctx, &domain.RunStep{ID: "step-2", RunID: run.ID, Idx: 0, Name: "fetch-again"})
	require.True(t, apperr.IsConflict(err))
}
