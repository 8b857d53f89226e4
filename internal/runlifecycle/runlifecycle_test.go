package runlifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/approval"
	"github.com/orchestrator/controlplane/internal/clock"
	"github.com/orchestrator/controlplane/internal/domain"
	"github.com/orchestrator/controlplane/internal/lease"
	"github.com/orchestrator/controlplane/internal/logbus"
	"github.com/orchestrator/controlplane/internal/quota"
	"github.com/orchestrator/controlplane/internal/retry"
	"github.com/orchestrator/controlplane/internal/scheduler"
	"github.com/orchestrator/controlplane/internal/store/memstore"
)

func newFixture(t *testing.T, policy retry.Policy) (*Lifecycle, *scheduler.Scheduler, *memstore.Store, *clock.Fake) {
	t.Helper()
	st := memstore.New()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	gate := approval.New(st, clk, false)
	meter := quota.New()
	sched := scheduler.New(st, gate, meter, clk, nil)
	bus := logbus.New(nil)
	leaseMgr := lease.New(st, clk, bus, nil, func(ctx context.Context, workItemID string) (bool, error) {
		return Exhausted(ctx, st, workItemID, policy)
	})
	lc := New(st, bus, leaseMgr, sched, clk, nil, policy)
	return lc, sched, st, clk
}

func seedAndPromote(t *testing.T, st *memstore.Store, sched *scheduler.Scheduler, workItemID string, policy domain.RetryPolicy) *domain.Run {
	t.Helper()
	ctx := context.Background()
	p := &domain.Project{ID: "p-" + workItemID, Name: "p"}
	require.NoError(t, st.CreateProject(ctx, p))
	w := &domain.WorkItem{ID: workItemID, ProjectID: p.ID, Title: "w", Policy: policy}
	require.NoError(t, st.CreateWorkItem(ctx, w))
	_, err := sched.Enqueue(ctx, workItemID, "", 0, 0)
	require.NoError(t, err)
	summary, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Promoted, 1)
	run, err := st.GetRun(ctx, summary.Promoted[0].RunID)
	require.NoError(t, err)
	return run
}

func TestLifecycle_AppendLogAssignsStrictlyIncreasingSeq(t *testing.T) {
	lc, sched, st, _ := newFixture(t, retry.Policy{MaxRetries: 1, BackoffBaseSeconds: 1})
	run := seedAndPromote(t, st, sched, "wi-1", domain.RetryPolicy{})
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		entry, err := lc.AppendLog(ctx, run.ID, domain.StreamStdout, "line")
		require.NoError(t, err)
		require.Greater(t, entry.Seq, last)
		last = entry.Seq
	}
}

func TestLifecycle_CreateStepRejectsNonDenseIdx(t *testing.T) {
	lc, sched, st, _ := newFixture(t, retry.Policy{MaxRetries: 1, BackoffBaseSeconds: 1})
	run := seedAndPromote(t, st, sched, "wi-1", domain.RetryPolicy{})
	ctx := context.Background()

	_, err := lc.CreateStep(ctx, run.ID, 1, "second")
	require.True(t, apperr.IsConflict(err))

	step0, err := lc.CreateStep(ctx, run.ID, 0, "first")
	require.NoError(t, err)
	require.Equal(t, 0, step0.Idx)

	_, err = lc.CreateStep(ctx, run.ID, 0, "dup")
	require.True(t, apperr.IsConflict(err))

	step1, err := lc.CreateStep(ctx, run.ID, 1, "second")
	require.NoError(t, err)
	require.Equal(t, 1, step1.Idx)
}

func TestLifecycle_CompleteOnSuccessDoesNotRetry(t *testing.T) {
	lc, sched, st, _ := newFixture(t, retry.Policy{MaxRetries: 1, BackoffBaseSeconds: 1})
	run := seedAndPromote(t, st, sched, "wi-1", domain.RetryPolicy{})
	ctx := context.Background()
	_, err := lc.lease.Claim(ctx, run.ID, "agent-a", 30*time.Second)
	require.NoError(t, err)

	result, err := lc.Complete(ctx, run.ID, "agent-a", true)
	require.NoError(t, err)
	require.False(t, result.Retried)
	require.Equal(t, domain.RunSucceeded, result.Run.State)
}

func TestLifecycle_CompleteOnFailureRetriesWithinBudget(t *testing.T) {
	lc, sched, st, _ := newFixture(t, retry.Policy{MaxRetries: 1, BackoffBaseSeconds: 1})
	run := seedAndPromote(t, st, sched, "wi-1", domain.RetryPolicy{})
	ctx := context.Background()
	_, err := lc.lease.Claim(ctx, run.ID, "agent-a", 30*time.Second)
	require.NoError(t, err)

	result, err := lc.Complete(ctx, run.ID, "agent-a", false)
	require.NoError(t, err)
	require.True(t, result.Retried)
	require.NotEmpty(t, result.NextQueueID)

	// The seeding entry stays listed as consumed beside the retry entry.
	entries, err := st.ListQueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		if e.ID == result.NextQueueID {
			require.Equal(t, domain.QueueQueued, e.State)
		} else {
			require.Equal(t, domain.QueueConsumed, e.State)
		}
	}
}

func TestLifecycle_RetryBudgetExhaustionStopsRequeueing(t *testing.T) {
	lc, sched, st, clk := newFixture(t, retry.Policy{MaxRetries: 1, BackoffBaseSeconds: 1})
	run := seedAndPromote(t, st, sched, "wi-1", domain.RetryPolicy{})
	ctx := context.Background()

	_, err := lc.lease.Claim(ctx, run.ID, "agent-a", 30*time.Second)
	require.NoError(t, err)
	result, err := lc.Complete(ctx, run.ID, "agent-a", false)
	require.NoError(t, err)
	require.True(t, result.Retried)

	clk.Advance(10 * time.Second)
	summary, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Promoted, 1)
	run2, err := st.GetRun(ctx, summary.Promoted[0].RunID)
	require.NoError(t, err)

	_, err = lc.lease.Claim(ctx, run2.ID, "agent-b", 30*time.Second)
	require.NoError(t, err)
	result2, err := lc.Complete(ctx, run2.ID, "agent-b", false)
	require.NoError(t, err)
	require.False(t, result2.Retried)

	entries, err := st.ListQueueEntries(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		require.Equal(t, domain.QueueConsumed, e.State)
	}
}

func TestLifecycle_CompleteIsIdempotentOnATerminalRun(t *testing.T) {
	lc, sched, st, _ := newFixture(t, retry.Policy{MaxRetries: 1, BackoffBaseSeconds: 1})
	run := seedAndPromote(t, st, sched, "wi-1", domain.RetryPolicy{})
	ctx := context.Background()
	_, err := lc.lease.Claim(ctx, run.ID, "agent-a", 30*time.Second)
	require.NoError(t, err)

	_, err = lc.Complete(ctx, run.ID, "agent-a", true)
	require.NoError(t, err)

	before, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)

	_, err = lc.Complete(ctx, run.ID, "agent-a", true)
	require.Error(t, err)

	after, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestLifecycle_CancelIsTerminalAndNeverRetried(t *testing.T) {
	lc, sched, st, _ := newFixture(t, retry.Policy{MaxRetries: 5, BackoffBaseSeconds: 1})
	run := seedAndPromote(t, st, sched, "wi-1", domain.RetryPolicy{})
	ctx := context.Background()

	cancelled, err := lc.Cancel(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, cancelled.State)

	// Only the consumed seeding entry is listed; no retry entry was added.
	entries, err := st.ListQueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.QueueConsumed, entries[0].State)

	_, err = lc.Cancel(ctx, run.ID)
	require.True(t, apperr.IsConflict(err))
}

func TestLifecycle_ExpireScanDelegatesToLeaseManager(t *testing.T) {
	lc, sched, st, clk := newFixture(t, retry.Policy{MaxRetries: 1, BackoffBaseSeconds: 1})
	run := seedAndPromote(t, st, sched, "wi-1", domain.RetryPolicy{})
	ctx := context.Background()

	_, err := lc.lease.Claim(ctx, run.ID, "agent-a", 1*time.Second)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	reclaimed, err := lc.ExpireScan(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, domain.RunQueued, reclaimed[0].State)
}

func TestResolvePolicy_WorkItemOverrideTakesPrecedence(t *testing.T) {
	defaults := retry.Policy{MaxRetries: 3, BackoffBaseSeconds: 10, JitterSeconds: 1}
	w := &domain.WorkItem{Policy: domain.RetryPolicy{MaxRetries: 1, BackoffBaseSeconds: 2, BackoffJitterSecond: 0}}
	got := ResolvePolicy(w, defaults)
	require.Equal(t, retry.Policy{MaxRetries: 1, BackoffBaseSeconds: 2, JitterSeconds: 0}, got)

	w2 := &domain.WorkItem{}
	got2 := ResolvePolicy(w2, defaults)
	require.Equal(t, defaults, got2)
}
