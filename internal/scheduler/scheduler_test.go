package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator/controlplane/internal/approval"
	"github.com/orchestrator/controlplane/internal/clock"
	"github.com/orchestrator/controlplane/internal/domain"
	"github.com/orchestrator/controlplane/internal/quota"
	"github.com/orchestrator/controlplane/internal/store/memstore"
)

func newFixture(t *testing.T) (*Scheduler, *memstore.Store, *clock.Fake) {
	t.Helper()
	st := memstore.New()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	gate := approval.New(st, clk, false)
	meter := quota.New()
	sched := New(st, gate, meter, clk, nil)
	return sched, st, clk
}

func seedProject(t *testing.T, st *memstore.Store, id string, maxRuns int) *domain.Project {
	t.Helper()
	p := &domain.Project{ID: id, Name: id, Quota: domain.Quota{WindowSeconds: 60, MaxRuns: maxRuns}}
	require.NoError(t, st.CreateProject(context.Background(), p))
	return p
}

func seedWorkItem(t *testing.T, st *memstore.Store, id, projectID string) *domain.WorkItem {
	t.Helper()
	w := &domain.WorkItem{ID: id, ProjectID: projectID, Title: id}
	require.NoError(t, st.CreateWorkItem(context.Background(), w))
	return w
}

func TestScheduler_ChainedDependencyPromotesOnlyAfterUpstreamSucceeds(t *testing.T) {
	sched, st, _ := newFixture(t)
	ctx := context.Background()
	seedProject(t, st, "p1", 0)
	seedWorkItem(t, st, "wi-a", "p1")
	seedWorkItem(t, st, "wi-b", "p1")

	_, err := sched.Enqueue(ctx, "wi-a", "", 0, 0)
	require.NoError(t, err)
	_, err = sched.Enqueue(ctx, "wi-b", "wi-a", 0, 0)
	require.NoError(t, err)

	summary, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Promoted, 1)
	require.Equal(t, "wi-a", summary.Promoted[0].WorkItemID)

	runs, err := st.ListRunsForWorkItem(ctx, "wi-a")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	_, err = st.MutateRun(ctx, runs[0].ID, func(r *domain.Run) error {
		r.State = domain.RunSucceeded
		now := time.Now()
		r.FinishedAt = &now
		return nil
	})
	require.NoError(t, err)

	summary, err = sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Promoted, 1)
	require.Equal(t, "wi-b", summary.Promoted[0].WorkItemID)
}

func TestScheduler_FailedDependencyDoesNotSatisfy(t *testing.T) {
	sched, st, _ := newFixture(t)
	ctx := context.Background()
	seedProject(t, st, "p1", 0)
	seedWorkItem(t, st, "wi-a", "p1")
	seedWorkItem(t, st, "wi-b", "p1")

	_, err := sched.Enqueue(ctx, "wi-a", "", 0, 0)
	require.NoError(t, err)
	_, err = sched.Enqueue(ctx, "wi-b", "wi-a", 0, 0)
	require.NoError(t, err)

	_, err = sched.Tick(ctx)
	require.NoError(t, err)
	runs, err := st.ListRunsForWorkItem(ctx, "wi-a")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	_, err = st.MutateRun(ctx, runs[0].ID, func(r *domain.Run) error {
		r.State = domain.RunFailed
		now := time.Now()
		r.FinishedAt = &now
		return nil
	})
	require.NoError(t, err)

	summary, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, summary.Promoted)
}

func TestScheduler_NoTerminalRunMeansDependencyNotSatisfied(t *testing.T) {
	sched, st, _ := newFixture(t)
	ctx := context.Background()
	seedProject(t, st, "p1", 0)
	seedWorkItem(t, st, "wi-a", "p1")
	seedWorkItem(t, st, "wi-b", "p1")

	_, err := sched.Enqueue(ctx, "wi-b", "wi-a", 0, 0)
	require.NoError(t, err)
	summary, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, summary.Promoted)
}

func TestScheduler_ParallelDependencyFanInPromotesBothInOneTick(t *testing.T) {
	sched, st, _ := newFixture(t)
	ctx := context.Background()
	seedProject(t, st, "p1", 0)
	seedWorkItem(t, st, "wi-x", "p1")
	seedWorkItem(t, st, "wi-e1", "p1")
	seedWorkItem(t, st, "wi-e2", "p1")

	run := &domain.Run{ID: "run-x", WorkItemID: "wi-x", State: domain.RunSucceeded}
	now := time.Now()
	run.FinishedAt = &now
	require.NoError(t, st.CreateRun(ctx, run))

	_, err := sched.Enqueue(ctx, "wi-e1", "wi-x", 0, 0)
	require.NoError(t, err)
	_, err = sched.Enqueue(ctx, "wi-e2", "wi-x", 0, 0)
	require.NoError(t, err)

	summary, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Promoted, 2)
}

func TestScheduler_DelayedEntryNotPromotedBeforeScheduledFor(t *testing.T) {
	sched, st, clk := newFixture(t)
	ctx := context.Background()
	seedProject(t, st, "p1", 0)
	seedWorkItem(t, st, "wi-a", "p1")

	_, err := sched.Enqueue(ctx, "wi-a", "", 0, 5)
	require.NoError(t, err)

	summary, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, summary.Promoted)

	clk.Advance(6 * time.Second)
	summary, err = sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Promoted, 1)
}

func TestScheduler_PriorityOrdersPromotionWithinATick(t *testing.T) {
	sched, st, _ := newFixture(t)
	ctx := context.Background()
	seedProject(t, st, "p1", 0)
	seedWorkItem(t, st, "wi-low", "p1")
	seedWorkItem(t, st, "wi-high", "p1")

	_, err := sched.Enqueue(ctx, "wi-low", "", 1, 0)
	require.NoError(t, err)
	_, err = sched.Enqueue(ctx, "wi-high", "", 10, 0)
	require.NoError(t, err)

	summary, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Promoted, 2)
	require.Equal(t, "wi-high", summary.Promoted[0].WorkItemID)
	require.Equal(t, "wi-low", summary.Promoted[1].WorkItemID)
}

func TestScheduler_QuotaBlocksPromotionUntilWindowSlides(t *testing.T) {
	sched, st, clk := newFixture(t)
	ctx := context.Background()
	seedProject(t, st, "p1", 1)
	seedWorkItem(t, st, "wi-a", "p1")
	seedWorkItem(t, st, "wi-b", "p1")

	_, err := sched.Enqueue(ctx, "wi-a", "", 0, 0)
	require.NoError(t, err)
	_, err = sched.Enqueue(ctx, "wi-b", "", 0, 0)
	require.NoError(t, err)

	summary, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Promoted, 1)

	clk.Advance(61 * time.Second)
	summary, err = sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Promoted, 1)
}

func TestScheduler_WorkItemWithRunningRunIsNotRePromoted(t *testing.T) {
	sched, st, _ := newFixture(t)
	ctx := context.Background()
	seedProject(t, st, "p1", 0)
	seedWorkItem(t, st, "wi-a", "p1")

	run := &domain.Run{ID: "run-running", WorkItemID: "wi-a", State: domain.RunRunning}
	require.NoError(t, st.CreateRun(ctx, run))

	_, err := sched.Enqueue(ctx, "wi-a", "", 0, 0)
	require.NoError(t, err)

	summary, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, summary.Promoted)
}

func TestScheduler_TickIsDeterministicAcrossRepeatedCallsOnAStaticQueue(t *testing.T) {
	sched, st, _ := newFixture(t)
	ctx := context.Background()
	seedProject(t, st, "p1", 0)
	seedWorkItem(t, st, "wi-a", "p1")

	_, err := sched.Enqueue(ctx, "wi-a", "", 0, 0)
	require.NoError(t, err)

	summary, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Promoted, 1)

	// A second tick sees the entry already consumed: nothing new to promote.
	summary, err = sched.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, summary.Promoted)
}

func TestScheduler_ApprovalGateBlocksUntilApproved(t *testing.T) {
	st := memstore.New()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	gate := approval.New(st, clk, true)
	meter := quota.New()
	sched := New(st, gate, meter, clk, nil)
	ctx := context.Background()
	seedProject(t, st, "p1", 0)
	seedWorkItem(t, st, "wi-a", "p1")

	_, err := sched.Enqueue(ctx, "wi-a", "", 0, 0)
	require.NoError(t, err)

	summary, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, summary.Promoted)

	req, err := gate.Request(ctx, "wi-a")
	require.NoError(t, err)
	_, err = gate.Decide(ctx, req.ID, true)
	require.NoError(t, err)

	summary, err = sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Promoted, 1)
}
