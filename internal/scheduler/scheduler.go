// Package scheduler is the dependency-aware queue: enqueue, ready-set
// computation, and tick-based promotion into claimable runs. The
// promotion algorithm (priority DESC/enqueued-at ASC/id ASC ordering;
// a dependency satisfied only by its work item's most recent terminal
// run having succeeded; approval and quota checks before promotion)
// is grounded on the scheduler_tick implementation this system
// replaces. The struct shape — mutex, store handle, logger, lifecycle
// start/stop for an optional background loop — follows the teacher's
// scheduler.Scheduler; the background cadence and single-flight guard
// follow its job_runtime.go cooldown pattern.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/approval"
	"github.com/orchestrator/controlplane/internal/clock"
	"github.com/orchestrator/controlplane/internal/domain"
	"github.com/orchestrator/controlplane/internal/logging"
	"github.com/orchestrator/controlplane/internal/quota"
	"github.com/orchestrator/controlplane/internal/store"
)

// maxFixpointPasses bounds the re-evaluation loop within a single
// tick; promotion state only ever shrinks the ready set so this is
// generous headroom, not a tuning knob.
const maxFixpointPasses = 8

// Promotion records one successful QueueEntry -> Run promotion within a tick.
type Promotion struct {
	QueueEntryID string `json:"queue_entry_id"`
	RunID        string `json:"run_id"`
	WorkItemID   string `json:"work_item_id"`
}

// TickSummary reports what a single Tick call accomplished.
type TickSummary struct {
	Promoted []Promotion `json:"promoted"`
	Passes   int         `json:"passes"`
}

// Scheduler owns the queue and drives promotion.
type Scheduler struct {
	store   store.Store
	gate    *approval.Gate
	meter   *quota.Meter
	clock   clock.Clock
	logger  logging.Logger

	tickMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Scheduler.
func New(st store.Store, gate *approval.Gate, meter *quota.Meter, clk clock.Clock, logger logging.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		gate:   gate,
		meter:  meter,
		clock:  clk,
		logger: logging.OrNop(logger),
	}
}

// Enqueue creates a new QueueEntry. Duplicate entries for the same
// work item are allowed; parallel dependency fan-in is modeled by
// multiple entries.
func (s *Scheduler) Enqueue(ctx context.Context, workItemID, dependsOnWorkItemID string, priority, delaySeconds int) (*domain.QueueEntry, error) {
	if workItemID == "" {
		return nil, apperr.Validation("work_item_id", "required")
	}
	now := s.clock.Now()
	entry := &domain.QueueEntry{
		ID:                uuid.NewString(),
		WorkItemID:        workItemID,
		DependsOnWorkItem: dependsOnWorkItemID,
		Priority:          priority,
		ScheduledFor:      now.Add(time.Duration(delaySeconds) * time.Second),
		EnqueuedAt:        now,
		State:             domain.QueueQueued,
	}
	if err := s.store.CreateQueueEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// RequeueWorkItem enqueues a fresh, undelayed-by-default entry for an
// operator-initiated restart of a work item.
func (s *Scheduler) RequeueWorkItem(ctx context.Context, workItemID string, priority, delaySeconds int) (*domain.QueueEntry, error) {
	return s.Enqueue(ctx, workItemID, "", priority, delaySeconds)
}

// RequeueRun enqueues a new entry for the work item behind runID,
// honoring an explicit operator-chosen delay rather than the retry
// policy's computed backoff.
func (s *Scheduler) RequeueRun(ctx context.Context, runID string, priority, delaySeconds int) (*domain.QueueEntry, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.Enqueue(ctx, run.WorkItemID, "", priority, delaySeconds)
}

// ListQueue returns every queue entry, ordered for display.
func (s *Scheduler) ListQueue(ctx context.Context) ([]*domain.QueueEntry, error) {
	return s.store.ListQueueEntries(ctx)
}

// Peek returns the highest-priority ready entry without promoting it,
// or nil if none are ready.
func (s *Scheduler) Peek(ctx context.Context) (*domain.QueueEntry, error) {
	ready, err := s.store.ListReadyQueueEntries(ctx, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, nil
	}
	return ready[0], nil
}

// Tick performs one atomic scheduling pass: every ready queue entry
// is considered in priority/fairness order, and eligible ones are
// promoted to a claimable Run. Promotion may unblock another entry
// considered earlier in the same pass (e.g. quota freeing up is not
// possible within a pass, but the loop re-evaluates up to
// maxFixpointPasses to stay correct if that invariant ever changes)
// so passes repeat until a full pass promotes nothing.
func (s *Scheduler) Tick(ctx context.Context) (*TickSummary, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	summary := &TickSummary{}
	for pass := 0; pass < maxFixpointPasses; pass++ {
		summary.Passes = pass + 1
		now := s.clock.Now()
		ready, err := s.store.ListReadyQueueEntries(ctx, now)
		if err != nil {
			return summary, err
		}
		if len(ready) == 0 {
			return summary, nil
		}
		promotedThisPass := 0
		for _, entry := range ready {
			promoted, err := s.tryPromote(ctx, entry, now)
			if err != nil {
				s.logger.Warn("scheduler: promotion of %s failed: %v", entry.ID, err)
				continue
			}
			if promoted != nil {
				summary.Promoted = append(summary.Promoted, *promoted)
				promotedThisPass++
			}
		}
		if promotedThisPass == 0 {
			return summary, nil
		}
	}
	return summary, nil
}

// tryPromote evaluates the promotion predicate for entry and, if all
// conditions hold, atomically consumes it and creates a Run. The
// work-item key is locked for the duration so a concurrent Tick (or
// an API-driven claim racing a retry re-enqueue) cannot interleave.
func (s *Scheduler) tryPromote(ctx context.Context, entry *domain.QueueEntry, now time.Time) (*Promotion, error) {
	unlock := s.store.Lock(ctx, "work_item:"+entry.WorkItemID, "queue:"+entry.ID)
	defer unlock()

	// Re-read under lock: another pass or concurrent caller may have
	// already consumed this entry.
	current, err := s.store.GetQueueEntry(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	if current.State != domain.QueueQueued || current.ScheduledFor.After(now) {
		return nil, nil
	}

	if current.DependsOnWorkItem != "" {
		dep, err := s.store.MostRecentTerminalRun(ctx, current.DependsOnWorkItem)
		if err != nil || dep == nil || dep.State != domain.RunSucceeded {
			return nil, nil
		}
	}

	admitted, err := s.gate.Admit(ctx, current.WorkItemID)
	if err != nil {
		return nil, err
	}
	if !admitted {
		return nil, nil
	}

	workItem, err := s.store.GetWorkItem(ctx, current.WorkItemID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, workItem.ProjectID)
	if err != nil {
		return nil, err
	}
	if !s.meter.Admit(project.ID, project.Quota, now) {
		return nil, nil
	}

	running, err := s.store.HasRunningRun(ctx, current.WorkItemID)
	if err != nil {
		return nil, err
	}
	if running {
		return nil, nil
	}

	if err := s.store.ConsumeQueueEntry(ctx, current.ID); err != nil {
		return nil, err
	}

	failedSoFar, err := s.store.CountFailedRuns(ctx, current.WorkItemID)
	if err != nil {
		return nil, err
	}
	run := &domain.Run{
		ID:         uuid.NewString(),
		WorkItemID: current.WorkItemID,
		State:      domain.RunQueued,
		Attempt:    failedSoFar + 1,
		TraceID:    uuid.NewString(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.meter.Record(project.ID, now)

	return &Promotion{QueueEntryID: current.ID, RunID: run.ID, WorkItemID: current.WorkItemID}, nil
}

// Start launches a background loop invoking Tick on cadence. It
// returns immediately; call Stop to terminate it. A zero or negative
// interval is a no-op (background ticking disabled).
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.runLoop(ctx, interval)
}

func (s *Scheduler) runLoop(ctx context.Context, interval time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.tickMu.TryLock() {
				// a tick (background or API-triggered) is already in
				// flight; skip this cadence rather than queue up.
				continue
			}
			s.tickMu.Unlock()
			if _, err := s.tickWithRetry(ctx); err != nil {
				s.logger.Error("scheduler: background tick failed: %v", err)
			}
		}
	}
}

// tickWithRetry tolerates transient store errors with a few bounded
// retries before giving up for this cadence.
func (s *Scheduler) tickWithRetry(ctx context.Context) (*TickSummary, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		summary, err := s.Tick(ctx)
		if err == nil {
			return summary, nil
		}
		if !apperr.IsTransient(err) {
			return nil, err
		}
		lastErr = err
		time.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
	}
	return nil, lastErr
}

// Stop halts the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.stopCh == nil {
			return
		}
		close(s.stopCh)
		<-s.doneCh
	})
}
