// Package runlifecycle implements the Run state machine: queued on
// promotion, running on claim, a terminal state on completion or
// cancellation, with retry re-enqueue on failure and log/step
// ingestion published through the Log Bus.
package runlifecycle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/clock"
	"github.com/orchestrator/controlplane/internal/domain"
	"github.com/orchestrator/controlplane/internal/lease"
	"github.com/orchestrator/controlplane/internal/logbus"
	"github.com/orchestrator/controlplane/internal/logging"
	"github.com/orchestrator/controlplane/internal/retry"
	"github.com/orchestrator/controlplane/internal/scheduler"
	"github.com/orchestrator/controlplane/internal/store"
)

// ResolvePolicy returns the work item's retry policy if it overrides
// the defaults (a non-zero MaxRetries or BackoffBaseSeconds field is
// treated as "set"),
// else the supplied defaults.
func ResolvePolicy(w *domain.WorkItem, defaults retry.Policy) retry.Policy {
	if w.Policy.MaxRetries == 0 && w.Policy.BackoffBaseSeconds == 0 {
		return defaults
	}
	return retry.Policy{
		MaxRetries:         w.Policy.MaxRetries,
		BackoffBaseSeconds: w.Policy.BackoffBaseSeconds,
		JitterSeconds:      w.Policy.BackoffJitterSecond,
	}
}

// Exhausted reports whether workItemID's retry budget is already
// used up, given defaults for work items that don't override policy.
// It is exposed standalone so it can be wired into lease.Manager's
// BudgetExceeded hook without constructing a full Lifecycle first.
func Exhausted(ctx context.Context, st store.Store, workItemID string, defaults retry.Policy) (bool, error) {
	w, err := st.GetWorkItem(ctx, workItemID)
	if err != nil {
		return false, err
	}
	policy := ResolvePolicy(w, defaults)
	failed, err := st.CountFailedRuns(ctx, workItemID)
	if err != nil {
		return false, err
	}
	return policy.Exhausted(failed), nil
}

// Lifecycle drives Run state transitions and step/log ingestion.
type Lifecycle struct {
	store         store.Store
	bus           *logbus.Bus
	lease         *lease.Manager
	scheduler     *scheduler.Scheduler
	clock         clock.Clock
	logger        logging.Logger
	defaultPolicy retry.Policy
}

// New constructs a Lifecycle.
func New(st store.Store, bus *logbus.Bus, leaseMgr *lease.Manager, sched *scheduler.Scheduler, clk clock.Clock, logger logging.Logger, defaultPolicy retry.Policy) *Lifecycle {
	return &Lifecycle{
		store:         st,
		bus:           bus,
		lease:         leaseMgr,
		scheduler:     sched,
		clock:         clk,
		logger:        logging.OrNop(logger),
		defaultPolicy: defaultPolicy,
	}
}

// withRetry bounds transient Store failures to a few immediate
// retries before surfacing the error, per spec.md's "Transient Store
// failures are retried within the Run Lifecycle with bounded
// attempts" requirement.
func withRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		out, err := fn()
		if err != nil && apperr.IsTransient(err) {
			return out, err
		}
		if err != nil {
			return out, backoff.Permanent(err)
		}
		return out, nil
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewConstantBackOff(5*time.Millisecond)))
}

// AppendLog assigns the next seq for runID, persists the entry and
// publishes it on the Log Bus. If persistence fails the fan-out does
// not fire.
func (l *Lifecycle) AppendLog(ctx context.Context, runID string, stream domain.LogStream, text string) (*domain.LogEntry, error) {
	entry := domain.LogEntry{RunID: runID, Timestamp: l.clock.Now(), Stream: stream, Text: text}
	seq, err := withRetry(ctx, func() (int64, error) {
		return l.store.AppendLogEntry(ctx, &entry)
	})
	if err != nil {
		return nil, err
	}
	entry.Seq = seq
	l.bus.PublishLog(runID, entry)
	return &entry, nil
}

// CreateStep creates a structured step event at idx, which must equal
// the run's current step count (a dense, gapless index).
func (l *Lifecycle) CreateStep(ctx context.Context, runID string, idx int, name string) (*domain.RunStep, error) {
	existing, err := l.store.ListRunSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	if idx != len(existing) {
		return nil, apperr.Conflict("step idx must be dense: expected next idx to equal current step count")
	}
	step := &domain.RunStep{
		ID:     uuid.NewString(),
		RunID:  runID,
		Idx:    idx,
		Name:   name,
		Status: domain.StepPending,
	}
	if err := l.store.CreateRunStep(ctx, step); err != nil {
		return nil, err
	}
	l.bus.PublishStep(runID, *step)
	return step, nil
}

// UpdateStep mutates a step's status/times/metadata and republishes it.
func (l *Lifecycle) UpdateStep(ctx context.Context, stepID string, status domain.RunStepStatus, startedAt, finishedAt *time.Time, metadata map[string]string) (*domain.RunStep, error) {
	step, err := l.store.MutateRunStep(ctx, stepID, func(s *domain.RunStep) error {
		s.Status = status
		if startedAt != nil {
			s.StartedAt = startedAt
		}
		if finishedAt != nil {
			s.FinishedAt = finishedAt
		}
		if metadata != nil {
			s.Metadata = metadata
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.bus.PublishStep(step.RunID, *step)
	return step, nil
}

// CompletionResult reports the outcome of Complete, including whether
// a retry was scheduled.
type CompletionResult struct {
	Run          *domain.Run
	Retried      bool
	NextQueueID  string
	RetryDelay   time.Duration
}

// Complete releases runID's lease with a terminal outcome. On
// failure, it consults the retry policy: if budget remains, a fresh
// QueueEntry is enqueued with the computed backoff delay; otherwise
// the work item's failure is permanent. A second call on an
// already-terminal run fails with conflict and mutates nothing.
func (l *Lifecycle) Complete(ctx context.Context, runID, agentID string, success bool) (*CompletionResult, error) {
	outcome := domain.RunSucceeded
	if !success {
		outcome = domain.RunFailed
	}
	run, err := l.lease.Release(ctx, runID, agentID, outcome)
	if err != nil {
		return nil, err
	}

	result := &CompletionResult{Run: run}
	if success {
		return result, nil
	}

	workItem, err := l.store.GetWorkItem(ctx, run.WorkItemID)
	if err != nil {
		return result, err
	}
	policy := ResolvePolicy(workItem, l.defaultPolicy)
	failed, err := l.store.CountFailedRuns(ctx, run.WorkItemID)
	if err != nil {
		return result, err
	}
	if policy.Exhausted(failed) {
		return result, nil
	}

	delay := retry.NextDelay(run.Attempt, policy.BackoffBaseSeconds, policy.JitterSeconds)
	entry, err := l.scheduler.Enqueue(ctx, run.WorkItemID, "", 0, int(delay.Seconds()))
	if err != nil {
		return result, err
	}
	result.Retried = true
	result.NextQueueID = entry.ID
	result.RetryDelay = delay
	return result, nil
}

// Cancel forces runID to a terminal cancelled state regardless of
// lease ownership. Cancellation never consumes retry budget.
func (l *Lifecycle) Cancel(ctx context.Context, runID string) (*domain.Run, error) {
	now := l.clock.Now()
	run, err := l.store.MutateRun(ctx, runID, func(r *domain.Run) error {
		if r.State.IsTerminal() {
			return apperr.Conflict("run already terminal")
		}
		r.State = domain.RunCancelled
		r.FinishedAt = &now
		r.ClaimedBy = ""
		r.ClaimExpiresAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	seq, logErr := l.store.AppendLogEntry(ctx, &domain.LogEntry{RunID: runID, Timestamp: now, Stream: domain.StreamSystem, Text: "run cancelled by operator"})
	if logErr == nil {
		l.bus.PublishLogCritical(runID, domain.LogEntry{RunID: runID, Seq: seq, Timestamp: now, Stream: domain.StreamSystem, Text: "run cancelled by operator"})
	}
	return run, nil
}

// ExpireScan delegates to the Lease Manager; exposed here too so
// callers that only depend on Lifecycle don't also need a lease.Manager handle.
func (l *Lifecycle) ExpireScan(ctx context.Context) ([]*domain.Run, error) {
	return l.lease.ExpireScan(ctx)
}
