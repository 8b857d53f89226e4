// Package lease implements claim/heartbeat/release/expire_scan over
// Run rows, atop the Store's row-lock primitive. Exact edge-case
// semantics (expiry compared against claim_expires_at, a reclaim by a
// different agent after expiry bumping attempt) are grounded on the
// original claim_run/heartbeat_run implementation this system
// replaces.
package lease

import (
	"context"
	"time"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/clock"
	"github.com/orchestrator/controlplane/internal/domain"
	"github.com/orchestrator/controlplane/internal/logbus"
	"github.com/orchestrator/controlplane/internal/logging"
	"github.com/orchestrator/controlplane/internal/store"
)

// ErrBusy is returned by Claim when the run is already held by
// another agent and its claim has not expired.
var ErrBusy = apperr.Conflict("run is already claimed")

// ErrLost is returned by Heartbeat/Release when the caller does not
// hold the run's current claim.
var ErrLost = apperr.Conflict("lease is no longer held by this agent")

// BudgetExceeded reports whether a work item's retry budget is
// already exhausted, so ExpireScan can decide whether a reclaimed run
// goes back to queued or straight to failed. Supplied by the
// run-lifecycle package at construction time so the Lease Manager
// itself stays retry-policy agnostic.
type BudgetExceeded func(ctx context.Context, workItemID string) (bool, error)

// Manager grants, extends, releases and reclaims Run leases.
type Manager struct {
	store          store.Store
	clock          clock.Clock
	logbus         *logbus.Bus
	logger         logging.Logger
	budgetExceeded BudgetExceeded
}

// New constructs a Manager. budgetExceeded may be nil, in which case
// ExpireScan always returns expired runs to queued.
func New(st store.Store, clk clock.Clock, bus *logbus.Bus, logger logging.Logger, budgetExceeded BudgetExceeded) *Manager {
	return &Manager{store: st, clock: clk, logbus: bus, logger: logging.OrNop(logger), budgetExceeded: budgetExceeded}
}

// Claim grants agentID exclusive ownership of runID for ttl if the
// run is queued, or if it is running but its current claim has
// expired (a reclaim, which bumps attempt).
func (m *Manager) Claim(ctx context.Context, runID, agentID string, ttl time.Duration) (*domain.Run, error) {
	now := m.clock.Now()
	run, err := m.store.MutateRun(ctx, runID, func(r *domain.Run) error {
		switch {
		case r.State == domain.RunQueued:
			r.State = domain.RunRunning
			r.ClaimedBy = agentID
			expires := now.Add(ttl)
			r.ClaimExpiresAt = &expires
			if r.StartedAt == nil {
				started := now
				r.StartedAt = &started
			} else {
				// queued again after already having started once: this is
				// a claim of a lease-expiry requeue, not the run's first
				// claim, so it starts a new attempt.
				r.Attempt++
			}
			return nil
		case r.State == domain.RunRunning && r.ClaimExpiresAt != nil && r.ClaimExpiresAt.Before(now):
			r.ClaimedBy = agentID
			expires := now.Add(ttl)
			r.ClaimExpiresAt = &expires
			r.Attempt++
			return nil
		default:
			return ErrBusy
		}
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Heartbeat extends runID's claim_expires_at if agentID currently
// holds it and the run is still running; otherwise returns ErrLost.
func (m *Manager) Heartbeat(ctx context.Context, runID, agentID string, ttl time.Duration) (*domain.Run, error) {
	now := m.clock.Now()
	run, err := m.store.MutateRun(ctx, runID, func(r *domain.Run) error {
		if r.State != domain.RunRunning || r.ClaimedBy != agentID {
			return ErrLost
		}
		expires := now.Add(ttl)
		r.ClaimExpiresAt = &expires
		r.LastHeartbeatAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Release transitions runID to a terminal state on behalf of its
// current holder. The run-lifecycle package drives the actual
// success/failure/retry decision and calls this once the terminal
// state is known; Release itself only enforces exclusivity.
func (m *Manager) Release(ctx context.Context, runID, agentID string, outcome domain.RunState) (*domain.Run, error) {
	if !outcome.IsTerminal() {
		return nil, apperr.Validation("outcome", "must be a terminal run state")
	}
	now := m.clock.Now()
	run, err := m.store.MutateRun(ctx, runID, func(r *domain.Run) error {
		if r.ClaimedBy != agentID || r.State != domain.RunRunning {
			return ErrLost
		}
		r.State = outcome
		r.FinishedAt = &now
		r.ClaimedBy = ""
		r.ClaimExpiresAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ExpireScan finds runs whose claim has lapsed and moves them back to
// queued, clearing claim fields and bumping attempt so the reclaim
// counts as a retry. The caller's budgetExceeded hook is consulted
// first, and a run whose budget is already exhausted is marked failed
// instead of requeued. A system log entry is published for each
// reclaim.
func (m *Manager) ExpireScan(ctx context.Context) ([]*domain.Run, error) {
	now := m.clock.Now()
	expired, err := m.store.ListExpiredRunningRuns(ctx, now)
	if err != nil {
		return nil, err
	}
	reclaimed := make([]*domain.Run, 0, len(expired))
	for _, r := range expired {
		exhausted := false
		if m.budgetExceeded != nil {
			exhausted, err = m.budgetExceeded(ctx, r.WorkItemID)
			if err != nil {
				m.logger.Warn("lease: budget check failed for %s: %v", r.WorkItemID, err)
			}
		}
		run, err := m.store.MutateRun(ctx, r.ID, func(run *domain.Run) error {
			if run.State != domain.RunRunning || run.ClaimExpiresAt == nil || !run.ClaimExpiresAt.Before(now) {
				return apperr.Conflict("run no longer expired")
			}
			run.ClaimedBy = ""
			run.ClaimExpiresAt = nil
			if exhausted {
				run.State = domain.RunFailed
				run.FinishedAt = &now
			} else {
				run.State = domain.RunQueued
				run.Attempt++
			}
			return nil
		})
		if err != nil {
			m.logger.Warn("lease: expire scan skipped run %s: %v", r.ID, err)
			continue
		}
		text := "lease expired without heartbeat; run returned to queue"
		if exhausted {
			text = "lease expired without heartbeat; retry budget exhausted, run failed"
		}
		seq, logErr := m.store.AppendLogEntry(ctx, &domain.LogEntry{
			RunID:     run.ID,
			Timestamp: now,
			Stream:    domain.StreamSystem,
			Text:      text,
		})
		if logErr == nil && m.logbus != nil {
			entry := domain.LogEntry{RunID: run.ID, Seq: seq, Timestamp: now, Stream: domain.StreamSystem, Text: text}
			if exhausted {
				m.logbus.PublishLogCritical(run.ID, entry)
			} else {
				m.logbus.PublishLog(run.ID, entry)
			}
		}
		reclaimed = append(reclaimed, run)
	}
	return reclaimed, nil
}
