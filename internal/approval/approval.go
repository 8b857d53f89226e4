// Package approval gates run promotion on a global policy plus a
// per-work-item approval list: when require_approval is on, a work
// item needs at least one approved ApprovalRequest and no pending
// ones before the scheduler may promote it.
package approval

import (
	"context"

	"github.com/google/uuid"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/clock"
	"github.com/orchestrator/controlplane/internal/domain"
	"github.com/orchestrator/controlplane/internal/store"
)

// Gate enforces the approval policy.
type Gate struct {
	store  store.Store
	clock  clock.Clock
	enabled bool
}

// New constructs a Gate. enabled mirrors the require_approval config option.
func New(st store.Store, clk clock.Clock, enabled bool) *Gate {
	return &Gate{store: st, clock: clk, enabled: enabled}
}

// SetEnabled toggles the policy at runtime (an operator action, not a
// per-request one).
func (g *Gate) SetEnabled(enabled bool) { g.enabled = enabled }

// Enabled reports the current policy state.
func (g *Gate) Enabled() bool { return g.enabled }

// Request creates a pending ApprovalRequest for a work item.
func (g *Gate) Request(ctx context.Context, workItemID string) (*domain.ApprovalRequest, error) {
	req := &domain.ApprovalRequest{
		ID:         uuid.NewString(),
		WorkItemID: workItemID,
		State:      domain.ApprovalPending,
		CreatedAt:  g.clock.Now(),
	}
	if err := g.store.CreateApprovalRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Decide approves or rejects a pending ApprovalRequest; terminal
// requests are immutable.
func (g *Gate) Decide(ctx context.Context, id string, approve bool) (*domain.ApprovalRequest, error) {
	return g.store.DecideApproval(ctx, id, approve, g.clock.Now())
}

// Admit reports whether workItemID may be promoted: either the policy
// is off, or there is no pending request and at least one approved one.
func (g *Gate) Admit(ctx context.Context, workItemID string) (bool, error) {
	if !g.enabled {
		return true, nil
	}
	requests, err := g.store.ListApprovalRequests(ctx, workItemID)
	if err != nil {
		return false, err
	}
	approved := false
	for _, r := range requests {
		switch r.State {
		case domain.ApprovalPending:
			return false, nil
		case domain.ApprovalApproved:
			approved = true
		}
	}
	return approved, nil
}

// ErrNotApprover is a Forbidden error for an approval declined at the
// terminal. The CLI approver does not return it: a declined prompt is
// recorded as a rejection through Decide instead.
var ErrNotApprover = apperr.Forbidden("approval declined at the terminal")

// CLIApprover is an interactive, terminal-driven approval path for
// local/dev operators, adapted from the teacher's
// interactive.InteractiveApprover. It is wired only into
// cmd/orchestratorctl's "approve" command; the HTTP endpoints are the
// primary path in a running deployment.
type CLIApprover struct {
	gate   *Gate
	prompt func(workItemID string) (bool, error)
}

// NewCLIApprover builds a CLIApprover backed by gate, using prompt to
// ask the operator a yes/no question (typically reading from stdin).
func NewCLIApprover(gate *Gate, prompt func(workItemID string) (bool, error)) *CLIApprover {
	return &CLIApprover{gate: gate, prompt: prompt}
}

// ApproveInteractively finds a pending ApprovalRequest for workItemID
// and resolves it based on the operator's terminal answer.
func (c *CLIApprover) ApproveInteractively(ctx context.Context, workItemID string) (*domain.ApprovalRequest, error) {
	requests, err := c.gate.store.ListApprovalRequests(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	var pending *domain.ApprovalRequest
	for _, r := range requests {
		if r.State == domain.ApprovalPending {
			pending = r
			break
		}
	}
	if pending == nil {
		return nil, apperr.NotFound("pending approval request for work item", workItemID)
	}
	approve, err := c.prompt(workItemID)
	if err != nil {
		return nil, err
	}
	if !approve {
		return c.gate.Decide(ctx, pending.ID, false)
	}
	return c.gate.Decide(ctx, pending.ID, true)
}
