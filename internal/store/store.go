// Package store defines the persistence contract every other
// subsystem programs against. internal/store/memstore provides an
// in-memory implementation suitable for a single control-plane
// process; internal/store/sqlstore provides a Postgres-backed one.
package store

import (
	"context"
	"time"

	"github.com/orchestrator/controlplane/internal/domain"
)

// Store is transactional persistence for every core entity. Compound,
// cross-field updates are exposed as single methods (Mutate*) so
// implementations can guarantee the read-modify-write happens under
// one row lock; callers never read-then-write across two calls when a
// Mutate variant exists for the field they need to change.
type Store interface {
	// Lock acquires advisory, in-process locks on the given keys (for
	// example a work_item_id and the queue entries that reference it)
	// for the lifetime of the returned unlock func. It is the
	// in-memory stand-in for SELECT ... FOR UPDATE spanning more than
	// one row, used by the scheduler during promotion.
	Lock(ctx context.Context, keys ...string) (unlock func())

	CreateProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]*domain.Project, error)
	UpdateProjectQuota(ctx context.Context, id string, q domain.Quota) (*domain.Project, error)

	CreateWorkItem(ctx context.Context, w *domain.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*domain.WorkItem, error)
	ListWorkItems(ctx context.Context, projectID string) ([]*domain.WorkItem, error)
	SetToolRecipe(ctx context.Context, workItemID string, recipe domain.ToolRecipe) (*domain.WorkItem, error)
	SetPolicy(ctx context.Context, workItemID string, policy domain.RetryPolicy) (*domain.WorkItem, error)

	CreateApprovalRequest(ctx context.Context, a *domain.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, workItemID string) ([]*domain.ApprovalRequest, error)
	DecideApproval(ctx context.Context, id string, approve bool, now time.Time) (*domain.ApprovalRequest, error)

	CreateQueueEntry(ctx context.Context, e *domain.QueueEntry) error
	GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error)
	ListQueueEntries(ctx context.Context) ([]*domain.QueueEntry, error)
	ListReadyQueueEntries(ctx context.Context, now time.Time) ([]*domain.QueueEntry, error)
	ConsumeQueueEntry(ctx context.Context, id string) error

	CreateRun(ctx context.Context, r *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRunsForWorkItem(ctx context.Context, workItemID string) ([]*domain.Run, error)
	MostRecentTerminalRun(ctx context.Context, workItemID string) (*domain.Run, error)
	HasRunningRun(ctx context.Context, workItemID string) (bool, error)
	MutateRun(ctx context.Context, id string, fn func(*domain.Run) error) (*domain.Run, error)
	ListExpiredRunningRuns(ctx context.Context, now time.Time) ([]*domain.Run, error)
	CountFailedRuns(ctx context.Context, workItemID string) (int, error)

	CreateRunStep(ctx context.Context, s *domain.RunStep) error
	GetRunStep(ctx context.Context, id string) (*domain.RunStep, error)
	ListRunSteps(ctx context.Context, runID string) ([]*domain.RunStep, error)
	MutateRunStep(ctx context.Context, id string, fn func(*domain.RunStep) error) (*domain.RunStep, error)

	AppendLogEntry(ctx context.Context, e *domain.LogEntry) (int64, error)
	ListLogEntries(ctx context.Context, runID string, offset, limit int) ([]domain.LogEntry, error)
	CountLogEntries(ctx context.Context, runID string) (int64, error)

	CreateInfoRequest(ctx context.Context, r *domain.InfoRequest) error
	GetInfoRequest(ctx context.Context, id string) (*domain.InfoRequest, error)
	ListInfoRequests(ctx context.Context, runID string) ([]*domain.InfoRequest, error)
	AnswerInfoRequest(ctx context.Context, id string, plaintext map[string]string, ciphertext []byte, tag string, now time.Time) (*domain.InfoRequest, error)
	CancelInfoRequest(ctx context.Context, id string) (*domain.InfoRequest, error)

	UpsertAgent(ctx context.Context, id string, now time.Time) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)

	CreateRunArtifact(ctx context.Context, a *domain.RunArtifact) error
	ListRunArtifacts(ctx context.Context, runID string) ([]*domain.RunArtifact, error)

	CreateRunSummary(ctx context.Context, s *domain.RunSummary) error
	ListRunSummaries(ctx context.Context, runID string) ([]*domain.RunSummary, error)
}
