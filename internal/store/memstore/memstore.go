// Package memstore is an in-memory implementation of store.Store,
// grounded on the teacher's internal/server/app/task_store.go
// (sync.RWMutex-guarded maps with a CRUD surface). Row-level locking
// is modeled with a small striped lock keyed by entity id, standing
// in for SELECT ... FOR UPDATE.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/domain"
	"github.com/orchestrator/controlplane/internal/store"
)

// maxTrackedAgents bounds the agent registry. Agent identity is
// advisory here - nothing ever registers one beyond a first
// heartbeat - so without a cap a long-lived process accumulates one
// entry per distinct agent id it has ever seen, including churn from
// misbehaving or transient clients.
const maxTrackedAgents = 4096

// Store is an in-memory, process-local implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	projects map[string]*domain.Project
	workItems map[string]*domain.WorkItem
	approvals map[string]*domain.ApprovalRequest
	queue     map[string]*domain.QueueEntry
	runs      map[string]*domain.Run
	steps     map[string]*domain.RunStep
	logs      map[string][]domain.LogEntry
	infoReqs  map[string]*domain.InfoRequest
	agents    *lru.Cache[string, *domain.Agent]
	artifacts map[string][]*domain.RunArtifact
	summaries map[string][]*domain.RunSummary

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory Store.
func New() *Store {
	agents, err := lru.New[string, *domain.Agent](maxTrackedAgents)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// maxTrackedAgents never is.
		panic(err)
	}
	return &Store{
		projects:  make(map[string]*domain.Project),
		workItems: make(map[string]*domain.WorkItem),
		approvals: make(map[string]*domain.ApprovalRequest),
		queue:     make(map[string]*domain.QueueEntry),
		runs:      make(map[string]*domain.Run),
		steps:     make(map[string]*domain.RunStep),
		logs:      make(map[string][]domain.LogEntry),
		infoReqs:  make(map[string]*domain.InfoRequest),
		agents:    agents,
		artifacts: make(map[string][]*domain.RunArtifact),
		summaries: make(map[string][]*domain.RunSummary),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// Lock acquires the per-key locks in sorted order to avoid deadlocks
// between callers locking overlapping key sets in different orders.
func (s *Store) Lock(ctx context.Context, keys ...string) func() {
	unique := make(map[string]struct{}, len(keys))
	sorted := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := unique[k]; ok {
			continue
		}
		unique[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	mutexes := make([]*sync.Mutex, len(sorted))
	for i, k := range sorted {
		mutexes[i] = s.lockFor(k)
	}
	for _, m := range mutexes {
		m.Lock()
	}
	return func() {
		for i := len(mutexes) - 1; i >= 0; i-- {
			mutexes[i].Unlock()
		}
	}
}

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[p.ID]; exists {
		return apperr.Conflict("project already exists")
	}
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, apperr.NotFound("project", id)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateProjectQuota(ctx context.Context, id string, q domain.Quota) (*domain.Project, error) {
	unlock := s.Lock(ctx, "project:"+id)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, apperr.NotFound("project", id)
	}
	p.Quota = q
	cp := *p
	return &cp, nil
}

// --- Work items ---

func (s *Store) CreateWorkItem(ctx context.Context, w *domain.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workItems[w.ID]; exists {
		return apperr.Conflict("work item already exists")
	}
	if _, ok := s.projects[w.ProjectID]; !ok {
		return apperr.Validation("project_id", "references unknown project")
	}
	cp := *w
	s.workItems[w.ID] = &cp
	return nil
}

func (s *Store) GetWorkItem(ctx context.Context, id string) (*domain.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workItems[id]
	if !ok {
		return nil, apperr.NotFound("work_item", id)
	}
	cp := *w
	return &cp, nil
}

func (s *Store) ListWorkItems(ctx context.Context, projectID string) ([]*domain.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.WorkItem, 0)
	for _, w := range s.workItems {
		if projectID != "" && w.ProjectID != projectID {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetToolRecipe(ctx context.Context, workItemID string, recipe domain.ToolRecipe) (*domain.WorkItem, error) {
	unlock := s.Lock(ctx, "work_item:"+workItemID)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workItems[workItemID]
	if !ok {
		return nil, apperr.NotFound("work_item", workItemID)
	}
	w.ToolRecipe = &recipe
	w.UpdatedAt = time.Now().UTC()
	cp := *w
	return &cp, nil
}

func (s *Store) SetPolicy(ctx context.Context, workItemID string, policy domain.RetryPolicy) (*domain.WorkItem, error) {
	unlock := s.Lock(ctx, "work_item:"+workItemID)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workItems[workItemID]
	if !ok {
		return nil, apperr.NotFound("work_item", workItemID)
	}
	w.Policy = policy
	w.UpdatedAt = time.Now().UTC()
	cp := *w
	return &cp, nil
}

// --- Approvals ---

func (s *Store) CreateApprovalRequest(ctx context.Context, a *domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workItems[a.WorkItemID]; !ok {
		return apperr.Validation("work_item_id", "references unknown work item")
	}
	cp := *a
	s.approvals[a.ID] = &cp
	return nil
}

func (s *Store) GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, apperr.NotFound("approval_request", id)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListApprovalRequests(ctx context.Context, workItemID string) ([]*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ApprovalRequest, 0)
	for _, a := range s.approvals {
		if a.WorkItemID != workItemID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DecideApproval(ctx context.Context, id string, approve bool, now time.Time) (*domain.ApprovalRequest, error) {
	unlock := s.Lock(ctx, "approval:"+id)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, apperr.NotFound("approval_request", id)
	}
	if a.State != domain.ApprovalPending {
		return nil, apperr.Conflict("approval request already decided")
	}
	if approve {
		a.State = domain.ApprovalApproved
	} else {
		a.State = domain.ApprovalRejected
	}
	t := now
	a.DecidedAt = &t
	cp := *a
	return &cp, nil
}

// --- Queue entries ---

func (s *Store) CreateQueueEntry(ctx context.Context, e *domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workItems[e.WorkItemID]; !ok {
		return apperr.Validation("work_item_id", "references unknown work item")
	}
	cp := *e
	s.queue[e.ID] = &cp
	return nil
}

func (s *Store) GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.queue[id]
	if !ok {
		return nil, apperr.NotFound("queue_entry", id)
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListQueueEntries(ctx context.Context) ([]*domain.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.QueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		cp := *e
		out = append(out, &cp)
	}
	sortQueueEntries(out)
	return out, nil
}

func (s *Store) ListReadyQueueEntries(ctx context.Context, now time.Time) ([]*domain.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.QueueEntry, 0)
	for _, e := range s.queue {
		if e.State != domain.QueueQueued {
			continue
		}
		if e.ScheduledFor.After(now) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sortQueueEntries(out)
	return out, nil
}

// sortQueueEntries orders by (priority DESC, enqueued_at ASC, id ASC),
// the deterministic tick ordering required by the promotion algorithm.
func sortQueueEntries(entries []*domain.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		if !entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

func (s *Store) ConsumeQueueEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok {
		return apperr.NotFound("queue_entry", id)
	}
	if e.State != domain.QueueQueued {
		return apperr.Conflict("queue entry already consumed")
	}
	e.State = domain.QueueConsumed
	return nil
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, r *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workItems[r.WorkItemID]; !ok {
		return apperr.Validation("work_item_id", "references unknown work item")
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, apperr.NotFound("run", id)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListRunsForWorkItem(ctx context.Context, workItemID string) ([]*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Run, 0)
	for _, r := range s.runs {
		if r.WorkItemID != workItemID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (s *Store) MostRecentTerminalRun(ctx context.Context, workItemID string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.Run
	for _, r := range s.runs {
		if r.WorkItemID != workItemID || !r.State.IsTerminal() || r.FinishedAt == nil {
			continue
		}
		if latest == nil || r.FinishedAt.After(*latest.FinishedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, apperr.NotFound("terminal run for work item", workItemID)
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) HasRunningRun(ctx context.Context, workItemID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.runs {
		if r.WorkItemID == workItemID && r.State == domain.RunRunning {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) MutateRun(ctx context.Context, id string, fn func(*domain.Run) error) (*domain.Run, error) {
	unlock := s.Lock(ctx, "run:"+id)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, apperr.NotFound("run", id)
	}
	cp := *r
	if err := fn(&cp); err != nil {
		return nil, err
	}
	s.runs[id] = &cp
	out := cp
	return &out, nil
}

func (s *Store) ListExpiredRunningRuns(ctx context.Context, now time.Time) ([]*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Run, 0)
	for _, r := range s.runs {
		if r.State != domain.RunRunning || r.ClaimExpiresAt == nil {
			continue
		}
		if r.ClaimExpiresAt.Before(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountFailedRuns(ctx context.Context, workItemID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.runs {
		if r.WorkItemID == workItemID && r.State == domain.RunFailed {
			n++
		}
	}
	return n, nil
}

// --- Run steps ---

func (s *Store) CreateRunStep(ctx context.Context, step *domain.RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[step.RunID]; !ok {
		return apperr.Validation("run_id", "references unknown run")
	}
	for _, existing := range s.steps {
		if existing.RunID == step.RunID && existing.Idx == step.Idx {
			return apperr.Conflict("duplicate step idx for run")
		}
	}
	cp := *step
	s.steps[step.ID] = &cp
	return nil
}

func (s *Store) GetRunStep(ctx context.Context, id string) (*domain.RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.steps[id]
	if !ok {
		return nil, apperr.NotFound("run_step", id)
	}
	cp := *st
	return &cp, nil
}

func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]*domain.RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.RunStep, 0)
	for _, st := range s.steps {
		if st.RunID != runID {
			continue
		}
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out, nil
}

func (s *Store) MutateRunStep(ctx context.Context, id string, fn func(*domain.RunStep) error) (*domain.RunStep, error) {
	unlock := s.Lock(ctx, "step:"+id)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return nil, apperr.NotFound("run_step", id)
	}
	cp := *st
	if err := fn(&cp); err != nil {
		return nil, err
	}
	s.steps[id] = &cp
	out := cp
	return &out, nil
}

// --- Logs ---

func (s *Store) AppendLogEntry(ctx context.Context, e *domain.LogEntry) (int64, error) {
	unlock := s.Lock(ctx, "run-log:"+e.RunID)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[e.RunID]; !ok {
		return 0, apperr.Validation("run_id", "references unknown run")
	}
	seq := int64(len(s.logs[e.RunID])) + 1
	e.Seq = seq
	s.logs[e.RunID] = append(s.logs[e.RunID], *e)
	return seq, nil
}

func (s *Store) ListLogEntries(ctx context.Context, runID string, offset, limit int) ([]domain.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.logs[runID]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []domain.LogEntry{}, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]domain.LogEntry, end-offset)
	copy(out, all[offset:end])
	return out, nil
}

func (s *Store) CountLogEntries(ctx context.Context, runID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.logs[runID])), nil
}

// --- Info requests ---

func (s *Store) CreateInfoRequest(ctx context.Context, r *domain.InfoRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.RunID]; !ok {
		return apperr.Validation("run_id", "references unknown run")
	}
	cp := *r
	s.infoReqs[r.ID] = &cp
	return nil
}

func (s *Store) GetInfoRequest(ctx context.Context, id string) (*domain.InfoRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.infoReqs[id]
	if !ok {
		return nil, apperr.NotFound("info_request", id)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListInfoRequests(ctx context.Context, runID string) ([]*domain.InfoRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.InfoRequest, 0)
	for _, r := range s.infoReqs {
		if r.RunID != runID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AnswerInfoRequest(ctx context.Context, id string, plaintext map[string]string, ciphertext []byte, tag string, now time.Time) (*domain.InfoRequest, error) {
	unlock := s.Lock(ctx, "info_request:"+id)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.infoReqs[id]
	if !ok {
		return nil, apperr.NotFound("info_request", id)
	}
	if r.State != domain.InfoPending {
		return nil, apperr.Conflict("info request already resolved")
	}
	r.Response = plaintext
	r.ResponseEncrypted = ciphertext
	r.EncryptionTag = tag
	r.State = domain.InfoAnswered
	t := now
	r.AnsweredAt = &t
	cp := *r
	return &cp, nil
}

func (s *Store) CancelInfoRequest(ctx context.Context, id string) (*domain.InfoRequest, error) {
	unlock := s.Lock(ctx, "info_request:"+id)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.infoReqs[id]
	if !ok {
		return nil, apperr.NotFound("info_request", id)
	}
	if r.State != domain.InfoPending {
		return nil, apperr.Conflict("info request already resolved")
	}
	r.State = domain.InfoCancelled
	cp := *r
	return &cp, nil
}

// --- Agents ---

func (s *Store) UpsertAgent(ctx context.Context, id string, now time.Time) (*domain.Agent, error) {
	unlock := s.Lock(ctx, "agent:"+id)
	defer unlock()
	a, ok := s.agents.Get(id)
	if !ok {
		a = &domain.Agent{ID: id}
	}
	a.LastSeenAt = now
	s.agents.Add(id, a)
	cp := *a
	return &cp, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	values := s.agents.Values()
	out := make([]*domain.Agent, 0, len(values))
	for _, a := range values {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Artifacts & summaries ---

func (s *Store) CreateRunArtifact(ctx context.Context, a *domain.RunArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[a.RunID]; !ok {
		return apperr.Validation("run_id", "references unknown run")
	}
	cp := *a
	s.artifacts[a.RunID] = append(s.artifacts[a.RunID], &cp)
	return nil
}

func (s *Store) ListRunArtifacts(ctx context.Context, runID string) ([]*domain.RunArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.artifacts[runID]
	out := make([]*domain.RunArtifact, len(src))
	for i, a := range src {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) CreateRunSummary(ctx context.Context, sm *domain.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[sm.RunID]; !ok {
		return apperr.Validation("run_id", "references unknown run")
	}
	cp := *sm
	s.summaries[sm.RunID] = append(s.summaries[sm.RunID], &cp)
	return nil
}

func (s *Store) ListRunSummaries(ctx context.Context, runID string) ([]*domain.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.summaries[runID]
	out := make([]*domain.RunSummary, len(src))
	for i, sm := range src {
		cp := *sm
		out[i] = &cp
	}
	return out, nil
}
