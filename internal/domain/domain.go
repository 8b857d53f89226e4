// Package domain holds the entities shared by every control-plane
// subsystem: projects, work items, the scheduling queue, runs and
// their steps, logs, approvals and info-requests.
package domain

import "time"

// Quota is the per-project admission policy consulted by the quota meter.
type Quota struct {
	WindowSeconds int `json:"window_seconds"`
	MaxRuns       int `json:"max_runs"`
}

// Project is the top-level scope for work items and quota accounting.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Quota       Quota     `json:"quota"`
	CreatedAt   time.Time `json:"created_at"`
}

// RetryPolicy overrides the global retry defaults for a single work item.
type RetryPolicy struct {
	MaxRetries          int `json:"max_retries"`
	BackoffBaseSeconds  int `json:"backoff_base_seconds"`
	BackoffJitterSecond int `json:"backoff_jitter_seconds"`
}

// WorkItem is a unit of work with an optional tool recipe and retry policy.
type WorkItem struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	ToolRecipe  *ToolRecipe `json:"tool_recipe,omitempty"`
	Policy      RetryPolicy `json:"policy"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ToolRecipe is the validated value produced by the (externally owned)
// recipe parser. The core only ever stores and returns it opaquely.
type ToolRecipe struct {
	Raw    string `json:"raw"`
	Status string `json:"status"` // valid | invalid
	Error  string `json:"error,omitempty"`
}

// ApprovalState enumerates the lifecycle of an ApprovalRequest.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// ApprovalRequest gates a risky work item when the global approval
// policy is enabled. It is per-WorkItem, not per-Run: approval is
// sticky across retries.
type ApprovalRequest struct {
	ID         string        `json:"id"`
	WorkItemID string        `json:"work_item_id"`
	State      ApprovalState `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
	DecidedAt  *time.Time    `json:"decided_at,omitempty"`
}

// QueueEntryState enumerates the lifecycle of a ScheduledTask.
type QueueEntryState string

const (
	QueueQueued   QueueEntryState = "queued"
	QueueConsumed QueueEntryState = "consumed"
)

// QueueEntry (ScheduledTask) is the scheduling tuple that, once
// promoted, produces a Run.
type QueueEntry struct {
	ID                 string          `json:"id"`
	WorkItemID         string          `json:"work_item_id"`
	DependsOnWorkItem  string          `json:"depends_on_work_item_id,omitempty"`
	Priority           int             `json:"priority"`
	ScheduledFor       time.Time       `json:"scheduled_for"`
	EnqueuedAt         time.Time       `json:"enqueued_at"`
	State              QueueEntryState `json:"state"`
}

// RunState enumerates the lifecycle of a Run.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Run is a single execution attempt of a WorkItem.
type Run struct {
	ID               string     `json:"id"`
	WorkItemID       string     `json:"work_item_id"`
	State            RunState   `json:"state"`
	Attempt          int        `json:"attempt"`
	TraceID          string     `json:"trace_id"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	ClaimedBy        string     `json:"claimed_by,omitempty"`
	ClaimExpiresAt   *time.Time `json:"claim_expires_at,omitempty"`
	LastHeartbeatAt  *time.Time `json:"last_heartbeat_at,omitempty"`
}

// DurationSeconds returns finished-started when both are set, else nil.
func (r *Run) DurationSeconds() *float64 {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return nil
	}
	d := r.FinishedAt.Sub(*r.StartedAt).Seconds()
	return &d
}

// RunStepStatus enumerates the lifecycle of a RunStep.
type RunStepStatus string

const (
	StepPending   RunStepStatus = "pending"
	StepRunning   RunStepStatus = "running"
	StepSucceeded RunStepStatus = "succeeded"
	StepFailed    RunStepStatus = "failed"
	StepSkipped   RunStepStatus = "skipped"
)

// RunStep is an ordered, structured event within a run.
type RunStep struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	Idx        int               `json:"idx"`
	Name       string            `json:"name"`
	Status     RunStepStatus     `json:"status"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DurationSeconds returns finished-started when both are set, else nil.
func (s *RunStep) DurationSeconds() *float64 {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return nil
	}
	d := s.FinishedAt.Sub(*s.StartedAt).Seconds()
	return &d
}

// LogStream enumerates the source of a LogEntry.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

// LogEntry is an append-only, strictly ordered log line for a run.
type LogEntry struct {
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Stream    LogStream `json:"stream"`
	Text      string    `json:"text"`
}

// InfoRequestState enumerates the lifecycle of an InfoRequest.
type InfoRequestState string

const (
	InfoPending   InfoRequestState = "pending"
	InfoAnswered  InfoRequestState = "answered"
	InfoCancelled InfoRequestState = "cancelled"
)

// InfoRequestKey describes one required input the agent is waiting on.
type InfoRequestKey struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// InfoRequest is the side channel an agent uses to ask the user for
// input (credentials, region, ...) while a run is in progress.
type InfoRequest struct {
	ID                string           `json:"id"`
	RunID             string           `json:"run_id"`
	Keys              []InfoRequestKey `json:"keys"`
	State             InfoRequestState `json:"state"`
	Response          map[string]string `json:"response,omitempty"`
	ResponseEncrypted []byte           `json:"-"`
	EncryptionTag     string           `json:"-"`
	CreatedAt         time.Time        `json:"created_at"`
	AnsweredAt        *time.Time       `json:"answered_at,omitempty"`
}

// Agent is an advisory identity for claims; no explicit registration
// is required beyond a first heartbeat.
type Agent struct {
	ID         string    `json:"id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// RunArtifact is an attachment a run produced (supplemental to the
// core spec, carried over from the original implementation).
type RunArtifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	MediaType string    `json:"media_type,omitempty"`
	Kind      string    `json:"kind"`
	SizeBytes int       `json:"size_bytes"`
	Content   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// RunSummary is a free-form structured summary a run may emit
// (supplemental, carried over from the original implementation).
type RunSummary struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Title     string         `json:"title,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
