package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/domain"
	"github.com/orchestrator/controlplane/internal/recipe"
)

// --- Projects ---

type createProjectRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Quota       domain.Quota `json:"quota"`
}

func (h *APIHandler) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, apperr.Validation("name", "required"))
		return
	}
	p := &domain.Project{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Description: req.Description,
		Quota:     req.Quota,
		CreatedAt: h.clock.Now(),
	}
	if err := h.store.CreateProject(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *APIHandler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *APIHandler) updateProjectQuota(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var q domain.Quota
	if !decodeJSON(w, r, &q) {
		return
	}
	p, err := h.store.UpdateProjectQuota(r.Context(), id, q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Work items ---

type createWorkItemRequest struct {
	ProjectID   string             `json:"project_id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Policy      domain.RetryPolicy `json:"policy"`
}

func (h *APIHandler) createWorkItem(w http.ResponseWriter, r *http.Request) {
	var req createWorkItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProjectID == "" || req.Title == "" {
		writeError(w, apperr.Validation("project_id/title", "required"))
		return
	}
	now := h.clock.Now()
	wi := &domain.WorkItem{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		Policy:      req.Policy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateWorkItem(r.Context(), wi); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wi)
}

func (h *APIHandler) listWorkItems(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	items, err := h.store.ListWorkItems(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type setRecipeRequest struct {
	Raw string `json:"raw"`
}

func (h *APIHandler) setToolRecipe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req setRecipeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	validated := recipe.Validate(req.Raw)
	wi, err := h.store.SetToolRecipe(r.Context(), id, validated)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wi)
}

func (h *APIHandler) setPolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var policy domain.RetryPolicy
	if !decodeJSON(w, r, &policy) {
		return
	}
	wi, err := h.store.SetPolicy(r.Context(), id, policy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wi)
}

func (h *APIHandler) createApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, err := h.gate.Request(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

type decideApprovalRequest struct {
	Approve *bool `json:"approve"`
}

func (h *APIHandler) decideApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	approve := true
	if r.ContentLength > 0 {
		var body decideApprovalRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		if body.Approve != nil {
			approve = *body.Approve
		}
	}
	req, err := h.gate.Decide(r.Context(), id, approve)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *APIHandler) startWorkItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	priority := intQueryParam(r, "priority", 0)
	delay := intQueryParam(r, "delay_seconds", 0)
	entry, err := h.scheduler.Enqueue(r.Context(), id, r.URL.Query().Get("depends_on_work_item_id"), priority, delay)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *APIHandler) listRunsForWorkItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runs, err := h.store.ListRunsForWorkItem(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// --- Runs: lease lifecycle ---

type claimRequest struct {
	AgentID    string `json:"agent_id"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (h *APIHandler) claimRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req claimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, apperr.Validation("agent_id", "required"))
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = h.cfg.DefaultClaimTTL
	}
	run, err := h.lease.Claim(r.Context(), id, req.AgentID, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ClaimsTotal.WithLabelValues("granted").Inc()
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *APIHandler) heartbeatRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req claimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = h.cfg.DefaultClaimTTL
	}
	run, err := h.lease.Heartbeat(r.Context(), id, req.AgentID, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type completeRequest struct {
	AgentID string `json:"agent_id"`
}

func (h *APIHandler) completeRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req completeRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	success := r.URL.Query().Get("success") == "true"
	result, err := h.lifecycle.Complete(r.Context(), id, req.AgentID, success)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RunsCompleted.WithLabelValues(string(result.Run.State)).Inc()
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *APIHandler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := h.lifecycle.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Runs: logs & steps ---

type appendLogRequest struct {
	Stream domain.LogStream `json:"stream"`
	Text   string           `json:"text"`
}

func (h *APIHandler) appendLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req appendLogRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := h.lifecycle.AppendLog(r.Context(), id, req.Stream, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *APIHandler) getLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	offset := intQueryParam(r, "offset", 0)
	limit := intQueryParam(r, "limit", 0)
	entries, err := h.store.ListLogEntries(r.Context(), id, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if q := r.URL.Query().Get("q"); q != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if strings.Contains(e.Text, q) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, e := range entries {
			w.Write([]byte(e.Text + "\n"))
		}
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type createStepRequest struct {
	Idx  int    `json:"idx"`
	Name string `json:"name"`
}

func (h *APIHandler) createStep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req createStepRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	step, err := h.lifecycle.CreateStep(r.Context(), id, req.Idx, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, step)
}

type updateStepRequest struct {
	Status     domain.RunStepStatus `json:"status"`
	StartedAt  *time.Time           `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at"`
	Metadata   map[string]string    `json:"metadata"`
}

func (h *APIHandler) updateStep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateStepRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	step, err := h.lifecycle.UpdateStep(r.Context(), id, req.Status, req.StartedAt, req.FinishedAt, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

// --- Info requests ---

type createInfoRequestRequest struct {
	Keys []domain.InfoRequestKey `json:"keys"`
}

func (h *APIHandler) createInfoRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req createInfoRequestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ir, err := h.infoChannel.Create(r.Context(), id, req.Keys)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ir)
}

func (h *APIHandler) listInfoRequests(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	list, err := h.infoChannel.ListForRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type respondInfoRequestRequest struct {
	Response map[string]string `json:"response"`
}

func (h *APIHandler) respondInfoRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req respondInfoRequestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ir, err := h.infoChannel.Respond(r.Context(), id, req.Response)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ir)
}

func (h *APIHandler) getInfoRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	revealKey := r.URL.Query().Get("reveal_key")
	ir, err := h.infoChannel.Get(r.Context(), id, revealKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ir)
}

// --- Scheduler ---

type enqueueRequest struct {
	WorkItemID          string `json:"work_item_id"`
	DependsOnWorkItemID string `json:"depends_on_work_item_id"`
	Priority            int    `json:"priority"`
	DelaySeconds        int    `json:"delay_seconds"`
}

func (h *APIHandler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := h.scheduler.Enqueue(r.Context(), req.WorkItemID, req.DependsOnWorkItemID, req.Priority, req.DelaySeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *APIHandler) tick(w http.ResponseWriter, r *http.Request) {
	summary, err := h.scheduler.Tick(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.TicksTotal.Inc()
		h.metrics.PromotionsTotal.Add(float64(len(summary.Promoted)))
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *APIHandler) listQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.scheduler.ListQueue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type requeueWorkItemRequest struct {
	WorkItemID   string `json:"work_item_id"`
	Priority     int    `json:"priority"`
	DelaySeconds int    `json:"delay_seconds"`
}

func (h *APIHandler) requeueWorkItem(w http.ResponseWriter, r *http.Request) {
	var req requeueWorkItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := h.scheduler.RequeueWorkItem(r.Context(), req.WorkItemID, req.Priority, req.DelaySeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type requeueRunRequest struct {
	Priority     int `json:"priority"`
	DelaySeconds int `json:"delay_seconds"`
}

func (h *APIHandler) requeueRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req requeueRunRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	entry, err := h.scheduler.RequeueRun(r.Context(), id, req.Priority, req.DelaySeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// --- Observability ---

func (h *APIHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) observeRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	steps, err := h.store.ListRunSteps(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	logCount, err := h.store.CountLogEntries(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":            run,
		"steps":          steps,
		"log_count":      logCount,
		"duration_seconds": run.DurationSeconds(),
	})
}

func (h *APIHandler) usage(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, apperr.Validation("project_id", "required"))
		return
	}
	project, err := h.store.GetProject(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	used := h.meter.Usage(projectID, project.Quota, h.clock.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"window_seconds": project.Quota.WindowSeconds,
		"max_runs":   project.Quota.MaxRuns,
		"used":       used,
	})
}

func (h *APIHandler) traces(w http.ResponseWriter, r *http.Request) {
	if h.obs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, h.obs.RecentTraces())
}

func intQueryParam(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
