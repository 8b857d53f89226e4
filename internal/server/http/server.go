// Package http is the external HTTP/WebSocket surface of the control
// plane. It is a thin adapter: every handler validates and decodes a
// request, calls into one of the internal subsystems, and maps the
// result (or apperr sentinel) to a response, following the teacher's
// handler-struct-with-functional-options convention
// (NewAPIHandler(deps..., opts...) *APIHandler) and its
// http.NewServeMux()-based router.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/orchestrator/controlplane/internal/approval"
	"github.com/orchestrator/controlplane/internal/clock"
	"github.com/orchestrator/controlplane/internal/config"
	"github.com/orchestrator/controlplane/internal/inforequest"
	"github.com/orchestrator/controlplane/internal/lease"
	"github.com/orchestrator/controlplane/internal/logbus"
	"github.com/orchestrator/controlplane/internal/logging"
	"github.com/orchestrator/controlplane/internal/observability"
	"github.com/orchestrator/controlplane/internal/quota"
	"github.com/orchestrator/controlplane/internal/runlifecycle"
	"github.com/orchestrator/controlplane/internal/scheduler"
	"github.com/orchestrator/controlplane/internal/store"
)

// APIHandler bundles every subsystem the HTTP surface talks to.
type APIHandler struct {
	store       store.Store
	scheduler   *scheduler.Scheduler
	lease       *lease.Manager
	lifecycle   *runlifecycle.Lifecycle
	gate        *approval.Gate
	meter       *quota.Meter
	infoChannel *inforequest.Channel
	bus         *logbus.Bus
	clock       clock.Clock
	logger      logging.Logger
	obs         *observability.Provider
	metrics     *observability.Metrics
	cfg         *config.Config

	authToken   string
	corsOrigins []string
	requestLimiter *rateLimiter
}

// Option configures an APIHandler beyond its required dependencies.
type Option func(*APIHandler)

// WithAuthToken requires Authorization: Bearer <token> on every
// non-public route, matching the teacher's auth middleware.
func WithAuthToken(token string) Option {
	return func(h *APIHandler) { h.authToken = token }
}

// WithCORSOrigins sets the allowed CORS origins for the edge.
func WithCORSOrigins(origins []string) Option {
	return func(h *APIHandler) { h.corsOrigins = origins }
}

// WithRateLimit enables the token-bucket per-client rate limiter at
// perMinute requests/minute. A non-positive value disables it.
func WithRateLimit(perMinute int) Option {
	return func(h *APIHandler) {
		if perMinute > 0 {
			h.requestLimiter = newRateLimiter(perMinute, time.Minute)
		}
	}
}

// NewAPIHandler constructs the HTTP surface over the given subsystems.
func NewAPIHandler(
	st store.Store,
	sched *scheduler.Scheduler,
	leaseMgr *lease.Manager,
	lifecycle *runlifecycle.Lifecycle,
	gate *approval.Gate,
	meter *quota.Meter,
	infoChannel *inforequest.Channel,
	bus *logbus.Bus,
	clk clock.Clock,
	logger logging.Logger,
	obs *observability.Provider,
	metrics *observability.Metrics,
	cfg *config.Config,
	opts ...Option,
) *APIHandler {
	h := &APIHandler{
		store:       st,
		scheduler:   sched,
		lease:       leaseMgr,
		lifecycle:   lifecycle,
		gate:        gate,
		meter:       meter,
		infoChannel: infoChannel,
		bus:         bus,
		clock:       clk,
		logger:      logging.OrNop(logger),
		obs:         obs,
		metrics:     metrics,
		cfg:         cfg,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the full mux, wiring middleware around every route
// the way router.go layers routeHandler around each registration.
func (h *APIHandler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /projects/", h.createProject)
	mux.HandleFunc("GET /projects/", h.listProjects)
	mux.HandleFunc("POST /projects/{id}/quota", h.updateProjectQuota)

	mux.HandleFunc("POST /work-items/", h.createWorkItem)
	mux.HandleFunc("GET /work-items/", h.listWorkItems)
	mux.HandleFunc("POST /work-items/{id}/tool-recipe", h.setToolRecipe)
	mux.HandleFunc("POST /work-items/{id}/policy", h.setPolicy)
	mux.HandleFunc("POST /work-items/{id}/approvals", h.createApproval)
	mux.HandleFunc("POST /work-items/approvals/{id}/approve", h.decideApproval)
	mux.HandleFunc("POST /work-items/{id}/start", h.startWorkItem)
	mux.HandleFunc("GET /work-items/{id}/runs", h.listRunsForWorkItem)

	mux.HandleFunc("POST /work-items/runs/{id}/claim", h.claimRun)
	mux.HandleFunc("POST /work-items/runs/{id}/heartbeat", h.heartbeatRun)
	mux.HandleFunc("POST /work-items/runs/{id}/complete", h.completeRun)
	mux.HandleFunc("POST /work-items/runs/{id}/cancel", h.cancelRun)
	mux.HandleFunc("POST /work-items/runs/{id}/logs", h.appendLog)
	mux.HandleFunc("GET /work-items/runs/{id}/logs", h.getLogs)
	mux.HandleFunc("GET /work-items/runs/{id}/logs/ws", h.streamLogsWS)
	mux.HandleFunc("POST /work-items/runs/{id}/steps", h.createStep)
	mux.HandleFunc("POST /work-items/runs/steps/{id}", h.updateStep)

	mux.HandleFunc("GET /work-items/runs/{id}/info-requests", h.listInfoRequests)
	mux.HandleFunc("POST /work-items/runs/{id}/info-requests", h.createInfoRequest)
	mux.HandleFunc("POST /work-items/runs/info-requests/{id}/respond", h.respondInfoRequest)
	mux.HandleFunc("GET /work-items/runs/info-requests/{id}", h.getInfoRequest)

	mux.HandleFunc("POST /scheduler/enqueue", h.enqueue)
	mux.HandleFunc("POST /scheduler/tick", h.tick)
	mux.HandleFunc("GET /scheduler/queue", h.listQueue)
	mux.HandleFunc("POST /scheduler/requeue/work-item", h.requeueWorkItem)
	mux.HandleFunc("POST /scheduler/requeue/run/{id}", h.requeueRun)

	mux.HandleFunc("GET /observability/health", h.health)
	mux.HandleFunc("GET /observability/runs/{id}", h.observeRun)
	mux.HandleFunc("GET /observability/usage", h.usage)
	mux.HandleFunc("GET /observability/traces", h.traces)
	if h.obs != nil {
		mux.Handle("GET /observability/metrics", promHandler(h.obs.Registry))
	}

	return h.withMiddleware(mux)
}

func (h *APIHandler) withMiddleware(next http.Handler) http.Handler {
	handler := next
	handler = h.authMiddleware(handler)
	handler = h.rateLimitMiddleware(handler)
	handler = h.corsMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = h.recoveryMiddleware(handler)
	return handler
}

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"
const ctxKeyAgentID ctxKey = "agent_id"

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}
