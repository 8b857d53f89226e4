package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// requestIDMiddleware stamps every request with an id, propagated in
// the response header and available to handlers/logging via context,
// matching "all requests produce and propagate a request-id header."
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *APIHandler) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("http: panic handling %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, fmt.Errorf("internal error: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *APIHandler) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(h.corsOrigins))
	wildcard := false
	for _, o := range h.corsOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var publicPaths = map[string]bool{
	"/observability/health":  true,
	"/observability/metrics": true,
}

// authMiddleware requires a bearer token matching h.authToken on
// every route not in publicPaths, grounded on the teacher's bearer
// extraction + isPublicPath middleware pattern. A blank h.authToken
// disables auth entirely (local/dev mode).
func (h *APIHandler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken == "" || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		authz := r.Header.Get("Authorization")
		if len(authz) <= len(prefix) || authz[:len(prefix)] != prefix || authz[len(prefix):] != h.authToken {
			writeErrorStatus(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter is a per-client token bucket keyed by remote address or
// bearer token, grounded on the teacher's middleware_rate_limit.go
// (golang.org/x/time/rate limiters in a TTL-pruned map under a mutex).
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	perWindow int
	window   time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(perWindow int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limiters:  make(map[string]*clientLimiter),
		perWindow: perWindow,
		window:    window,
	}
}

func (rl *rateLimiter) allow(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for k, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > rl.window*2 {
			delete(rl.limiters, k)
		}
	}

	cl, ok := rl.limiters[key]
	if !ok {
		ratePerSec := rate.Limit(float64(rl.perWindow) / rl.window.Seconds())
		cl = &clientLimiter{limiter: rate.NewLimiter(ratePerSec, rl.perWindow)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = now
	allowed := cl.limiter.Allow()
	remaining := int(cl.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}

func (h *APIHandler) rateLimitMiddleware(next http.Handler) http.Handler {
	if h.requestLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		allowed, remaining := h.requestLimiter.allow(key)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			writeErrorStatus(w, http.StatusTooManyRequests, "rate_limited", "request budget exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); authz != "" {
		return authz
	}
	return r.RemoteAddr
}
