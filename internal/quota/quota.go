// Package quota is the per-project admission meter consulted by the
// scheduler at promotion time: at most max_runs Run starts per
// rolling window of window_seconds. It upgrades the original
// fixed-calendar-window counter to a true sliding window, modeled
// after the teacher's middleware_rate_limit.go TTL-pruned map of
// limiters (lazily sweep stale entries under one lock).
package quota

import (
	"sync"
	"time"

	"github.com/orchestrator/controlplane/internal/domain"
)

// Meter tracks Run start timestamps per project in a slice,
// pruned lazily on Admit.
type Meter struct {
	mu      sync.Mutex
	starts  map[string][]time.Time
}

// New returns an empty Meter.
func New() *Meter {
	return &Meter{starts: make(map[string][]time.Time)}
}

// Admit reports whether another Run may start for projectID under q,
// evaluated at now. It does not record the start — call Record after
// a successful promotion.
func (m *Meter) Admit(projectID string, q domain.Quota, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.MaxRuns <= 0 {
		return true
	}
	kept := m.prune(projectID, q, now)
	return len(kept) < q.MaxRuns
}

// Record registers a Run start for projectID at now. Callers must
// have just confirmed Admit and intend to actually start the run;
// Admit+Record is not atomic against concurrent callers racing the
// same project, matching the coarse quota semantics the scheduler
// tolerates because ticks are single-flight.
func (m *Meter) Record(projectID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts[projectID] = append(m.starts[projectID], now)
}

// prune removes timestamps older than the window and returns the
// surviving slice, storing it back. Caller must hold m.mu.
func (m *Meter) prune(projectID string, q domain.Quota, now time.Time) []time.Time {
	window := time.Duration(q.WindowSeconds) * time.Second
	cutoff := now.Add(-window)
	existing := m.starts[projectID]
	kept := existing[:0:0]
	for _, t := range existing {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.starts[projectID] = kept
	return kept
}

// Usage returns the number of Run starts for projectID currently
// counted within q's window as of now, for observability endpoints.
func (m *Meter) Usage(projectID string, q domain.Quota, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prune(projectID, q, now))
}
