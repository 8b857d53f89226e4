// Package retry computes the delay before a work item's next attempt,
// grounded on the teacher's scheduler.recoveryDelay /
// scheduleRecoveryTimerLocked timer pattern (job_runtime.go), adapted
// from linear backoff to the exponential formula this system requires.
package retry

import (
	"math/rand"
	"time"
)

// Policy is the resolved delay parameters for one work item, after
// per-work-item overrides have been applied over project/global
// defaults.
type Policy struct {
	MaxRetries         int
	BackoffBaseSeconds int
	JitterSeconds      int
}

// Exhausted reports whether failures has used up the retry budget.
// failures counts failed runs so far (1 after the first failure).
func (p Policy) Exhausted(failures int) bool {
	return failures > p.MaxRetries
}

// NextDelay returns B*2^(n-1) + uniform(0,J) for attempt n>=1, base B
// seconds and jitter J seconds, using the package-global random source.
func NextDelay(attempt, baseSeconds, jitterSeconds int) time.Duration {
	return NextDelayRand(attempt, baseSeconds, jitterSeconds, rand.Float64)
}

// NextDelayRand is NextDelay with an injectable uniform(0,1) source,
// so callers (tests, deterministic scenarios with jitter=0) don't
// depend on the global rand state.
func NextDelayRand(attempt, baseSeconds, jitterSeconds int, uniform func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(baseSeconds) * float64(int64(1)<<uint(attempt-1))
	jitter := 0.0
	if jitterSeconds > 0 {
		jitter = uniform() * float64(jitterSeconds)
	}
	return time.Duration((base + jitter) * float64(time.Second))
}

// NextDelay is a convenience wrapper over the package-level NextDelay
// using a resolved Policy.
func (p Policy) NextDelay(attempt int) time.Duration {
	return NextDelay(attempt, p.BackoffBaseSeconds, p.JitterSeconds)
}
