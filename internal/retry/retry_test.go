package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextDelayRand_ExponentialBase(t *testing.T) {
	zero := func() float64 { return 0 }
	require.Equal(t, 10*time.Second, NextDelayRand(1, 10, 0, zero))
	require.Equal(t, 20*time.Second, NextDelayRand(2, 10, 0, zero))
	require.Equal(t, 40*time.Second, NextDelayRand(3, 10, 0, zero))
	require.Equal(t, 80*time.Second, NextDelayRand(4, 10, 0, zero))
}

func TestNextDelayRand_JitterIsAddedOnTopOfBase(t *testing.T) {
	half := func() float64 { return 0.5 }
	got := NextDelayRand(1, 10, 4, half)
	require.Equal(t, 12*time.Second, got)
}

func TestNextDelayRand_AttemptBelowOneClampsToOne(t *testing.T) {
	zero := func() float64 { return 0 }
	require.Equal(t, NextDelayRand(1, 5, 0, zero), NextDelayRand(0, 5, 0, zero))
	require.Equal(t, NextDelayRand(1, 5, 0, zero), NextDelayRand(-3, 5, 0, zero))
}

func TestPolicy_Exhausted(t *testing.T) {
	p := Policy{MaxRetries: 2}
	require.False(t, p.Exhausted(0))
	require.False(t, p.Exhausted(2))
	require.True(t, p.Exhausted(3))
}

func TestPolicy_NextDelay(t *testing.T) {
	p := Policy{BackoffBaseSeconds: 1, JitterSeconds: 0}
	require.Equal(t, 1*time.Second, p.NextDelay(1))
	require.Equal(t, 2*time.Second, p.NextDelay(2))
}
