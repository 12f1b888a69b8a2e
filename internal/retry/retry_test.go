package retry

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayMonotoneAndCapped(t *testing.T) {
	p := Policy{Base: 1500 * time.Millisecond, Max: 2 * time.Minute}

	prev := time.Duration(0)
	for attempt := 0; attempt < 40; attempt++ {
		d := p.Delay(attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		require.LessOrEqual(t, d, p.Max, "attempt %d", attempt)
		prev = d
	}
	require.Equal(t, p.Max, p.Delay(40))
}

func TestDelayJitterBound(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, Jitter: 500 * time.Millisecond}

	for i := 0; i < 200; i++ {
		d := p.Delay(0)
		require.GreaterOrEqual(t, d, time.Second)
		require.Less(t, d, time.Second+500*time.Millisecond)
	}
}

func TestDelayNegativeAttempt(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute}
	require.Equal(t, time.Second, p.Delay(-3))
}

func TestNewOpID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewOpID("http")
		require.True(t, strings.HasPrefix(id, "http-"))
		require.False(t, seen[id], "duplicate opId %s", id)
		seen[id] = true
	}
}
