package ids_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradeloop/internal/ids"
)

func TestNewCarriesPrefix(t *testing.T) {
	id := ids.New(ids.PrefixRun)
	require.True(t, ids.HasPrefix(id, ids.PrefixRun))
	require.False(t, ids.HasPrefix(id, ids.PrefixConfirmation))
	require.NotContains(t, id, "-")
}

func TestHasPrefixRejectsBareSuffix(t *testing.T) {
	require.False(t, ids.HasPrefix("conf_", "conf_"))
	require.True(t, ids.HasPrefix("conf_abc", "conf_"))
}

func TestMonotonicClockNeverRepeats(t *testing.T) {
	clock := ids.NewClock()
	prev := clock.Now()
	for i := 0; i < 1000; i++ {
		now := clock.Now()
		require.True(t, now.After(prev), "clock must be strictly monotonic")
		prev = now
	}
}

func TestFixedClockAdvances(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := ids.NewFixedClock(start)
	require.Equal(t, start, clock.Now())
	require.Equal(t, start.Add(time.Millisecond), clock.Now())
}
