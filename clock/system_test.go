package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualClock(t *testing.T) {
	require := require.New(t)
	start := time.UnixMilli(1_700_000_000_000)
	c := NewManualClock(start)
	require.Equal(uint64(1_700_000_000_000), c.CurrentTimeMs())
	c.Advance(1500 * time.Millisecond)
	require.Equal(uint64(1_700_000_001_500), c.CurrentTimeMs())
	require.Equal(uint64(1_700_000_001), c.CurrentTimeSec())
}

func TestSystemClockMovesForward(t *testing.T) {
	require := require.New(t)
	c := NewSystemClock()
	a := c.CurrentTimeMicro()
	time.Sleep(2 * time.Millisecond)
	require.Greater(c.CurrentTimeMicro(), a)
}
