package material

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorFixedStep(t *testing.T) {
	c := NewCursor(100)
	for ts := 0; ts <= 1000; ts += 50 {
		c.Seek(float64(ts), func() bool { return true })
		require.Equal(t, ts/100, c.Index, "ts=%d", ts)
	}
}

func TestCursorVariableDurations(t *testing.T) {
	c := NewVariableCursor([]float64{100, 200})
	expected := map[int]int{0: 0, 50: 0, 100: 1, 250: 1, 300: 0, 399: 0, 400: 1, 600: 0}
	for _, ts := range []int{0, 50, 100, 250, 300, 399, 400, 600} {
		c.Seek(float64(ts), func() bool { return true })
		require.Equal(t, expected[ts], c.Index, "ts=%d", ts)
	}
}

func TestCursorNoData(t *testing.T) {
	c := NewCursor(100)
	require.False(t, c.Seek(0, func() bool { return false }))
	require.False(t, c.IsStarted())

	require.True(t, c.Seek(0, func() bool { return true }))
	require.False(t, c.Seek(350, func() bool { return false }))
	require.Equal(t, 0, c.Index)
	require.Equal(t, float64(300), c.CTS)

	require.False(t, c.Seek(360, func() bool { return true }))
	require.True(t, c.Seek(400, func() bool { return true }))
	require.Equal(t, 1, c.Index)
}

func TestCursorResync(t *testing.T) {
	c := NewCursor(40)
	c.Seek(0, func() bool { return true })
	c.Resync(100, 1000)
	require.False(t, c.Seek(1050, func() bool { return true }))
	require.True(t, c.Seek(1100, func() bool { return true }))

	c.Reset()
	require.False(t, c.IsStarted())
	require.Equal(t, -1, c.Index)
}
