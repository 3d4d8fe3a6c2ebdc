package closuresignaler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClosureSignaler(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.False(t, c.IsClosed())
	require.True(t, c.Sleep(ctx, time.Millisecond))

	c.Close(ctx)
	c.Close(ctx)
	require.True(t, c.IsClosed())
	require.False(t, c.Sleep(ctx, time.Hour))
	<-c.CloseChan()
}
