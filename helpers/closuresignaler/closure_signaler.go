// closure_signaler.go provides a one-shot closure signal shared between goroutines.

// Package closuresignaler provides a utility for signaling the closure of a resource.
package closuresignaler

import (
	"context"
	"sync"
	"time"

	"github.com/xaionaro-go/avdecorate/logger"
)

type ClosureSignaler struct {
	closeOnce sync.Once
	c         chan struct{}
}

func New() *ClosureSignaler {
	return &ClosureSignaler{
		c: make(chan struct{}),
	}
}

func (c *ClosureSignaler) CloseChan() <-chan struct{} {
	return c.c
}

func (c *ClosureSignaler) Close(ctx context.Context) {
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close") }()
	c.closeOnce.Do(func() {
		close(c.c)
	})
}

func (c *ClosureSignaler) IsClosed() bool {
	select {
	case <-c.c:
		return true
	default:
		return false
	}
}

// Sleep waits for the given duration and reports false if the signaler
// was closed (or ctx was cancelled) before the duration elapsed.
func (c *ClosureSignaler) Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !c.IsClosed()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.c:
		return false
	case <-t.C:
		return true
	}
}
