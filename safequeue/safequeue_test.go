package safequeue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFIFO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := New[int](0)
	for i := range 200 {
		require.NoError(t, q.Push(i))
	}
	require.Equal(t, 200, q.Size())
	for i := range 200 {
		v, err := q.Pop(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	_, err := q.Pop(ctx, 0)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestBounded(t *testing.T) {
	t.Parallel()
	q := New[int](2)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	require.ErrorIs(t, q.Push(3), ErrFull)
}

func TestPopWaitsForPush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := New[string](0)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, q.Push("x"))
	}()
	v, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "x", v)
	wg.Wait()
}

func TestPopTimeout(t *testing.T) {
	t.Parallel()
	q := New[int](0)
	start := time.Now()
	_, err := q.Pop(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestFloorsAndDiscard(t *testing.T) {
	t.Parallel()
	q := New[int](0)
	var dropped []int
	q.OnDrop = func(v int) { dropped = append(dropped, v) }
	for i := range 10 {
		require.NoError(t, q.Push(i))
	}
	require.Equal(t, 6, q.Floors(4))
	require.Equal(t, 4, q.Size())
	require.Equal(t, 0, q.Floors(8))
	require.Equal(t, 2, q.Discard(2))
	require.Equal(t, 2, q.Discard(100))
	require.Equal(t, 0, q.Size())
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, dropped)
}

func TestAbortWakesWaiters(t *testing.T) {
	t.Parallel()
	q := New[int](0)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background(), time.Minute)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Abort()
	require.ErrorIs(t, <-errCh, ErrAborted)
	require.ErrorIs(t, q.Push(1), ErrAborted)

	q.Resume()
	require.NoError(t, q.Push(1))
	v, ok := q.Front()
	require.True(t, ok)
	require.Equal(t, 1, v)
	q.Clear()
	require.Zero(t, q.Size())
}
