// safequeue.go implements a thread-safe FIFO with timed pop and floor discarding.

// Package safequeue provides the FIFO used between decode threads and the main loop.
package safequeue

import (
	"context"
	"errors"
	"time"

	"github.com/xaionaro-go/xsync"
)

var (
	ErrTimeout = errors.New("timed out waiting for an item")
	ErrAborted = errors.New("the queue is aborted")
	ErrFull    = errors.New("the queue is full")
)

// Queue is a FIFO safe for concurrent use. A zero capacity means unbounded.
// Push never blocks; Pop blocks up to the given timeout.
type Queue[T any] struct {
	locker   xsync.Mutex
	items    []T
	head     int
	capacity int
	aborted  bool
	changed  chan struct{}

	// OnDrop, if set, is called for every item removed without being popped
	// (Clear, Floors, Discard); it is called with the lock held and must not
	// touch the queue.
	OnDrop func(T)
}

func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

func (q *Queue[T]) ctx() context.Context {
	return xsync.WithNoLogging(context.Background(), true)
}

// signalLocked wakes up every waiter; must be called with the lock held.
func (q *Queue[T]) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue[T]) sizeLocked() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) popLocked() T {
	var zero T
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v
}

func (q *Queue[T]) dropLocked(n int) int {
	dropped := 0
	for dropped < n && q.sizeLocked() > 0 {
		v := q.popLocked()
		if q.OnDrop != nil {
			q.OnDrop(v)
		}
		dropped++
	}
	return dropped
}

// Push appends v; it fails if the queue is aborted or bounded and full.
func (q *Queue[T]) Push(v T) error {
	return xsync.DoR1(q.ctx(), &q.locker, func() error {
		if q.aborted {
			return ErrAborted
		}
		if q.capacity > 0 && q.sizeLocked() >= q.capacity {
			return ErrFull
		}
		q.items = append(q.items, v)
		q.signalLocked()
		return nil
	})
}

// TryPop pops the front item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	var (
		v  T
		ok bool
	)
	q.locker.Do(q.ctx(), func() {
		if q.aborted || q.sizeLocked() == 0 {
			return
		}
		v, ok = q.popLocked(), true
	})
	return v, ok
}

// Pop pops the front item, waiting up to timeout for one to arrive.
// A non-positive timeout does not wait at all.
func (q *Queue[T]) Pop(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		var (
			v       T
			ok      bool
			aborted bool
			changed <-chan struct{}
		)
		q.locker.Do(q.ctx(), func() {
			aborted = q.aborted
			if aborted {
				return
			}
			if q.sizeLocked() > 0 {
				v, ok = q.popLocked(), true
				return
			}
			changed = q.changed
		})
		switch {
		case aborted:
			return zero, ErrAborted
		case ok:
			return v, nil
		case deadline == nil:
			return zero, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline:
			return zero, ErrTimeout
		case <-changed:
		}
	}
}

// Front returns the front item without removing it.
func (q *Queue[T]) Front() (T, bool) {
	var (
		v  T
		ok bool
	)
	q.locker.Do(q.ctx(), func() {
		if q.aborted || q.sizeLocked() == 0 {
			return
		}
		v, ok = q.items[q.head], true
	})
	return v, ok
}

func (q *Queue[T]) Size() int {
	return xsync.DoR1(q.ctx(), &q.locker, q.sizeLocked)
}

func (q *Queue[T]) Clear() {
	q.locker.Do(q.ctx(), func() {
		q.dropLocked(q.sizeLocked())
	})
}

// Floors discards items from the front until at most n remain and
// returns the number of discarded items.
func (q *Queue[T]) Floors(n int) int {
	if n < 0 {
		n = 0
	}
	return xsync.DoR1(q.ctx(), &q.locker, func() int {
		return q.dropLocked(q.sizeLocked() - n)
	})
}

// Discard discards up to k items from the front and returns how many were discarded.
func (q *Queue[T]) Discard(k int) int {
	return xsync.DoR1(q.ctx(), &q.locker, func() int {
		return q.dropLocked(k)
	})
}

// Abort makes pending and future Pop/Push calls fail until Resume.
func (q *Queue[T]) Abort() {
	q.locker.Do(q.ctx(), func() {
		q.aborted = true
		q.signalLocked()
	})
}

func (q *Queue[T]) Resume() {
	q.locker.Do(q.ctx(), func() {
		q.aborted = false
		q.signalLocked()
	})
}

func (q *Queue[T]) IsAborted() bool {
	return xsync.DoR1(q.ctx(), &q.locker, func() bool {
		return q.aborted
	})
}
