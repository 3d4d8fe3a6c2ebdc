package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/pool"
	"github.com/xaionaro-go/avdecorate/raster"
	"github.com/xaionaro-go/observability"
	"go.uber.org/atomic"
)

// DefaultFeederCapacity is the amount of writes a Feeder buffers before
// WriteVideo/WriteAudio start blocking.
const DefaultFeederCapacity = 8

var pcmPool = pool.NewBytes()

type feedItem struct {
	video     *raster.Image
	audio     []byte
	productID int
}

// Feeder moves writes to a dedicated goroutine so a slow output never stalls
// the main loop by more than the buffered capacity. It is itself a Sink.
//
// Writes must come from a single goroutine.
type Feeder struct {
	Sink Sink

	items  chan feedItem
	done   chan struct{}
	err    atomic.Error
	closed atomic.Bool
}

var _ Sink = (*Feeder)(nil)

func NewFeeder(ctx context.Context, s Sink, capacity int) *Feeder {
	if capacity <= 0 {
		capacity = DefaultFeederCapacity
	}
	f := &Feeder{
		Sink:  s,
		items: make(chan feedItem, capacity),
		done:  make(chan struct{}),
	}
	observability.Go(ctx, func(ctx context.Context) {
		defer close(f.done)
		f.loop(ctx)
	})
	return f
}

func (f *Feeder) String() string {
	return fmt.Sprintf("Feeder(%s)", f.Sink)
}

// Err returns the first error reported by the wrapped sink.
func (f *Feeder) Err() error {
	return f.err.Load()
}

func (f *Feeder) loop(ctx context.Context) {
	logger.Debugf(ctx, "loop: %s", f.Sink)
	defer func() { logger.Debugf(ctx, "/loop: %s", f.Sink) }()
	for item := range f.items {
		if f.err.Load() != nil {
			pcmPool.Put(item.audio)
			continue
		}
		var err error
		if item.video != nil {
			err = f.Sink.WriteVideo(ctx, item.video)
		} else {
			err = f.Sink.WriteAudio(ctx, item.audio, item.productID)
			pcmPool.Put(item.audio)
		}
		if err != nil {
			logger.Errorf(ctx, "unable to write to %s: %v", f.Sink, err)
			f.err.Store(err)
		}
	}
}

func (f *Feeder) push(ctx context.Context, item feedItem) error {
	if f.closed.Load() {
		return ErrClosed
	}
	if err := f.err.Load(); err != nil {
		return err
	}
	select {
	case f.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Feeder) WriteVideo(ctx context.Context, frame *raster.Image) error {
	return f.push(ctx, feedItem{video: frame})
}

func (f *Feeder) WriteAudio(ctx context.Context, pcm []byte, productID int) error {
	if len(pcm) == 0 {
		return nil
	}
	buf := pcmPool.Get(len(pcm))
	copy(buf, pcm)
	if err := f.push(ctx, feedItem{audio: buf, productID: productID}); err != nil {
		pcmPool.Put(buf)
		return err
	}
	return nil
}

// Close flushes the buffered writes and closes the wrapped sink.
func (f *Feeder) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close: %s", f)
	defer func() { logger.Debugf(ctx, "/Close: %s: %v", f, _err) }()
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(f.items)
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var result []error
	if err := f.err.Load(); err != nil {
		result = append(result, err)
	}
	if err := f.Sink.Close(ctx); err != nil {
		result = append(result, fmt.Errorf("unable to close %s: %w", f.Sink, err))
	}
	return errors.Join(result...)
}
