// read.go implements the consumer side of the decode cache.

package decodecache

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/raster"
	"github.com/xaionaro-go/avdecorate/safequeue"
)

func (t *Thread) queueErr(err error, isEmpty func() bool) error {
	if !errors.Is(err, safequeue.ErrTimeout) && !errors.Is(err, safequeue.ErrAborted) {
		return err
	}
	if terminal := t.Err(); terminal != nil {
		return terminal
	}
	if t.IsEOF() && isEmpty() {
		return framesource.ErrEOF
	}
	return ErrTimeout
}

func popWithin[T any](
	ctx context.Context,
	t *Thread,
	q *safequeue.Queue[T],
	timeout time.Duration,
) (T, error) {
	isEmpty := func() bool { return q.Size() == 0 }
	if t.IsEOF() && isEmpty() {
		var zero T
		return zero, framesource.ErrEOF
	}
	v, err := q.Pop(ctx, timeout)
	if err != nil {
		return v, t.queueErr(err, isEmpty)
	}
	return v, nil
}

// ReadUnit returns the next paired unit, waiting up to timeout.
//
// It returns framesource.ErrEOF after the last unit of an exhausted source,
// ErrTimeout if nothing arrived in time, or the terminal decode error.
func (t *Thread) ReadUnit(ctx context.Context, timeout time.Duration) (Unit, error) {
	if t.Config.Floor > 0 {
		if n := t.Units.Floors(t.Config.Floor); n > 0 {
			logger.Debugf(ctx, "%s: discarded %d stale units", t, n)
		}
	}
	return popWithin(ctx, t, t.Units, timeout)
}

// ReadVideo returns the next picture of an independent cache.
func (t *Thread) ReadVideo(ctx context.Context, timeout time.Duration) (*raster.Image, error) {
	return popWithin(ctx, t, t.Video, timeout)
}

// ReadAudio returns the next audio chunk of an independent cache.
func (t *Thread) ReadAudio(ctx context.Context, timeout time.Duration) (AudioChunk, error) {
	return popWithin(ctx, t, t.Audio, timeout)
}

// ReadLiveVideo returns the newest picture not yet shown, or the previously
// returned one if none arrived. Stale pictures above the floor are dropped
// together with a proportional amount of audio.
//
// Live reads keep per-consumer state and must come from one goroutine.
func (t *Thread) ReadLiveVideo(ctx context.Context) (*raster.Image, error) {
	if err := t.Err(); err != nil {
		return nil, err
	}
	t.checkGeneration()

	if floor := t.Config.Floor; floor > 0 {
		if size := t.Video.Size(); size > floor {
			t.discardLive(ctx, size-floor/2, floor)
		}
	}

	if img, ok := t.Video.TryPop(); ok && img != nil {
		t.lastFrame = img
	}
	return t.lastFrame, nil
}

func (t *Thread) discardLive(ctx context.Context, frames, floor int) {
	info := t.Info()
	if !info.HasAudio {
		n := t.Video.Floors(floor / 2)
		logger.Debugf(ctx, "%s: discarded %d stale pictures", t, n)
		return
	}
	bpf := framesource.AudioPerFrame(info.SampleRate, info.AudioChannels, info.EffectiveFPS())
	if bpf <= 0 {
		t.Video.Floors(floor / 2)
		return
	}
	pcm, _, _ := t.ReadLiveAudio(ctx, framesource.EvenBytes(int(float64(frames)*bpf)))
	n := t.Video.Discard(int(math.Round(float64(len(pcm)) / bpf)))
	logger.Debugf(ctx, "%s: discarded %d stale pictures and %d bytes of audio", t, n, len(pcm))
}

// ReadLiveAudio returns up to maxBytes of audio, accumulating queued chunks
// until the request is covered within framesource.AudioDelta. A short
// result means not enough audio has been decoded yet.
func (t *Thread) ReadLiveAudio(ctx context.Context, maxBytes int) ([]byte, int, error) {
	if err := t.Err(); err != nil {
		return nil, 0, err
	}
	t.checkGeneration()

	for len(t.lastAudio)+framesource.AudioDelta < maxBytes {
		c, ok := t.Audio.TryPop()
		if !ok {
			break
		}
		t.lastAudio = append(t.lastAudio, c.PCM...)
		t.lastProductID = c.ProductID
	}

	n := len(t.lastAudio)
	if maxBytes < n {
		n = maxBytes
	}
	if n < maxBytes {
		logger.Tracef(ctx, "%s: audio underrun: %d < %d", t, n, maxBytes)
	}
	out := make([]byte, n)
	copy(out, t.lastAudio)
	t.lastAudio = append(t.lastAudio[:0], t.lastAudio[n:]...)
	return out, t.lastProductID, nil
}

func (t *Thread) checkGeneration() {
	gen := t.generation.Load()
	if gen == t.lastGeneration {
		return
	}
	t.lastGeneration = gen
	t.lastAudio = t.lastAudio[:0]
}
