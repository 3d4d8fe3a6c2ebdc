package material

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/avdecorate/decodecache"
	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/raster"
)

// Decoded plays a secondary video or audio source in live mode: files
// loop, URLs reconnect, and stale pictures above the floor are dropped.
type Decoded struct {
	Source framesource.Source
	Thread *decodecache.Thread

	env        *Env
	cursor     *Cursor
	fpsKnown   bool
	generation uint64
	last       *raster.Image
}

var (
	_ Variant      = (*Decoded)(nil)
	_ AudioVariant = (*Decoded)(nil)
	_ Suspender    = (*Decoded)(nil)
)

func sourceConfig(env *Env, m *Material) framesource.Config {
	cfg := env.SourceConfig
	cfg.DisableVideo = m.Kind.IsAudio()
	cfg.DisableAudio = m.Volume <= 0
	return cfg
}

func (d *Decoded) Open(ctx context.Context, m *Material, env *Env) error {
	src, err := env.OpenSource(m.Path(), sourceConfig(env, m))
	if err != nil {
		return fmt.Errorf("unable to initialize the source '%s': %w", m.Path(), err)
	}
	if err := src.Open(ctx); err != nil {
		return fmt.Errorf("unable to open the source '%s': %w", m.Path(), err)
	}

	floor := 0
	if m.IsStream() {
		floor = env.StreamBufferSize
	}
	d.env = env
	d.Source = src
	d.cursor = NewCursor(env.frameStep())
	d.Thread = env.Registry.Start(ctx, src, decodecache.Config{
		Mode:         decodecache.ModeLive,
		Floor:        floor,
		MaxQueue:     env.MaxQueue,
		FPS:          env.FPS,
		SourceIsOpen: true,
	})
	return nil
}

// syncClock resets the cursor after a reconnect and adopts the decoder
// frame rate once it is known.
func (d *Decoded) syncClock(ctx context.Context, ts float64) {
	if gen := d.Thread.ReopenGeneration(); gen != d.generation {
		logger.Debugf(ctx, "%s: source generation %d -> %d, resetting the clock", d.Source, d.generation, gen)
		d.generation = gen
		d.cursor.Reset()
		d.fpsKnown = false
	}
	if d.fpsKnown {
		return
	}
	info := d.Thread.Info()
	if info.FPS < 1 {
		return
	}
	d.fpsKnown = true
	step := 1000 / info.FPS
	if !d.cursor.IsStarted() {
		d.cursor.Step = step
		return
	}
	logger.Debugf(ctx, "%s: resynchronizing the clock at %v with step %v", d.Source, ts, step)
	d.cursor.Resync(step, ts)
}

func (d *Decoded) NextFrame(ctx context.Context, ts float64) (*raster.Image, error) {
	if d.Thread == nil || !d.Thread.Info().HasVideo {
		return nil, nil
	}
	d.syncClock(ctx, ts)
	var readErr error
	d.cursor.Seek(ts, func() bool {
		img, err := d.Thread.ReadLiveVideo(ctx)
		if err != nil {
			readErr = err
			return false
		}
		if img == nil || img == d.last {
			return false
		}
		d.last = img
		return true
	})
	if readErr != nil {
		return d.last, fmt.Errorf("unable to read the next picture: %w", readErr)
	}
	return d.last, nil
}

func (d *Decoded) ReadAudio(ctx context.Context, maxBytes int) ([]byte, error) {
	if d.Thread == nil {
		return nil, nil
	}
	pcm, _, err := d.Thread.ReadLiveAudio(ctx, maxBytes)
	return pcm, err
}

func (d *Decoded) Suspend(ctx context.Context) {
	if d.Thread != nil {
		d.Thread.Pause(ctx)
	}
}

func (d *Decoded) Resume(ctx context.Context) {
	if d.Thread != nil {
		d.Thread.Resume(ctx)
	}
}

func (d *Decoded) Close(ctx context.Context) error {
	if d.Source == nil {
		return nil
	}
	d.env.Registry.Stop(ctx, d.Source, true)
	d.Thread = nil
	d.last = nil
	return nil
}
