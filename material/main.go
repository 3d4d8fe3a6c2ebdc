package material

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaionaro-go/avdecorate/compositor"
	"github.com/xaionaro-go/avdecorate/decodecache"
	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/raster"
)

// Main is the track that drives the run. Its pictures come with their
// co-timed audio, and its end is the end of the run.
type Main struct {
	Source framesource.Source
	Thread *decodecache.Thread

	env       *Env
	cursor    *Cursor
	frame     *raster.Image
	pcm       []byte
	productID int
}

var (
	_ Variant      = (*Main)(nil)
	_ AudioVariant = (*Main)(nil)
)

func (v *Main) Open(ctx context.Context, m *Material, env *Env) error {
	cfg := env.SourceConfig
	cfg.DisableVideo = m.Kind == KindMainAudio
	src, err := env.OpenSource(m.Path(), cfg)
	if err != nil {
		return fmt.Errorf("unable to initialize the main source '%s': %w", m.Path(), err)
	}
	if err := src.Open(ctx); err != nil {
		return fmt.Errorf("unable to open the main source '%s': %w", m.Path(), err)
	}
	info := src.Info()
	if !info.HasVideo && !info.HasAudio {
		_ = src.Close(ctx)
		return fmt.Errorf("the main source '%s' has neither video nor audio", m.Path())
	}

	mode := decodecache.ModePaired
	if framesource.IsRawURL(m.Path()) && info.HasVideo && info.HasAudio {
		mode = decodecache.ModeIndependent
	}
	logger.Debugf(ctx, "main source '%s': %dx%d@%v audio:%t mode:%s",
		m.Path(), info.Width, info.Height, info.FPS, info.HasAudio, mode)

	v.env = env
	v.Source = src
	v.Thread = env.Registry.Start(ctx, src, decodecache.Config{
		Mode:         mode,
		MaxQueue:     env.MaxQueue,
		FPS:          env.FPS,
		SourceIsOpen: true,
	})
	return nil
}

func (v *Main) Info() framesource.Info {
	if v.Thread == nil {
		return framesource.Info{}
	}
	return v.Thread.Info()
}

// CanWait reports whether the source is inherently latent and may block
// the main loop.
func (v *Main) CanWait() bool {
	return v.Source != nil && framesource.IsSharedMemoryURL(v.Source.URL())
}

// ProductID is the product tag last carried in-band by the source.
func (v *Main) ProductID() int {
	return v.productID
}

// Advance reads the units of the source that are due by ts, waiting at
// most timeout for each one. A picture stays on screen for one source
// frame period, so a source faster than the output has units skipped
// (their audio is kept) and a slower one has pictures repeated. An
// audio-only source is read until one output period of PCM is buffered.
// It returns framesource.ErrEOF at the end of the source and
// decodecache.ErrTimeout if nothing arrived in time.
func (v *Main) Advance(ctx context.Context, ts float64, timeout time.Duration) error {
	if v.Thread == nil {
		return framesource.ErrEOF
	}
	info := v.Info()
	if !info.HasVideo {
		return v.fillAudio(ctx, info, timeout)
	}
	if v.cursor == nil {
		v.cursor = NewCursor(1000 / info.EffectiveFPS())
	}
	if !v.cursor.IsStarted() {
		if _, err := v.readUnit(ctx, timeout); err != nil {
			return err
		}
		v.cursor.Start(ts)
		return nil
	}
	read := false
	for v.cursor.Due(ts) {
		if _, err := v.readUnit(ctx, timeout); err != nil {
			if read && (errors.Is(err, decodecache.ErrTimeout) || errors.Is(err, framesource.ErrEOF)) {
				return nil
			}
			return err
		}
		read = true
		v.cursor.Advance()
	}
	return nil
}

func (v *Main) fillAudio(ctx context.Context, info framesource.Info, timeout time.Duration) error {
	need := 0
	if v.env.FPS > 0 {
		need = framesource.EvenBytes(int(float64(info.BytesPerSecond()) / v.env.FPS))
	}
	read := false
	for len(v.pcm) < need || (need <= 0 && !read) {
		if _, err := v.readUnit(ctx, timeout); err != nil {
			if read && (errors.Is(err, decodecache.ErrTimeout) || errors.Is(err, framesource.ErrEOF)) {
				return nil
			}
			return err
		}
		read = true
	}
	return nil
}

// readUnit reads the next picture, or the next audio chunk of an
// audio-only source.
func (v *Main) readUnit(ctx context.Context, timeout time.Duration) (decodecache.Unit, error) {
	var (
		unit decodecache.Unit
		err  error
	)
	if v.Thread.Config.Mode == decodecache.ModeIndependent {
		unit.Video, err = v.Thread.ReadVideo(ctx, timeout)
		unit.ProductID = v.productID
	} else {
		unit, err = v.Thread.ReadUnit(ctx, timeout)
	}
	if err != nil {
		return unit, err
	}
	if unit.ProductID > 0 {
		v.productID = unit.ProductID
	}
	if unit.Video != nil {
		v.frame = v.postprocess(ctx, unit.Video)
		unit.Video = v.frame
	}
	v.appendPCM(unit.Audio)
	return unit, nil
}

func (v *Main) postprocess(ctx context.Context, img *raster.Image) *raster.Image {
	if v.env.PackedAlpha != compositor.PackedAlphaNone {
		img = compositor.UnpackAlpha(img, v.env.PackedAlpha)
	}
	if v.env.ChromaKey {
		keyed, err := compositor.ChromaKey(img)
		if err != nil {
			logger.Warnf(ctx, "unable to remove the background: %v", err)
		} else {
			img = keyed
		}
	}
	return img
}

func (v *Main) appendPCM(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	v.pcm = append(v.pcm, pcm...)
	// keep at most one second of backlog
	if limit := v.Info().BytesPerSecond(); limit > 0 && len(v.pcm) > limit {
		drop := framesource.EvenBytes(len(v.pcm) - limit)
		v.pcm = append(v.pcm[:0], v.pcm[drop:]...)
	}
}

func (v *Main) NextFrame(ctx context.Context, ts float64) (*raster.Image, error) {
	return v.frame, nil
}

// ReadAudio returns up to maxBytes of the audio read along with the
// pictures; in independent mode it also takes what the audio queue holds.
func (v *Main) ReadAudio(ctx context.Context, maxBytes int) ([]byte, error) {
	if v.Thread != nil && v.Thread.Config.Mode == decodecache.ModeIndependent {
		for len(v.pcm)+framesource.AudioDelta < maxBytes {
			chunk, err := v.Thread.ReadAudio(ctx, 0)
			if err != nil {
				if !errors.Is(err, decodecache.ErrTimeout) && !errors.Is(err, framesource.ErrEOF) {
					return nil, err
				}
				break
			}
			if chunk.ProductID > 0 {
				v.productID = chunk.ProductID
			}
			v.pcm = append(v.pcm, chunk.PCM...)
		}
	}
	n := min(len(v.pcm), maxBytes)
	out := make([]byte, n)
	copy(out, v.pcm)
	v.pcm = append(v.pcm[:0], v.pcm[n:]...)
	return out, nil
}

func (v *Main) Close(ctx context.Context) error {
	if v.Source == nil {
		return nil
	}
	v.env.Registry.Stop(ctx, v.Source, false)
	v.Thread = nil
	v.cursor = nil
	v.frame = nil
	v.pcm = nil
	return nil
}
