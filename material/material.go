// material.go defines the live material record and its per-kind variants.

// Package material parses material specs and produces, for every output
// frame, the picture and audio each material contributes.
package material

import (
	"context"
	"fmt"
	"time"

	"github.com/disintegration/imaging"
	"github.com/xaionaro-go/avdecorate/compositor"
	"github.com/xaionaro-go/avdecorate/decodecache"
	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/raster"
	"github.com/xaionaro-go/avdecorate/textrender"
)

// Env is what variants need from the running pipeline.
type Env struct {
	Registry   *decodecache.Registry
	OpenSource func(url string, cfg framesource.Config) (framesource.Source, error)

	// SourceConfig is the negotiated pixel and PCM format of every source.
	SourceConfig framesource.Config

	Text *textrender.Renderer

	// FPS is the output frame rate.
	FPS float64

	// StreamBufferSize is the live queue floor of materials pulled from URLs.
	StreamBufferSize int
	MaxQueue         int

	// Now returns the wall clock shown by clocks and time texts.
	Now func() time.Time

	// PackedAlpha and ChromaKey post-process the main video.
	PackedAlpha compositor.PackedAlpha
	ChromaKey   bool
}

func (env *Env) now() time.Time {
	if env.Now == nil {
		return time.Now()
	}
	return env.Now()
}

func (env *Env) frameStep() float64 {
	fps := env.FPS
	if fps < 1 {
		fps = framesource.DefaultFPS
	}
	return 1000 / fps
}

// Variant is the kind-specific behavior of a material.
type Variant interface {
	Open(ctx context.Context, m *Material, env *Env) error

	// NextFrame returns the picture visible at ts (milliseconds), or nil
	// if the material has nothing to show.
	NextFrame(ctx context.Context, ts float64) (*raster.Image, error)
	Close(ctx context.Context) error
}

// AudioVariant is implemented by variants that contribute audio.
type AudioVariant interface {
	ReadAudio(ctx context.Context, maxBytes int) ([]byte, error)
}

// Suspender is implemented by variants that hold decode resources which
// can be released while the material is hidden.
type Suspender interface {
	Suspend(ctx context.Context)
	Resume(ctx context.Context)
}

type preparedFrame struct {
	src      *raster.Image
	width    int
	height   int
	rotation int
	opacity  int

	img *raster.Image
	dx  int
	dy  int
}

type Material struct {
	*Spec
	Variant Variant

	// Drawn is the rect covered by the last Draw; for rotated materials
	// it is the rotated bounding square.
	Drawn compositor.Rect

	prepared  preparedFrame
	suspended bool
}

// New returns a material with the variant of the spec's kind.
func New(spec *Spec) (*Material, error) {
	m := &Material{Spec: spec}
	switch spec.Kind {
	case KindMainVideo, KindMainAudio:
		m.Variant = &Main{}
	case KindVideo, KindAudio:
		m.Variant = &Decoded{}
	case KindGIF:
		m.Variant = &Animation{}
	case KindImage:
		m.Variant = &Still{}
	case KindText:
		m.Variant = &Text{}
	case KindTime:
		m.Variant = &Text{Clock: true}
	case KindClock:
		m.Variant = &Clock{}
	default:
		return nil, fmt.Errorf("%w: unsupported kind %s", ErrInvalidSpec, spec.Kind)
	}
	return m, nil
}

func (m *Material) String() string {
	return m.Spec.String()
}

func (m *Material) Open(ctx context.Context, env *Env) (_err error) {
	logger.Debugf(ctx, "Open(%s)", m)
	defer func() { logger.Debugf(ctx, "/Open(%s): %v", m, _err) }()
	if err := m.Variant.Open(ctx, m, env); err != nil {
		return fmt.Errorf("unable to open %s: %w", m, err)
	}
	return nil
}

func (m *Material) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close(%s)", m)
	defer func() { logger.Debugf(ctx, "/Close(%s): %v", m, _err) }()
	m.prepared = preparedFrame{}
	return m.Variant.Close(ctx)
}

// HasVideo reports whether the material draws on the canvas.
func (m *Material) HasVideo() bool {
	return !m.Kind.IsAudio()
}

// HasAudio reports whether the material contributes to the mix.
func (m *Material) HasAudio() bool {
	if _, ok := m.Variant.(AudioVariant); !ok {
		return false
	}
	return m.Kind.IsDecoded() && m.Volume > 0
}

func (m *Material) IsSuspended() bool {
	return m.suspended
}

// Suspend releases the decode resources of a hidden material.
func (m *Material) Suspend(ctx context.Context) {
	if m.suspended {
		return
	}
	m.suspended = true
	if s, ok := m.Variant.(Suspender); ok {
		s.Suspend(ctx)
	}
}

func (m *Material) Resume(ctx context.Context) {
	if !m.suspended {
		return
	}
	m.suspended = false
	if s, ok := m.Variant.(Suspender); ok {
		s.Resume(ctx)
	}
}

// SetPlacement moves the material without touching its decode state.
func (m *Material) SetPlacement(layer int, rect compositor.Rect) {
	m.Layer = layer
	m.Rect = rect
}

// ReadAudio returns up to maxBytes of the material's audio.
func (m *Material) ReadAudio(ctx context.Context, maxBytes int) ([]byte, error) {
	a, ok := m.Variant.(AudioVariant)
	if !ok {
		return nil, nil
	}
	return a.ReadAudio(ctx, maxBytes)
}

// Draw blends the frame visible at ts onto the canvas.
func (m *Material) Draw(
	ctx context.Context,
	canvas *raster.Image,
	ts float64,
	filter imaging.ResampleFilter,
) error {
	frame, err := m.Variant.NextFrame(ctx, ts)
	if err != nil {
		return fmt.Errorf("unable to get the frame of %s at %v: %w", m, ts, err)
	}
	if frame.IsEmpty() {
		return nil
	}

	p := &m.prepared
	if p.src != frame || p.width != m.Rect.Width || p.height != m.Rect.Height ||
		p.rotation != m.Rotation || p.opacity != m.Opacity {
		img := frame
		if m.Rect.IsSized() {
			img = compositor.Resize(img, m.Rect.Width, m.Rect.Height, filter)
		}
		rotated, dx, dy := compositor.Rotate(img, 0, 0, m.Rotation)
		*p = preparedFrame{
			src:      frame,
			width:    m.Rect.Width,
			height:   m.Rect.Height,
			rotation: m.Rotation,
			opacity:  m.Opacity,
			img:      compositor.ApplyOpacity(rotated, m.Opacity),
			dx:       dx,
			dy:       dy,
		}
	}

	x, y := m.Rect.X+p.dx, m.Rect.Y+p.dy
	compositor.Blend(canvas, p.img, x, y)
	m.Drawn = compositor.Rect{X: x, Y: y, Width: p.img.Width, Height: p.img.Height}
	return nil
}
