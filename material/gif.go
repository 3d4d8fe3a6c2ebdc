package material

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"os"

	"github.com/xaionaro-go/avdecorate/raster"
)

// DefaultGIFDelay is used for frames that declare no delay, in milliseconds.
const DefaultGIFDelay = 100

// Animation loops over the frames of an animated image, each shown for
// its own duration.
type Animation struct {
	Frames    []*raster.Image
	Durations []float64

	cursor *Cursor
}

var _ Variant = (*Animation)(nil)

func (v *Animation) Open(ctx context.Context, m *Material, env *Env) error {
	frames, durations, err := loadGIF(m.Path())
	if err != nil {
		return fmt.Errorf("unable to load the animation '%s': %w", m.Path(), err)
	}
	v.Frames = frames
	v.Durations = durations
	v.cursor = NewVariableCursor(durations)
	return nil
}

func (v *Animation) NextFrame(ctx context.Context, ts float64) (*raster.Image, error) {
	if len(v.Frames) == 0 {
		return nil, nil
	}
	v.cursor.Seek(ts, func() bool { return true })
	return v.Frames[v.cursor.Index], nil
}

func (v *Animation) Close(ctx context.Context) error {
	v.Frames = nil
	return nil
}

// loadGIF decodes every frame of a GIF into a full picture, honoring the
// frame disposal methods, together with the frame durations in milliseconds.
func loadGIF(path string) ([]*raster.Image, []float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	g, err := gif.DecodeAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to decode: %w", err)
	}
	if len(g.Image) == 0 {
		return nil, nil, fmt.Errorf("no frames")
	}

	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
	}
	canvas := image.NewNRGBA(bounds)
	frames := make([]*raster.Image, 0, len(g.Image))
	durations := make([]float64, 0, len(g.Image))
	for i, frame := range g.Image {
		var previous *image.NRGBA
		disposal := byte(0)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			previous = image.NewNRGBA(bounds)
			copy(previous.Pix, canvas.Pix)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		frames = append(frames, raster.FromImage(canvas))

		delay := DefaultGIFDelay
		if i < len(g.Delay) && g.Delay[i] > 0 {
			delay = g.Delay[i] * 10
		}
		durations = append(durations, float64(delay))

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = previous
		}
	}
	return frames, durations, nil
}
