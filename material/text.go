package material

import (
	"context"
	"fmt"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/lestrrat-go/strftime"
	"github.com/xaionaro-go/avdecorate/compositor"
	"github.com/xaionaro-go/avdecorate/raster"
	"github.com/xaionaro-go/avdecorate/textrender"
)

// timeTextStep is how often a time text is re-rendered, in milliseconds.
const timeTextStep = 1000

// Text shows rendered text. With Clock set the text is a strftime
// pattern rendered with the current time every second.
type Text struct {
	Clock bool

	m      *Material
	env    *Env
	style  textrender.Style
	frame  *raster.Image
	cursor *Cursor
}

var _ Variant = (*Text)(nil)

func toNRGBA(c compositor.Color) color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: c.A}
}

func (v *Text) Open(ctx context.Context, m *Material, env *Env) error {
	if env.Text == nil {
		return fmt.Errorf("no text renderer")
	}
	v.m = m
	v.env = env
	v.style = textrender.Style{
		Font:         m.Font,
		Size:         float64(m.FontSize),
		Color:        toNRGBA(m.Color),
		OutlineSize:  m.OutlineSize,
		OutlineColor: toNRGBA(m.OutlineColor),
	}
	if m.Rect.IsSized() {
		v.style.Wrap = textrender.WrapWord
		v.style.MaxWidth = m.Rect.Width
		v.style.MaxHeight = m.Rect.Height
	}
	v.cursor = NewCursor(timeTextStep)

	frame, err := v.render(ctx)
	if err != nil {
		return err
	}
	v.frame = frame
	return nil
}

func (v *Text) render(ctx context.Context) (*raster.Image, error) {
	text := v.m.Text
	if v.Clock {
		var err error
		text, err = strftime.Format(v.m.Text, v.env.now())
		if err != nil {
			return nil, fmt.Errorf("unable to format the time with '%s': %w", v.m.Text, err)
		}
	}
	img, err := v.env.Text.Render(ctx, text, v.style)
	if err != nil {
		return nil, fmt.Errorf("unable to render %q: %w", text, err)
	}
	return boxed(img, v.m.Rect.Width, v.m.Rect.Height), nil
}

func (v *Text) NextFrame(ctx context.Context, ts float64) (*raster.Image, error) {
	if !v.Clock {
		return v.frame, nil
	}
	var renderErr error
	v.cursor.Seek(ts, func() bool {
		frame, err := v.render(ctx)
		if err != nil {
			renderErr = err
			return false
		}
		v.frame = frame
		return true
	})
	return v.frame, renderErr
}

func (v *Text) Close(ctx context.Context) error {
	v.frame = nil
	return nil
}

// boxed centers img on a transparent width×height picture, cropping
// what does not fit.
func boxed(img *raster.Image, width, height int) *raster.Image {
	if width <= 0 || height <= 0 || (img.Width == width && img.Height == height) {
		return img
	}
	bg := imaging.New(width, height, color.NRGBA{})
	return raster.FromImage(imaging.PasteCenter(bg, img.ToNRGBA()))
}
