// compositor.go implements placement and the blend primitives.

// Package compositor draws material frames onto the output canvas.
package compositor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xaionaro-go/avdecorate/raster"
)

// Rect is a placement on the canvas; zero Width and Height keep the
// native size of the frame.
type Rect struct {
	X      int
	Y      int
	Width  int
	Height int
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

func (r Rect) IsSized() bool {
	return r.Width > 0 && r.Height > 0
}

type Color struct {
	R, G, B, A uint8
}

// Transparent is the zero Color.
var Transparent = Color{}

var Black = Color{A: 0xff}

// ParseColor parses "#RRGGBB" or "#RRGGBBAA"; the leading '#' is optional.
func ParseColor(s string) (Color, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(s) {
	case 6:
		s += "ff"
	case 8:
	default:
		return Color{}, fmt.Errorf("invalid color '%s': expected 6 or 8 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("invalid color '%s': %w", s, err)
	}
	return Color{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

// NewCanvas returns a canvas filled with the background color.
func NewCanvas(width, height int, withAlpha bool, bg Color) *raster.Image {
	channels := raster.ChannelsOpaque
	if withAlpha {
		channels = raster.ChannelsAlpha
	}
	canvas := raster.New(width, height, channels)
	Clear(canvas, bg)
	return canvas
}

func Clear(canvas *raster.Image, bg Color) {
	if bg == Transparent || (bg == Black && !canvas.HasAlpha()) {
		clear(canvas.Pix)
		return
	}
	canvas.Fill(bg.R, bg.G, bg.B, bg.A)
}

// overlap clips a w×h frame placed at (x, y) against the canvas and
// returns the destination and source origins of the visible window.
func overlap(canvasW, canvasH, w, h, x, y int) (dstX, dstY, srcX, srcY, ow, oh int, ok bool) {
	dstX, dstY, ow, oh = x, y, w, h
	if x < 0 {
		dstX = 0
		ow += x
		srcX = -x
	}
	if y < 0 {
		dstY = 0
		oh += y
		srcY = -y
	}
	if dstX+ow > canvasW {
		ow = canvasW - dstX
	}
	if dstY+oh > canvasH {
		oh = canvasH - dstY
	}
	return dstX, dstY, srcX, srcY, ow, oh, ow > 0 && oh > 0
}

// blend8 is dst*(1-a) + src*a with a in 0..255, rounded to nearest.
func blend8(dst, src, a uint8) uint8 {
	return uint8((uint32(src)*uint32(a) + uint32(dst)*(255-uint32(a)) + 127) / 255)
}

// Blend draws src onto the canvas with its top-left corner at (x, y),
// selecting the primitive by the shape of src:
//   - opaque: rectangular copy;
//   - RGBA: source-over with the per-pixel alpha;
//   - opaque with Mask: source-over with the alpha taken from Mask.
//
// Parts outside the canvas are clipped.
func Blend(canvas, src *raster.Image, x, y int) {
	if canvas.IsEmpty() || src.IsEmpty() {
		return
	}
	dstX, dstY, srcX, srcY, w, h, ok := overlap(canvas.Width, canvas.Height, src.Width, src.Height, x, y)
	if !ok {
		return
	}
	switch {
	case src.HasAlpha():
		blendAlpha(canvas, src, dstX, dstY, srcX, srcY, w, h)
	case src.Mask != nil:
		blendMask(canvas, src, dstX, dstY, srcX, srcY, w, h)
	default:
		copyOpaque(canvas, src, dstX, dstY, srcX, srcY, w, h)
	}
}

func copyOpaque(canvas, src *raster.Image, dstX, dstY, srcX, srcY, w, h int) {
	dc := canvas.Channels
	for row := 0; row < h; row++ {
		s := src.Pix[(srcY+row)*src.Stride()+srcX*3:]
		d := canvas.Pix[(dstY+row)*canvas.Stride()+dstX*dc:]
		if dc == raster.ChannelsOpaque {
			copy(d[:w*3], s[:w*3])
			continue
		}
		for col := 0; col < w; col++ {
			copy(d[col*4:col*4+3], s[col*3:col*3+3])
			d[col*4+3] = 0xff
		}
	}
}

func blendPixel(d, s []byte, a uint8, dstHasAlpha bool) {
	switch a {
	case 0:
		return
	case 0xff:
		copy(d[:3], s[:3])
		if dstHasAlpha {
			d[3] = 0xff
		}
		return
	}
	d[0] = blend8(d[0], s[0], a)
	d[1] = blend8(d[1], s[1], a)
	d[2] = blend8(d[2], s[2], a)
	if dstHasAlpha {
		d[3] = blend8(d[3], a, a)
	}
}

func blendAlpha(canvas, src *raster.Image, dstX, dstY, srcX, srcY, w, h int) {
	dc := canvas.Channels
	dstHasAlpha := canvas.HasAlpha()
	for row := 0; row < h; row++ {
		s := src.Pix[(srcY+row)*src.Stride()+srcX*4:]
		d := canvas.Pix[(dstY+row)*canvas.Stride()+dstX*dc:]
		for col := 0; col < w; col++ {
			blendPixel(d[col*dc:], s[col*4:], s[col*4+3], dstHasAlpha)
		}
	}
}

func blendMask(canvas, src *raster.Image, dstX, dstY, srcX, srcY, w, h int) {
	dc := canvas.Channels
	dstHasAlpha := canvas.HasAlpha()
	for row := 0; row < h; row++ {
		s := src.Pix[(srcY+row)*src.Stride()+srcX*3:]
		m := src.Mask[(srcY+row)*src.Width+srcX:]
		d := canvas.Pix[(dstY+row)*canvas.Stride()+dstX*dc:]
		for col := 0; col < w; col++ {
			blendPixel(d[col*dc:], s[col*3:], m[col], dstHasAlpha)
		}
	}
}
