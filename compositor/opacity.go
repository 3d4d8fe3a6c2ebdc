package compositor

import (
	"github.com/xaionaro-go/avdecorate/raster"
)

// ApplyOpacity returns img made translucent by opacity percent. An opaque
// frame gets a uniform mask; an existing alpha plane or mask is scaled.
// Opacity outside 1..99 returns img unchanged.
func ApplyOpacity(img *raster.Image, opacity int) *raster.Image {
	if opacity <= 0 || opacity >= 100 || img.IsEmpty() {
		return img
	}
	out := img.Clone()
	scale := func(a byte) byte {
		return byte(int(a) * opacity / 100)
	}
	n := out.Width * out.Height
	switch {
	case out.HasAlpha():
		for i := 0; i < n; i++ {
			out.Pix[i*4+3] = scale(out.Pix[i*4+3])
		}
	case out.Mask != nil:
		for i := range out.Mask[:n] {
			out.Mask[i] = scale(out.Mask[i])
		}
	default:
		out.Mask = make([]byte, n)
		a := scale(0xff)
		for i := range out.Mask {
			out.Mask[i] = a
		}
	}
	return out
}
