//go:build !with_cv
// +build !with_cv

package compositor

import (
	"github.com/xaionaro-go/avdecorate/raster"
)

// ChromaKey removes the green background of img and returns an opaque
// frame whose Mask is zero on the keyed pixels.
//
// Without OpenCV only the HSV range test is applied, with no edge
// refinement.
func ChromaKey(img *raster.Image) (*raster.Image, error) {
	opaque := img.WithChannels(raster.ChannelsOpaque)
	keyed := make([]byte, opaque.Width*opaque.Height)
	for i := range keyed {
		h, s, v := hsv(opaque.Pix[i*3], opaque.Pix[i*3+1], opaque.Pix[i*3+2])
		if h >= chromaKeyHueMin && h <= chromaKeyHueMax && s >= chromaKeySatMin && v >= chromaKeyValMin {
			continue
		}
		keyed[i] = 0xff
	}
	return mergeMask(img, keyed), nil
}

// hsv converts to the 8-bit OpenCV HSV ranges: H 0..180, S and V 0..255.
func hsv(r, g, b byte) (int, int, int) {
	ri, gi, bi := int(r), int(g), int(b)
	maxC := max(ri, gi, bi)
	minC := min(ri, gi, bi)
	delta := maxC - minC
	v := maxC
	if maxC == 0 {
		return 0, 0, 0
	}
	s := (delta*255 + maxC/2) / maxC
	if delta == 0 {
		return 0, s, v
	}
	var h int
	switch maxC {
	case ri:
		h = 60 * (gi - bi) / delta
	case gi:
		h = 120 + 60*(bi-ri)/delta
	default:
		h = 240 + 60*(ri-gi)/delta
	}
	if h < 0 {
		h += 360
	}
	return h / 2, s, v
}
