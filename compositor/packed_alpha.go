package compositor

import (
	"fmt"
	"strings"

	"github.com/xaionaro-go/avdecorate/raster"
)

// PackedAlpha tells which half of a frame carries the alpha plane as a
// grayscale picture.
type PackedAlpha byte

const (
	PackedAlphaNone   = PackedAlpha(0)
	PackedAlphaLeft   = PackedAlpha('l')
	PackedAlphaRight  = PackedAlpha('r')
	PackedAlphaTop    = PackedAlpha('t')
	PackedAlphaBottom = PackedAlpha('b')
)

func ParsePackedAlpha(s string) (PackedAlpha, error) {
	switch strings.ToLower(s) {
	case "":
		return PackedAlphaNone, nil
	case "left":
		return PackedAlphaLeft, nil
	case "right":
		return PackedAlphaRight, nil
	case "top":
		return PackedAlphaTop, nil
	case "bottom":
		return PackedAlphaBottom, nil
	}
	return PackedAlphaNone, fmt.Errorf("unknown packed alpha layout '%s', expected left|right|top|bottom", s)
}

// UnpackAlpha splits a frame with a packed alpha half into an opaque
// frame and its Mask.
func UnpackAlpha(img *raster.Image, layout PackedAlpha) *raster.Image {
	if layout == PackedAlphaNone || img.IsEmpty() {
		return img
	}
	w, h := img.Width, img.Height
	var colorX, colorY, alphaX, alphaY int
	switch layout {
	case PackedAlphaLeft:
		w /= 2
		colorX = w
	case PackedAlphaRight:
		w /= 2
		alphaX = w
	case PackedAlphaTop:
		h /= 2
		colorY = h
	case PackedAlphaBottom:
		h /= 2
		alphaY = h
	}
	ch := img.Channels
	out := raster.New(w, h, raster.ChannelsOpaque)
	out.Mask = make([]byte, w*h)
	for row := 0; row < h; row++ {
		c := img.Pix[((colorY+row)*img.Width+colorX)*ch:]
		a := img.Pix[((alphaY+row)*img.Width+alphaX)*ch:]
		for col := 0; col < w; col++ {
			copy(out.Pix[(row*w+col)*3:(row*w+col)*3+3], c[col*ch:col*ch+3])
			r, g, b := int(a[col*ch]), int(a[col*ch+1]), int(a[col*ch+2])
			out.Mask[row*w+col] = byte((299*r + 587*g + 114*b + 500) / 1000)
		}
	}
	return out
}
