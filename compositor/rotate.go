package compositor

import (
	"image"
	"image/color"
	"math"

	"github.com/anthonynsimon/bild/transform"
	"github.com/disintegration/imaging"
	"github.com/xaionaro-go/avdecorate/raster"
)

// NormalizeDegrees maps any angle into [0, 360).
func NormalizeDegrees(degrees int) int {
	degrees %= 360
	if degrees < 0 {
		degrees += 360
	}
	return degrees
}

// RotatedBounds returns the size of the frame after rotating a w×h frame
// by degrees clockwise about its center. Right angles swap or keep the
// dimensions; other angles yield the square enclosing the circumscribed
// circle.
func RotatedBounds(w, h, degrees int) (int, int) {
	switch NormalizeDegrees(degrees) {
	case 0, 180:
		return w, h
	case 90, 270:
		return h, w
	}
	side := int(math.Ceil(math.Hypot(float64(w), float64(h))))
	return side, side
}

// Rotate rotates img clockwise about its center and returns the rotated
// frame together with the new top-left position that keeps the visual
// center at the same place on the canvas.
func Rotate(img *raster.Image, x, y, degrees int) (*raster.Image, int, int) {
	degrees = NormalizeDegrees(degrees)
	if degrees == 0 || img.IsEmpty() {
		return img, x, y
	}
	w, h := img.Width, img.Height
	newW, newH := RotatedBounds(w, h, degrees)
	x += (w - newW) / 2
	y += (h - newH) / 2
	if degrees%90 == 0 {
		return rotateRightAngle(img, degrees), x, y
	}

	square := imaging.New(newW, newH, color.NRGBA{})
	square = imaging.Paste(square, img.ToNRGBA(), image.Pt((newW-w)/2, (newH-h)/2))
	rotated := transform.Rotate(square, float64(degrees), nil)
	return raster.FromImage(rotated), x, y
}

func rotateRightAngle(img *raster.Image, degrees int) *raster.Image {
	w, h := img.Width, img.Height
	outW, outH := RotatedBounds(w, h, degrees)
	out := raster.New(outW, outH, img.Channels)
	if img.Mask != nil {
		out.Mask = make([]byte, outW*outH)
	}

	// source coordinates of the destination pixel (row, col)
	var source func(row, col int) (int, int)
	switch degrees {
	case 90:
		source = func(row, col int) (int, int) { return h - 1 - col, row }
	case 180:
		source = func(row, col int) (int, int) { return h - 1 - row, w - 1 - col }
	case 270:
		source = func(row, col int) (int, int) { return col, w - 1 - row }
	}

	ch := img.Channels
	for row := 0; row < outH; row++ {
		for col := 0; col < outW; col++ {
			sr, sc := source(row, col)
			copy(out.Pix[(row*outW+col)*ch:(row*outW+col+1)*ch], img.Pix[(sr*w+sc)*ch:])
			if out.Mask != nil {
				out.Mask[row*outW+col] = img.Mask[sr*w+sc]
			}
		}
	}
	return out
}
