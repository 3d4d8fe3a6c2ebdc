package compositor

import (
	"github.com/disintegration/imaging"
	"github.com/xaionaro-go/avdecorate/raster"
)

type Placement struct {
	Rect     Rect
	Rotation int
	Opacity  int
	Filter   imaging.ResampleFilter
}

// Draw scales the frame to the placement rect, rotates it, applies the
// opacity and blends it onto the canvas. It returns the rect actually
// covered, which for rotated frames is the rotated bounding box.
func Draw(canvas, frame *raster.Image, p Placement) Rect {
	if frame.IsEmpty() {
		return p.Rect
	}
	if p.Rect.IsSized() {
		frame = Resize(frame, p.Rect.Width, p.Rect.Height, p.Filter)
	}
	rotated, x, y := Rotate(frame, p.Rect.X, p.Rect.Y, p.Rotation)
	rotated = ApplyOpacity(rotated, p.Opacity)
	Blend(canvas, rotated, x, y)
	return Rect{X: x, Y: y, Width: rotated.Width, Height: rotated.Height}
}
