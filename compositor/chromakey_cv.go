//go:build with_cv
// +build with_cv

package compositor

import (
	"fmt"
	"image"

	"github.com/xaionaro-go/avdecorate/raster"
	"gocv.io/x/gocv"
)

// ChromaKey removes the green background of img and returns an opaque
// frame whose Mask is zero on the keyed pixels.
func ChromaKey(img *raster.Image) (*raster.Image, error) {
	opaque := img.WithChannels(raster.ChannelsOpaque)
	frame, err := gocv.NewMatFromBytes(opaque.Height, opaque.Width, gocv.MatTypeCV8UC3, opaque.Pix)
	if err != nil {
		return nil, fmt.Errorf("unable to wrap the frame into a Mat: %w", err)
	}
	defer frame.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(frame, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, 100, 200)

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(5, 5))
	defer kernel.Close()
	gocv.Dilate(edges, &edges, kernel)
	gocv.Erode(edges, &edges, kernel)

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(frame, &hsv, gocv.ColorRGBToHSV)

	green := gocv.NewMat()
	defer green.Close()
	gocv.InRangeWithScalar(
		hsv,
		gocv.NewScalar(chromaKeyHueMin, chromaKeySatMin, chromaKeyValMin, 0),
		gocv.NewScalar(chromaKeyHueMax, 255, 255, 0),
		&green,
	)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.BitwiseXor(edges, green, &mask)
	gocv.BitwiseAnd(mask, green, &mask)
	gocv.Dilate(mask, &mask, kernel)
	gocv.BitwiseNot(mask, &mask)

	return mergeMask(img, mask.ToBytes()), nil
}
