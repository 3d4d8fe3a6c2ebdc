package compositor

import (
	"github.com/disintegration/imaging"
	"github.com/xaionaro-go/avdecorate/raster"
)

// ResizeFilter selects the imaging resampling filter by name:
// "fast" (nearest neighbor), "quality" (Lanczos) or anything else (linear).
func ResizeFilter(name string) imaging.ResampleFilter {
	switch name {
	case "fast":
		return imaging.NearestNeighbor
	case "quality":
		return imaging.Lanczos
	default:
		return imaging.Linear
	}
}

// Resize scales img to width×height; a zero dimension keeps the aspect ratio.
func Resize(img *raster.Image, width, height int, filter imaging.ResampleFilter) *raster.Image {
	if img.IsEmpty() || (width == 0 && height == 0) || (width == img.Width && height == img.Height) {
		return img
	}
	resized := raster.FromImage(imaging.Resize(img.ToNRGBA(), width, height, filter))
	if img.HasAlpha() {
		return resized
	}
	out := resized.WithChannels(raster.ChannelsOpaque)
	if img.Mask == nil {
		out.Mask = nil
	}
	return out
}
