package compositor

import (
	"github.com/xaionaro-go/avdecorate/raster"
)

// Green screen range in OpenCV HSV units (H in 0..180).
const (
	chromaKeyHueMin = 45
	chromaKeyHueMax = 75
	chromaKeySatMin = 50
	chromaKeyValMin = 50
)

// mergeMask multiplies an existing mask of img into the keyed mask.
func mergeMask(img *raster.Image, keyed []byte) *raster.Image {
	out := img.WithChannels(raster.ChannelsOpaque)
	if out == img {
		out = img.Clone()
	}
	if out.Mask == nil {
		out.Mask = keyed
		return out
	}
	for i := range out.Mask {
		out.Mask[i] = byte(int(out.Mask[i]) * int(keyed[i]) / 255)
	}
	return out
}
