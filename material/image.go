package material

import (
	"context"
	"fmt"

	"github.com/disintegration/imaging"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/raster"
)

// Still shows one picture for as long as it is live.
type Still struct {
	Image *raster.Image
}

var _ Variant = (*Still)(nil)

func (v *Still) Open(ctx context.Context, m *Material, env *Env) error {
	img, err := loadImage(m.Path())
	if err == nil {
		v.Image = img
		return nil
	}
	logger.Debugf(ctx, "unable to load '%s' as a still image, trying it as an animation: %v", m.Path(), err)
	frames, _, gifErr := loadGIF(m.Path())
	if gifErr != nil {
		return fmt.Errorf("unable to load the image '%s': %w", m.Path(), err)
	}
	v.Image = frames[0]
	return nil
}

func (v *Still) NextFrame(ctx context.Context, ts float64) (*raster.Image, error) {
	return v.Image, nil
}

func (v *Still) Close(ctx context.Context) error {
	v.Image = nil
	return nil
}

func loadImage(path string) (*raster.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	return dropOpaqueAlpha(raster.FromImage(img)), nil
}

// dropOpaqueAlpha converts a fully opaque RGBA image into RGB so it is
// copied rather than blended.
func dropOpaqueAlpha(img *raster.Image) *raster.Image {
	if !img.HasAlpha() {
		return img
	}
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0xff {
			return img
		}
	}
	out := img.WithChannels(raster.ChannelsOpaque)
	out.Mask = nil
	return out
}
