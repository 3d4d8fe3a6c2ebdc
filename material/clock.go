package material

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/avdecorate/compositor"
	"github.com/xaionaro-go/avdecorate/raster"
)

const clockStep = 1000

// Clock draws an analog clock from a face and three hands, each hand
// drawn pointing at twelve and rotated about the center of the face.
type Clock struct {
	Face  *raster.Image
	Hands [3]*raster.Image

	env    *Env
	frame  *raster.Image
	cursor *Cursor
}

var _ Variant = (*Clock)(nil)

func (v *Clock) Open(ctx context.Context, m *Material, env *Env) error {
	if len(m.Paths) != clockHandCount {
		return fmt.Errorf("a clock needs %d images, got %d", clockHandCount, len(m.Paths))
	}
	face, err := loadImage(m.Paths[0])
	if err != nil {
		return fmt.Errorf("unable to load the clock face '%s': %w", m.Paths[0], err)
	}
	v.Face = face.WithChannels(raster.ChannelsAlpha)
	for i, path := range m.Paths[1:] {
		hand, err := loadImage(path)
		if err != nil {
			return fmt.Errorf("unable to load the clock hand '%s': %w", path, err)
		}
		v.Hands[i] = hand
	}
	v.env = env
	v.cursor = NewCursor(clockStep)
	return nil
}

// HandAngles returns the hour, minute and second hand angles in degrees.
func HandAngles(hour, minute, second int) [3]int {
	return [3]int{
		(hour%12)*30 + minute/2,
		minute*6 + second/10,
		second * 6,
	}
}

func (v *Clock) draw() *raster.Image {
	now := v.env.now()
	angles := HandAngles(now.Hour(), now.Minute(), now.Second())
	canvas := v.Face.Clone()
	for i, hand := range v.Hands {
		rotated, _, _ := compositor.Rotate(hand, 0, 0, angles[i])
		x := (canvas.Width - rotated.Width) / 2
		y := (canvas.Height - rotated.Height) / 2
		compositor.Blend(canvas, rotated, x, y)
	}
	return canvas
}

func (v *Clock) NextFrame(ctx context.Context, ts float64) (*raster.Image, error) {
	if v.Face == nil {
		return nil, nil
	}
	v.cursor.Seek(ts, func() bool {
		v.frame = v.draw()
		return true
	})
	return v.frame, nil
}

func (v *Clock) Close(ctx context.Context) error {
	v.Face = nil
	v.frame = nil
	return nil
}
