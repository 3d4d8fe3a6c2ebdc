package compositor

import (
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avdecorate/raster"
)

func filled(w, h, channels int, r, g, b, a byte) *raster.Image {
	img := raster.New(w, h, channels)
	img.Fill(r, g, b, a)
	return img
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("#102030")
	require.NoError(t, err)
	require.Equal(t, Color{R: 0x10, G: 0x20, B: 0x30, A: 0xff}, c)

	c, err = ParseColor("10203040")
	require.NoError(t, err)
	require.Equal(t, Color{R: 0x10, G: 0x20, B: 0x30, A: 0x40}, c)

	_, err = ParseColor("#12345")
	require.Error(t, err)
	_, err = ParseColor("#zzzzzz")
	require.Error(t, err)
}

func TestBlendOutsideCanvasIsNoop(t *testing.T) {
	for _, channels := range []int{raster.ChannelsOpaque, raster.ChannelsAlpha} {
		canvas := filled(20, 10, channels, 1, 2, 3, 4)
		before := canvas.Clone()
		src := filled(5, 5, raster.ChannelsAlpha, 200, 200, 200, 128)
		for _, pos := range [][2]int{{20, 0}, {-5, 0}, {0, 10}, {0, -5}, {100, 100}, {-100, -100}} {
			Blend(canvas, src, pos[0], pos[1])
			require.Equal(t, before.Pix, canvas.Pix, "position %v", pos)
		}
	}
}

func TestBlendOpaqueCopyClipped(t *testing.T) {
	canvas := raster.New(4, 4, raster.ChannelsOpaque)
	src := filled(3, 3, raster.ChannelsOpaque, 9, 8, 7, 0)
	Blend(canvas, src, -1, 2)

	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			px := canvas.Pix[(y*4+x)*3 : (y*4+x)*3+3]
			if x < 2 && y >= 2 {
				require.Equal(t, []byte{9, 8, 7}, px, "(%d,%d)", x, y)
			} else {
				require.Equal(t, []byte{0, 0, 0}, px, "(%d,%d)", x, y)
			}
		}
	}
}

func TestBlendAlphaExtremes(t *testing.T) {
	canvas := filled(10, 10, raster.ChannelsAlpha, 10, 20, 30, 40)
	before := canvas.Clone()
	Blend(canvas, filled(10, 10, raster.ChannelsAlpha, 200, 100, 50, 0), 0, 0)
	require.Equal(t, before.Pix, canvas.Pix)

	Blend(canvas, filled(10, 10, raster.ChannelsAlpha, 200, 100, 50, 255), 0, 0)
	require.Equal(t, filled(10, 10, raster.ChannelsAlpha, 200, 100, 50, 255).Pix, canvas.Pix)
}

func TestBlendDestinationAlpha(t *testing.T) {
	canvas := filled(2, 2, raster.ChannelsAlpha, 0, 0, 0, 40)
	Blend(canvas, filled(2, 2, raster.ChannelsAlpha, 200, 100, 50, 128), 0, 0)
	for i := 0; i < 4; i++ {
		// 40*(1-128/255) + 128*128/255
		require.Equal(t, byte(84), canvas.Pix[i*4+3])
	}
}

func TestBlendHalfAlphaOverBlack(t *testing.T) {
	canvas := raster.New(10, 10, raster.ChannelsOpaque)
	src := filled(10, 10, raster.ChannelsAlpha, 200, 100, 51, 128)
	Blend(canvas, src, 0, 0)
	for i := 0; i < 100; i++ {
		px := canvas.Pix[i*3 : i*3+3]
		require.InDelta(t, 100, int(px[0]), 1)
		require.InDelta(t, 50, int(px[1]), 1)
		require.InDelta(t, 25, int(px[2]), 1)
	}
}

func TestBlendMaskMatchesAlpha(t *testing.T) {
	withAlpha := raster.New(3, 1, raster.ChannelsAlpha)
	copy(withAlpha.Pix, []byte{
		255, 0, 0, 0,
		0, 255, 0, 77,
		0, 0, 255, 255,
	})
	withMask := withAlpha.WithChannels(raster.ChannelsOpaque)
	require.NotNil(t, withMask.Mask)

	a := filled(3, 1, raster.ChannelsOpaque, 50, 60, 70, 0)
	b := a.Clone()
	Blend(a, withAlpha, 0, 0)
	Blend(b, withMask, 0, 0)
	require.Equal(t, a.Pix, b.Pix)
	require.Equal(t, []byte{50, 60, 70}, a.Pix[0:3])
	require.Equal(t, []byte{0, 0, 255}, a.Pix[6:9])
}

func TestRotatedBounds(t *testing.T) {
	for _, deg := range []int{0, 180, 360, -180} {
		w, h := RotatedBounds(40, 30, deg)
		require.Equal(t, [2]int{40, 30}, [2]int{w, h}, "degrees %d", deg)
	}
	for _, deg := range []int{90, 270, -90} {
		w, h := RotatedBounds(40, 30, deg)
		require.Equal(t, [2]int{30, 40}, [2]int{w, h}, "degrees %d", deg)
	}
	w, h := RotatedBounds(100, 100, 45)
	require.Equal(t, 142, w)
	require.Equal(t, 142, h)
}

func TestRotateRightAngles(t *testing.T) {
	// 2x1: red, green
	img := raster.New(2, 1, raster.ChannelsOpaque)
	copy(img.Pix, []byte{255, 0, 0, 0, 255, 0})

	out, x, y := Rotate(img, 10, 10, 90)
	require.Equal(t, 1, out.Width)
	require.Equal(t, 2, out.Height)
	require.Equal(t, []byte{255, 0, 0, 0, 255, 0}, out.Pix)
	require.Equal(t, 10, x)
	require.Equal(t, 10, y)

	out, _, _ = Rotate(img, 0, 0, 180)
	require.Equal(t, []byte{0, 255, 0, 255, 0, 0}, out.Pix)

	out, _, _ = Rotate(img, 0, 0, 270)
	require.Equal(t, 1, out.Width)
	require.Equal(t, []byte{0, 255, 0, 255, 0, 0}, out.Pix)

	same, x, y := Rotate(img, 3, 4, 360)
	require.Same(t, img, same)
	require.Equal(t, 3, x)
	require.Equal(t, 4, y)
}

func TestRotateArbitraryAngle(t *testing.T) {
	img := filled(100, 100, raster.ChannelsOpaque, 10, 20, 30, 0)
	out, x, y := Rotate(img, 50, 50, 45)
	require.Equal(t, 142, out.Width)
	require.Equal(t, 142, out.Height)
	require.True(t, out.HasAlpha())
	require.Equal(t, 29, x)
	require.Equal(t, 29, y)

	center := (71*142 + 71) * 4
	require.Equal(t, []byte{10, 20, 30, 255}, out.Pix[center:center+4])
	require.Equal(t, byte(0), out.Pix[3], "corners are transparent")
}

func TestApplyOpacity(t *testing.T) {
	opaque := filled(2, 2, raster.ChannelsOpaque, 1, 2, 3, 0)
	out := ApplyOpacity(opaque, 50)
	require.Nil(t, opaque.Mask)
	require.Equal(t, []byte{127, 127, 127, 127}, out.Mask)

	withAlpha := filled(2, 2, raster.ChannelsAlpha, 1, 2, 3, 200)
	out = ApplyOpacity(withAlpha, 50)
	require.Equal(t, byte(100), out.Pix[3])
	require.Equal(t, byte(200), withAlpha.Pix[3])

	require.Same(t, opaque, ApplyOpacity(opaque, 100))
	require.Same(t, opaque, ApplyOpacity(opaque, 0))
}

func TestResize(t *testing.T) {
	img := filled(4, 2, raster.ChannelsOpaque, 100, 100, 100, 0)
	out := Resize(img, 8, 4, imaging.Linear)
	require.Equal(t, 8, out.Width)
	require.Equal(t, 4, out.Height)
	require.Equal(t, raster.ChannelsOpaque, out.Channels)
	require.Nil(t, out.Mask)
	require.Equal(t, byte(100), out.Pix[0])

	require.Same(t, img, Resize(img, 4, 2, imaging.Linear))
}

func TestDrawReturnsCoveredRect(t *testing.T) {
	canvas := raster.New(200, 200, raster.ChannelsOpaque)
	frame := filled(10, 10, raster.ChannelsOpaque, 255, 255, 255, 0)
	r := Draw(canvas, frame, Placement{Rect: Rect{X: 10, Y: 20, Width: 100, Height: 50}, Rotation: 90})
	require.Equal(t, Rect{X: 35, Y: -5, Width: 50, Height: 100}, r)
}

func TestUnpackAlpha(t *testing.T) {
	img := raster.New(2, 1, raster.ChannelsOpaque)
	copy(img.Pix, []byte{10, 20, 30, 255, 255, 255})
	out := UnpackAlpha(img, PackedAlphaRight)
	require.Equal(t, 1, out.Width)
	require.Equal(t, []byte{10, 20, 30}, out.Pix)
	require.Equal(t, []byte{255}, out.Mask)

	layout, err := ParsePackedAlpha("Bottom")
	require.NoError(t, err)
	require.Equal(t, PackedAlphaBottom, layout)
	_, err = ParsePackedAlpha("diagonal")
	require.Error(t, err)
}

func TestChromaKeyRemovesGreen(t *testing.T) {
	img := raster.New(20, 20, raster.ChannelsOpaque)
	for i := 0; i < 400; i++ {
		copy(img.Pix[i*3:], []byte{0, 255, 0})
	}
	out, err := ChromaKey(img)
	require.NoError(t, err)
	require.NotNil(t, out.Mask)
	require.Equal(t, byte(0), out.Mask[10*20+10])
}
