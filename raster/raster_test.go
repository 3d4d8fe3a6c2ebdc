package raster

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelConversionsKeepAlpha(t *testing.T) {
	img := New(2, 1, ChannelsAlpha)
	copy(img.Pix, []byte{1, 2, 3, 40, 5, 6, 7, 80})

	opaque := img.WithChannels(ChannelsOpaque)
	require.Equal(t, []byte{1, 2, 3, 5, 6, 7}, opaque.Pix)
	require.Equal(t, []byte{40, 80}, opaque.Mask)

	back := opaque.WithChannels(ChannelsAlpha)
	require.Equal(t, img.Pix, back.Pix)
}

func TestNRGBARoundTrip(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	src.SetNRGBA(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 128})
	img := FromImage(src)
	require.NoError(t, img.Validate())
	require.Equal(t, 3, img.Width)
	require.Equal(t, 2, img.Height)
	off := (1*3 + 1) * 4
	require.Equal(t, []byte{10, 20, 30, 128}, img.Pix[off:off+4])
	require.Equal(t, src.Pix, img.ToNRGBA().Pix)
}

func TestFill(t *testing.T) {
	img := New(2, 2, ChannelsOpaque)
	img.Fill(9, 8, 7, 6)
	for i := 0; i < len(img.Pix); i += 3 {
		require.Equal(t, []byte{9, 8, 7}, img.Pix[i:i+3])
	}
}
