package textrender

import (
	"context"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderProducesVisibleText(t *testing.T) {
	ctx := context.Background()
	r := New(t.TempDir())
	img, err := r.Render(ctx, "Hello", Style{
		Size:  32,
		Color: color.NRGBA{R: 255, G: 255, B: 255, A: 255},
	})
	require.NoError(t, err)
	require.True(t, img.HasAlpha())
	require.Greater(t, img.Width, 32)
	require.Greater(t, img.Height, 16)

	var opaque int
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] == 255 {
			opaque++
		}
	}
	require.Greater(t, opaque, 0)
	require.Equal(t, byte(0), img.Pix[3], "the top-left padding is transparent")
}

func TestRenderIsCached(t *testing.T) {
	ctx := context.Background()
	r := New(t.TempDir())
	style := Style{Size: 20, Color: color.NRGBA{A: 255}}
	a, err := r.Render(ctx, "cached", style)
	require.NoError(t, err)
	b, err := r.Render(ctx, "cached", style)
	require.NoError(t, err)
	require.Same(t, a, b)

	c, err := r.Render(ctx, "cached", Style{Size: 21, Color: color.NRGBA{A: 255}})
	require.NoError(t, err)
	require.NotSame(t, a, c)
}

func TestRenderWrapsWords(t *testing.T) {
	ctx := context.Background()
	r := New(t.TempDir())
	text := "the quick brown fox jumps over the lazy dog"
	single, err := r.Render(ctx, text, Style{Size: 20, Color: color.NRGBA{A: 255}})
	require.NoError(t, err)
	wrapped, err := r.Render(ctx, text, Style{Size: 20, Color: color.NRGBA{A: 255}, Wrap: WrapWord, MaxWidth: 120})
	require.NoError(t, err)
	require.LessOrEqual(t, wrapped.Width, 120)
	require.Greater(t, wrapped.Height, single.Height)
}

func TestRenderCropsToMaxWidth(t *testing.T) {
	ctx := context.Background()
	r := New(t.TempDir())
	img, err := r.Render(ctx, "a very long line that does not fit", Style{Size: 30, Color: color.NRGBA{A: 255}, MaxWidth: 50})
	require.NoError(t, err)
	require.Equal(t, 50, img.Width)
}

func TestRenderOutline(t *testing.T) {
	ctx := context.Background()
	r := New(t.TempDir())
	plain, err := r.Render(ctx, "O", Style{Size: 30, Color: color.NRGBA{R: 255, A: 255}})
	require.NoError(t, err)
	outlined, err := r.Render(ctx, "O", Style{
		Size:         30,
		Color:        color.NRGBA{R: 255, A: 255},
		OutlineSize:  2,
		OutlineColor: color.NRGBA{B: 255, A: 255},
	})
	require.NoError(t, err)
	require.Equal(t, plain.Width+4, outlined.Width)
}

func TestMissingFontFallsBack(t *testing.T) {
	ctx := context.Background()
	l := NewFontLoader(t.TempDir())
	f, err := l.Load(ctx, "no-such-font")
	require.NoError(t, err)
	require.NotNil(t, f)
}
