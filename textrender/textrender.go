// textrender.go implements the text rasterizer used by text, time and subtitle materials.

// Package textrender rasterizes text into RGBA bitmaps.
package textrender

import (
	"context"
	"fmt"
	"image/color"
	"math"
	"strings"
	"time"

	"github.com/anthonynsimon/bild/blur"
	"github.com/fogleman/gg"
	"github.com/patrickmn/go-cache"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/raster"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
)

type WrapMode int

const (
	// WrapCrop renders a single line and crops what does not fit.
	WrapCrop = WrapMode(iota)

	// WrapWord breaks lines between words to fit MaxWidth.
	WrapWord
)

const (
	DefaultMaxWidth      = 2400
	DefaultMaxHeightCrop = 240
	DefaultMaxHeightWrap = 800
	DefaultSize          = 24
	lineSpacing          = 1.2
	padding              = 4
)

type Style struct {
	// Font is a font file path or a name resolved in the font directories;
	// empty selects the built-in Go Regular font.
	Font string
	Size float64

	Color        color.NRGBA
	OutlineSize  int
	OutlineColor color.NRGBA

	Wrap      WrapMode
	MaxWidth  int
	MaxHeight int
}

func (s Style) key(text string) string {
	return fmt.Sprintf("%s\x00%s\x00%v\x00%v\x00%d\x00%v\x00%d\x00%d\x00%d",
		text, s.Font, s.Size, s.Color, s.OutlineSize, s.OutlineColor, s.Wrap, s.MaxWidth, s.MaxHeight)
}

func (s Style) withDefaults() Style {
	if s.Size <= 0 {
		s.Size = DefaultSize
	}
	if s.MaxWidth <= 0 {
		s.MaxWidth = DefaultMaxWidth
	}
	if s.MaxHeight <= 0 {
		s.MaxHeight = DefaultMaxHeightCrop
		if s.Wrap == WrapWord {
			s.MaxHeight = DefaultMaxHeightWrap
		}
	}
	return s
}

type Renderer struct {
	fonts  *FontLoader
	bitmap *cache.Cache
}

func New(fontDirs ...string) *Renderer {
	return &Renderer{
		fonts:  NewFontLoader(fontDirs...),
		bitmap: cache.New(time.Minute, 5*time.Minute),
	}
}

// Render returns the text rasterized as a 4-channel image cropped to
// the text extent.
func (r *Renderer) Render(
	ctx context.Context,
	text string,
	style Style,
) (_ret *raster.Image, _err error) {
	style = style.withDefaults()
	key := style.key(text)
	if cached, ok := r.bitmap.Get(key); ok {
		return cached.(*raster.Image), nil
	}
	logger.Tracef(ctx, "Render(%q)", text)
	defer func() { logger.Tracef(ctx, "/Render(%q): %v %v", text, _ret, _err) }()

	f, err := r.fonts.Load(ctx, style.Font)
	if err != nil {
		return nil, fmt.Errorf("unable to load font '%s': %w", style.Font, err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    style.Size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create a font face of size %v: %w", style.Size, err)
	}
	defer face.Close()

	img := draw(face, text, style)
	r.bitmap.Set(key, img, cache.DefaultExpiration)
	return img, nil
}

func layout(dc *gg.Context, text string, style Style) []string {
	margin := float64(2 * (padding + style.OutlineSize))
	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		if style.Wrap != WrapWord {
			lines = append(lines, paragraph)
			continue
		}
		wrapped := dc.WordWrap(paragraph, float64(style.MaxWidth)-margin)
		if len(wrapped) == 0 {
			wrapped = []string{""}
		}
		lines = append(lines, wrapped...)
	}
	if style.Wrap != WrapWord && len(lines) > 1 {
		lines = lines[:1]
	}
	return lines
}

func draw(face font.Face, text string, style Style) *raster.Image {
	measure := gg.NewContext(1, 1)
	measure.SetFontFace(face)
	lines := layout(measure, text, style)

	lineHeight := measure.FontHeight() * lineSpacing
	var textWidth float64
	for _, line := range lines {
		w, _ := measure.MeasureString(line)
		textWidth = math.Max(textWidth, w)
	}
	margin := padding + style.OutlineSize
	width := min(int(math.Ceil(textWidth))+2*margin, style.MaxWidth)
	height := min(int(math.Ceil(lineHeight*float64(len(lines))))+2*margin, style.MaxHeight)
	if width <= 0 || height <= 0 {
		return raster.New(0, 0, raster.ChannelsAlpha)
	}
	ascent := float64(face.Metrics().Ascent.Ceil())

	drawLines := func(dc *gg.Context, dx, dy float64) {
		for idx, line := range lines {
			dc.DrawString(line, float64(margin)+dx, float64(margin)+ascent+float64(idx)*lineHeight+dy)
		}
	}

	dc := gg.NewContext(width, height)
	dc.SetFontFace(face)
	if style.OutlineSize > 0 && style.OutlineColor.A > 0 {
		halo := gg.NewContext(width, height)
		halo.SetFontFace(face)
		halo.SetColor(style.OutlineColor)
		o := style.OutlineSize
		for dy := -o; dy <= o; dy++ {
			for dx := -o; dx <= o; dx++ {
				if dx*dx+dy*dy > o*o {
					continue
				}
				drawLines(halo, float64(dx), float64(dy))
			}
		}
		dc.DrawImage(blur.Gaussian(halo.Image(), 0.5), 0, 0)
	}
	dc.SetColor(style.Color)
	drawLines(dc, 0, 0)
	return raster.FromImage(dc.Image())
}
