// raster.go defines the pixel buffer exchanged between decoders, materials and the compositor.

// Package raster provides the interleaved 8-bit pixel buffer used on the canvas.
package raster

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

const (
	ChannelsOpaque = 3
	ChannelsAlpha  = 4
)

// Image is an interleaved 8-bit RGB (3 channels) or RGBA (4 channels,
// straight alpha) buffer. Mask, if set, is a single-channel alpha plane
// aligned with an opaque image.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
	Mask     []byte
}

func New(width, height, channels int) *Image {
	return &Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]byte, width*height*channels),
	}
}

func (img *Image) String() string {
	if img == nil {
		return "Image<nil>"
	}
	return fmt.Sprintf("Image<%dx%dx%d mask:%t>", img.Width, img.Height, img.Channels, img.Mask != nil)
}

func (img *Image) Stride() int {
	return img.Width * img.Channels
}

func (img *Image) HasAlpha() bool {
	return img.Channels == ChannelsAlpha
}

func (img *Image) IsEmpty() bool {
	return img == nil || img.Width <= 0 || img.Height <= 0
}

// Validate checks that the buffers match the declared geometry.
func (img *Image) Validate() error {
	switch img.Channels {
	case ChannelsOpaque, ChannelsAlpha:
	default:
		return fmt.Errorf("unsupported amount of channels: %d", img.Channels)
	}
	if len(img.Pix) < img.Width*img.Height*img.Channels {
		return fmt.Errorf("pixel buffer is too short: %d < %d", len(img.Pix), img.Width*img.Height*img.Channels)
	}
	if img.Mask != nil && len(img.Mask) < img.Width*img.Height {
		return fmt.Errorf("mask is too short: %d < %d", len(img.Mask), img.Width*img.Height)
	}
	return nil
}

func (img *Image) Clone() *Image {
	if img == nil {
		return nil
	}
	c := &Image{
		Width:    img.Width,
		Height:   img.Height,
		Channels: img.Channels,
		Pix:      append([]byte(nil), img.Pix...),
	}
	if img.Mask != nil {
		c.Mask = append([]byte(nil), img.Mask...)
	}
	return c
}

// Fill sets every pixel to the given color; alpha is ignored for opaque images.
func (img *Image) Fill(r, g, b, a byte) {
	px := [4]byte{r, g, b, a}
	ch := img.Channels
	for off := 0; off+ch <= len(img.Pix); off += ch {
		copy(img.Pix[off:off+ch], px[:ch])
	}
}

// ToNRGBA converts the image into the standard library representation;
// an opaque image takes its alpha from Mask (or 255 without one).
func (img *Image) ToNRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	if img.Channels == ChannelsAlpha {
		for y := 0; y < img.Height; y++ {
			copy(out.Pix[y*out.Stride:y*out.Stride+img.Width*4], img.Pix[y*img.Stride():])
		}
		return out
	}
	for y := 0; y < img.Height; y++ {
		src := img.Pix[y*img.Stride():]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < img.Width; x++ {
			dst[x*4+0] = src[x*3+0]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			if img.Mask != nil {
				dst[x*4+3] = img.Mask[y*img.Width+x]
			} else {
				dst[x*4+3] = 0xff
			}
		}
	}
	return out
}

// FromImage converts any image into a 4-channel Image.
func FromImage(src image.Image) *Image {
	nrgba, ok := src.(*image.NRGBA)
	if !ok || nrgba.Rect.Min != (image.Point{}) {
		nrgba = imaging.Clone(src)
	}
	b := nrgba.Bounds()
	out := New(b.Dx(), b.Dy(), ChannelsAlpha)
	for y := 0; y < out.Height; y++ {
		copy(out.Pix[y*out.Stride():(y+1)*out.Stride()], nrgba.Pix[y*nrgba.Stride:])
	}
	return out
}

// WithChannels returns the image converted to the requested channel count.
// Dropping alpha moves it into Mask so no information is lost.
func (img *Image) WithChannels(channels int) *Image {
	if img.Channels == channels {
		return img
	}
	out := New(img.Width, img.Height, channels)
	n := img.Width * img.Height
	switch {
	case img.Channels == ChannelsAlpha && channels == ChannelsOpaque:
		out.Mask = make([]byte, n)
		for i := 0; i < n; i++ {
			copy(out.Pix[i*3:i*3+3], img.Pix[i*4:i*4+3])
			out.Mask[i] = img.Pix[i*4+3]
		}
	case img.Channels == ChannelsOpaque && channels == ChannelsAlpha:
		for i := 0; i < n; i++ {
			copy(out.Pix[i*4:i*4+3], img.Pix[i*3:i*3+3])
			if img.Mask != nil {
				out.Pix[i*4+3] = img.Mask[i]
			} else {
				out.Pix[i*4+3] = 0xff
			}
		}
	}
	return out
}
