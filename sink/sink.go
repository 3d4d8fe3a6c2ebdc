// sink.go defines the encoder collaborator contract consumed by the main loop.

// Package sink delivers composed pictures and mixed PCM to outputs:
// framed raw pipes, libav encoders and scaled sub-outputs.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaionaro-go/avdecorate/raster"
)

// ErrClosed is returned by writes issued after Close.
var ErrClosed = errors.New("sink is closed")

// Format is negotiated when a sink is opened and fixed thereafter.
type Format struct {
	Width    int
	Height   int
	Channels int
	FPS      float64

	// BitRate is in bits per second; zero lets the encoder choose.
	BitRate int64

	SampleRate    int
	AudioChannels int
	DisableAudio  bool
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%dx%d@%g %d/%d", f.Width, f.Height, f.Channels, f.FPS, f.SampleRate, f.AudioChannels)
}

// FrameSize is the size of one packed picture in bytes.
func (f Format) FrameSize() int {
	return f.Width * f.Height * f.Channels
}

// Sink consumes the composed output. Implementations are driven by a single
// goroutine and take ownership of the passed buffers.
type Sink interface {
	fmt.Stringer

	WriteVideo(ctx context.Context, frame *raster.Image) error

	// WriteAudio writes interleaved signed 16-bit little-endian PCM; productID
	// is the product active when the samples were mixed. pcm is not retained
	// after the call returns.
	WriteAudio(ctx context.Context, pcm []byte, productID int) error

	Close(ctx context.Context) error
}
