// framesource.go defines the decoder collaborator contract used by decode threads.

// Package framesource defines how a single media source is opened and read
// as raw pixel buffers and interleaved signed 16-bit PCM.
package framesource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xaionaro-go/avdecorate/raster"
)

// ErrEOF is returned when the source has no more data to produce.
var ErrEOF = errors.New("end of stream")

// AudioDelta is the amount of bytes a buffered PCM read may fall short of
// the requested size and still be served without decoding more packets.
const AudioDelta = 64

// DefaultFPS is assumed for sources that do not report a frame rate.
const DefaultFPS = 25.0

// Config is negotiated when a source is opened and fixed thereafter.
type Config struct {
	// Width and Height are the requested output geometry; zero keeps the native size.
	Width  int
	Height int

	// Channels is the pixel layout of produced images: 3 (RGB) or 4 (RGBA).
	Channels int

	SampleRate    int
	AudioChannels int

	DisableVideo bool
	DisableAudio bool
}

type Info struct {
	NativeWidth  int
	NativeHeight int
	Width        int
	Height       int

	// FPS is zero when unknown.
	FPS float64

	// Rotation is the display rotation in degrees stored in the container metadata.
	Rotation int

	Duration time.Duration

	HasVideo bool
	HasAudio bool

	SampleRate    int
	AudioChannels int
}

// EffectiveFPS returns FPS, or DefaultFPS if it is unknown.
func (i Info) EffectiveFPS() float64 {
	if i.FPS < 1 {
		return DefaultFPS
	}
	return i.FPS
}

// BytesPerSecond is the PCM byte rate of the negotiated audio format.
func (i Info) BytesPerSecond() int {
	return i.SampleRate * 2 * i.AudioChannels
}

// Source is one physical media source. It is not safe for concurrent use:
// it is driven by exactly one decode thread.
type Source interface {
	fmt.Stringer

	URL() string
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Info() Info

	// ReadVideo returns the next decoded picture; audio decoded on the way
	// is kept in the PCM buffer.
	ReadVideo(ctx context.Context) (*raster.Image, error)

	// ReadAudio returns up to maxBytes of PCM, decoding more packets only if
	// less than maxBytes-AudioDelta is buffered. maxBytes == 0 returns
	// whatever is buffered without decoding.
	ReadAudio(ctx context.Context, maxBytes int) ([]byte, error)

	// PendingVideoFrames is the amount of pictures decoded while filling the
	// PCM buffer and not yet returned by ReadVideo.
	PendingVideoFrames() int
	BufferedAudioBytes() int

	// ProductID is the product tag last seen in-band, 0 if none.
	ProductID() int
}

// Reopen closes and opens the source again, rewinding files and
// reconnecting live pulls.
func Reopen(ctx context.Context, src Source) error {
	if err := src.Close(ctx); err != nil {
		return fmt.Errorf("unable to close '%s': %w", src, err)
	}
	if err := src.Open(ctx); err != nil {
		return fmt.Errorf("unable to reopen '%s': %w", src, err)
	}
	return nil
}

var liveSchemes = []string{"rtmp://", "rtmps://", "rtsp://", "srt://"}

// IsLiveURL reports whether the URL is a live pull that should be
// reconnected with a fixed backoff instead of rewound.
func IsLiveURL(url string) bool {
	lower := strings.ToLower(url)
	for _, scheme := range liveSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// IsSharedMemoryURL reports whether the URL is a shared-memory raw input,
// which is inherently latent and allowed to block the main loop.
func IsSharedMemoryURL(url string) bool {
	return strings.HasPrefix(strings.ToLower(url), "shm://")
}

// IsRawURL reports whether the URL carries raw-media framing rather than a container.
func IsRawURL(url string) bool {
	lower := strings.ToLower(url)
	return strings.HasPrefix(lower, "raw://") || strings.HasPrefix(lower, "shm://")
}

// AudioPerFrame is the PCM byte count that corresponds to one frame at fps.
func AudioPerFrame(sampleRate, channels int, fps float64) float64 {
	if fps < 1 {
		fps = DefaultFPS
	}
	return float64(sampleRate*2*channels) / fps
}

// EvenBytes rounds a byte count up to a whole 16-bit sample.
func EvenBytes(n int) int {
	if n&1 != 0 {
		n++
	}
	return n
}
