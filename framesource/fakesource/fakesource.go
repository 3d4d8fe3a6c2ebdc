// Package fakesource provides an in-memory framesource.Source producing
// synthetic pictures and PCM, for tests of the packages built on top of
// decode threads.
package fakesource

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/raster"
	"go.uber.org/atomic"
)

// Source produces Frames pictures filled with their own index and PCM
// whose every sample equals Sample. Frames < 0 never ends.
type Source struct {
	Location string
	Frames   int
	Sample   int16
	Product  int
	Spec     framesource.Info
	Channels int

	OpenErr error

	Opens  atomic.Int64
	Closes atomic.Int64

	produced  int
	audioSent int
	pcm       []byte
}

var _ framesource.Source = (*Source)(nil)

// New returns a 2x2 source at 25 fps with the audio format of cfg.
func New(url string, frames int, cfg framesource.Config) *Source {
	channels := cfg.Channels
	if channels == 0 {
		channels = raster.ChannelsOpaque
	}
	return &Source{
		Location: url,
		Frames:   frames,
		Sample:   1000,
		Channels: channels,
		Spec: framesource.Info{
			NativeWidth:   2,
			NativeHeight:  2,
			Width:         2,
			Height:        2,
			FPS:           25,
			HasVideo:      !cfg.DisableVideo,
			HasAudio:      !cfg.DisableAudio && cfg.SampleRate > 0 && cfg.AudioChannels > 0,
			SampleRate:    cfg.SampleRate,
			AudioChannels: cfg.AudioChannels,
		},
	}
}

func (s *Source) String() string { return fmt.Sprintf("fake(%s)", s.Location) }
func (s *Source) URL() string    { return s.Location }

func (s *Source) Open(context.Context) error {
	s.Opens.Inc()
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.produced = 0
	s.audioSent = 0
	s.pcm = nil
	return nil
}

func (s *Source) Close(context.Context) error {
	s.Closes.Inc()
	return nil
}

func (s *Source) Info() framesource.Info { return s.Spec }

func (s *Source) bytesPerFrame() float64 {
	return framesource.AudioPerFrame(s.Spec.SampleRate, s.Spec.AudioChannels, s.Spec.FPS)
}

// audioUpTo is the PCM byte count that accompanies the first n pictures.
func (s *Source) audioUpTo(n int) int {
	return framesource.EvenBytes(int(math.Round(float64(n) * s.bytesPerFrame())))
}

func (s *Source) samples(n int) []byte {
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		binary.LittleEndian.PutUint16(out[i:], uint16(s.Sample))
	}
	return out
}

func (s *Source) exhausted() bool {
	return s.Frames >= 0 && s.produced >= s.Frames
}

func (s *Source) ReadVideo(context.Context) (*raster.Image, error) {
	if !s.Spec.HasVideo || s.exhausted() {
		return nil, framesource.ErrEOF
	}
	img := raster.New(s.Spec.Width, s.Spec.Height, s.Channels)
	v := byte(s.produced)
	img.Fill(v, v, v, 0xff)
	s.produced++
	if s.Spec.HasAudio {
		n := s.audioUpTo(s.produced) - s.audioSent
		s.audioSent += n
		s.pcm = append(s.pcm, s.samples(n)...)
	}
	return img, nil
}

func (s *Source) ReadAudio(_ context.Context, maxBytes int) ([]byte, error) {
	if !s.Spec.HasAudio {
		return nil, nil
	}
	if !s.Spec.HasVideo {
		remaining := -1
		if s.Frames >= 0 {
			remaining = s.audioUpTo(s.Frames) - s.audioSent
			if remaining <= 0 {
				return nil, framesource.ErrEOF
			}
		}
		n := maxBytes
		if remaining >= 0 && n > remaining {
			n = remaining
		}
		s.audioSent += n
		return s.samples(n), nil
	}
	n := len(s.pcm)
	if maxBytes > 0 && maxBytes < n {
		n = maxBytes
	}
	out := append([]byte(nil), s.pcm[:n]...)
	s.pcm = s.pcm[n:]
	return out, nil
}

func (s *Source) PendingVideoFrames() int { return 0 }
func (s *Source) BufferedAudioBytes() int { return len(s.pcm) }
func (s *Source) ProductID() int          { return s.Product }
