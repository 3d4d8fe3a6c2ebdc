package decodecache

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/raster"
	"go.uber.org/atomic"
)

type fakeSource struct {
	url       string
	frames    int
	info      framesource.Info
	failAfter int
	// audioFrames, if positive, is how many pictures carry audio.
	audioFrames int
	failErr   error

	opens  atomic.Int64
	closes atomic.Int64

	produced int
	pcm      []byte
	audioOut int
}

var _ framesource.Source = (*fakeSource)(nil)

func newFakeSource(url string, frames int, hasVideo, hasAudio bool) *fakeSource {
	return &fakeSource{
		url:    url,
		frames: frames,
		info: framesource.Info{
			NativeWidth:   2,
			NativeHeight:  2,
			Width:         2,
			Height:        2,
			FPS:           25,
			HasVideo:      hasVideo,
			HasAudio:      hasAudio,
			SampleRate:    8000,
			AudioChannels: 1,
		},
	}
}

// bytesPerFrame is 8000 Hz * 2 bytes * 1 channel / 25 fps.
const bytesPerFrame = 640

func (s *fakeSource) String() string { return fmt.Sprintf("fake(%s)", s.url) }
func (s *fakeSource) URL() string    { return s.url }

func (s *fakeSource) Open(context.Context) error {
	s.opens.Inc()
	s.produced = 0
	s.audioOut = 0
	s.pcm = nil
	return nil
}

func (s *fakeSource) Close(context.Context) error {
	s.closes.Inc()
	return nil
}

func (s *fakeSource) Info() framesource.Info { return s.info }

func (s *fakeSource) ReadVideo(context.Context) (*raster.Image, error) {
	if s.failErr != nil && s.produced >= s.failAfter {
		return nil, s.failErr
	}
	if !s.info.HasVideo || s.produced >= s.frames {
		return nil, framesource.ErrEOF
	}
	img := raster.New(2, 2, raster.ChannelsOpaque)
	img.Pix[0] = byte(s.produced)
	s.produced++
	if s.info.HasAudio && (s.audioFrames <= 0 || s.produced <= s.audioFrames) {
		chunk := make([]byte, bytesPerFrame)
		chunk[0] = byte(s.produced)
		s.pcm = append(s.pcm, chunk...)
	}
	return img, nil
}

func (s *fakeSource) ReadAudio(_ context.Context, maxBytes int) ([]byte, error) {
	if !s.info.HasAudio {
		return nil, nil
	}
	if !s.info.HasVideo {
		remaining := s.frames*bytesPerFrame - s.audioOut
		if remaining <= 0 {
			return nil, framesource.ErrEOF
		}
		n := maxBytes
		if n > remaining {
			n = remaining
		}
		s.audioOut += n
		return make([]byte, n), nil
	}
	if s.audioFrames > 0 && s.produced > s.audioFrames && len(s.pcm) == 0 {
		return nil, framesource.ErrEOF
	}
	n := len(s.pcm)
	if maxBytes > 0 && maxBytes < n {
		n = maxBytes
	}
	out := append([]byte(nil), s.pcm[:n]...)
	s.pcm = s.pcm[n:]
	return out, nil
}

func (s *fakeSource) PendingVideoFrames() int { return 0 }
func (s *fakeSource) BufferedAudioBytes() int { return len(s.pcm) }
func (s *fakeSource) ProductID() int          { return 7 }
