// rawpipe.go implements a FrameSource over a framed raw media pipe.

// Package rawpipe reads raw RGB(A) pictures and PCM from a FIFO, file or
// shared-memory path using the raw media framing.
package rawpipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/rawmedia"
	"github.com/xaionaro-go/avdecorate/raster"
)

// SharedMemoryDir is where shm://<name> inputs are looked up.
var SharedMemoryDir = "/dev/shm"

// Params describe the raw stream; they cannot be probed and come from the URL query:
// raw:///path?width=W&height=H&channels=3&fps=25&rate=16000&ac=1
type Params struct {
	Path          string
	Width         int
	Height        int
	Channels      int
	FPS           float64
	SampleRate    int
	AudioChannels int
}

func ParseURL(rawURL string) (Params, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Params{}, fmt.Errorf("unable to parse '%s': %w", rawURL, err)
	}
	p := Params{Channels: raster.ChannelsOpaque}
	switch strings.ToLower(u.Scheme) {
	case "raw":
		p.Path = u.Host + u.Path
	case "shm":
		p.Path = filepath.Join(SharedMemoryDir, u.Host+u.Path)
	default:
		return Params{}, fmt.Errorf("unsupported scheme '%s'", u.Scheme)
	}
	if p.Path == "" {
		return Params{}, fmt.Errorf("empty path in '%s'", rawURL)
	}
	q := u.Query()
	intParams := map[string]*int{
		"width":    &p.Width,
		"height":   &p.Height,
		"channels": &p.Channels,
		"rate":     &p.SampleRate,
		"ac":       &p.AudioChannels,
	}
	for key, dst := range intParams {
		if s := q.Get(key); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 0 {
				return Params{}, fmt.Errorf("invalid '%s' value '%s'", key, s)
			}
			*dst = v
		}
	}
	if s := q.Get("fps"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 {
			return Params{}, fmt.Errorf("invalid 'fps' value '%s'", s)
		}
		p.FPS = v
	}
	if p.Channels != raster.ChannelsOpaque && p.Channels != raster.ChannelsAlpha {
		return Params{}, fmt.Errorf("invalid channels %d", p.Channels)
	}
	if (p.Width == 0) != (p.Height == 0) {
		return Params{}, fmt.Errorf("width and height must be set together")
	}
	return p, nil
}

func (p Params) frameSize() int {
	return p.Width * p.Height * p.Channels
}

type Source struct {
	url    string
	params Params
	config framesource.Config

	file      io.ReadCloser
	reader    *rawmedia.Reader
	pcm       []byte
	pending   []*raster.Image
	productID int
}

var _ framesource.Source = (*Source)(nil)

func New(rawURL string, cfg framesource.Config) (*Source, error) {
	params, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &Source{
		url:    rawURL,
		params: params,
		config: cfg,
	}, nil
}

func (s *Source) String() string {
	return fmt.Sprintf("RawPipe(%s)", s.params.Path)
}

func (s *Source) URL() string {
	return s.url
}

func (s *Source) hasVideo() bool {
	return s.params.Width > 0 && !s.config.DisableVideo
}

func (s *Source) hasAudio() bool {
	return s.params.SampleRate > 0 && s.params.AudioChannels > 0 && !s.config.DisableAudio
}

func (s *Source) Info() framesource.Info {
	return framesource.Info{
		NativeWidth:   s.params.Width,
		NativeHeight:  s.params.Height,
		Width:         s.params.Width,
		Height:        s.params.Height,
		FPS:           s.params.FPS,
		HasVideo:      s.hasVideo(),
		HasAudio:      s.hasAudio(),
		SampleRate:    s.params.SampleRate,
		AudioChannels: s.params.AudioChannels,
	}
}

func (s *Source) Open(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Open: %s", s.params.Path)
	defer func() { logger.Debugf(ctx, "/Open: %s: %v", s.params.Path, _err) }()
	if s.file != nil {
		return fmt.Errorf("'%s' is already open", s.params.Path)
	}
	f, err := os.Open(s.params.Path)
	if err != nil {
		return fmt.Errorf("unable to open '%s': %w", s.params.Path, err)
	}
	s.file = f
	s.reader = rawmedia.NewReader(f)
	return nil
}

func (s *Source) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close: %s", s.params.Path)
	defer func() { logger.Debugf(ctx, "/Close: %s: %v", s.params.Path, _err) }()
	s.pcm = s.pcm[:0]
	s.pending = nil
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.reader = nil, nil
	return err
}

func (s *Source) ProductID() int {
	return s.productID
}

func (s *Source) PendingVideoFrames() int {
	return len(s.pending)
}

func (s *Source) BufferedAudioBytes() int {
	return len(s.pcm)
}

// readOne consumes one framed message, buffering audio and pictures.
func (s *Source) readOne(ctx context.Context) error {
	if s.reader == nil {
		return fmt.Errorf("'%s' is not open", s.params.Path)
	}
	msg, err := s.reader.ReadMessage()
	switch {
	case errors.Is(err, io.EOF):
		return framesource.ErrEOF
	case err != nil:
		return fmt.Errorf("unable to read from '%s': %w", s.params.Path, err)
	}
	switch msg.Type {
	case rawmedia.MessageTypeVideo:
		if len(msg.Payload) != s.params.frameSize() {
			return fmt.Errorf("unexpected picture size %d, expected %d", len(msg.Payload), s.params.frameSize())
		}
		if !s.hasVideo() {
			return nil
		}
		img := &raster.Image{
			Width:    s.params.Width,
			Height:   s.params.Height,
			Channels: s.params.Channels,
			Pix:      msg.Payload,
		}
		if s.config.Channels != 0 {
			img = img.WithChannels(s.config.Channels)
		}
		s.pending = append(s.pending, img)
	case rawmedia.MessageTypeExtAudio:
		if int(msg.ProductID) != s.productID {
			logger.Infof(ctx, "switching product from %d to %d, dropping %s of buffered audio",
				s.productID, msg.ProductID, humanize.Bytes(uint64(len(s.pcm))))
			s.productID = int(msg.ProductID)
			s.pcm = s.pcm[:0]
		}
		fallthrough
	case rawmedia.MessageTypeAudio:
		if s.hasAudio() {
			s.pcm = append(s.pcm, msg.Payload...)
		}
	}
	return nil
}

func (s *Source) ReadVideo(ctx context.Context) (*raster.Image, error) {
	if !s.hasVideo() {
		return nil, framesource.ErrEOF
	}
	for len(s.pending) == 0 {
		if err := s.readOne(ctx); err != nil {
			return nil, err
		}
	}
	img := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return img, nil
}

func (s *Source) ReadAudio(ctx context.Context, maxBytes int) ([]byte, error) {
	if !s.hasAudio() {
		return nil, nil
	}
	if maxBytes > 0 {
		for len(s.pcm)+framesource.AudioDelta < maxBytes {
			err := s.readOne(ctx)
			if errors.Is(err, framesource.ErrEOF) {
				if len(s.pcm) == 0 {
					return nil, err
				}
				break
			}
			if err != nil {
				return nil, err
			}
		}
	}
	n := len(s.pcm)
	if maxBytes > 0 && maxBytes < n {
		n = maxBytes
	}
	out := append([]byte(nil), s.pcm[:n]...)
	s.pcm = append(s.pcm[:0], s.pcm[n:]...)
	return out, nil
}
