// libav.go implements a FrameSource on top of libavformat/libavcodec.

// Package libav opens files and network pulls with libav and produces
// RGB(A) pictures and interleaved signed 16-bit PCM.
package libav

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/raster"
)

type decoderStream struct {
	stream       *astiav.Stream
	codecContext *astiav.CodecContext
	frame        *astiav.Frame
}

type Source struct {
	url    string
	config framesource.Config

	// closer owns every native handle of the currently open session.
	closer        *astikit.Closer
	formatContext *astiav.FormatContext
	packet        *astiav.Packet
	video         *decoderStream
	audio         *decoderStream
	flushed       bool

	scaler      *astiav.SoftwareScaleContext
	scaledFrame *astiav.Frame

	resampler      *astiav.SoftwareResampleContext
	resampledFrame *astiav.Frame

	info    framesource.Info
	pending []*raster.Image
	pcm     []byte
}

var _ framesource.Source = (*Source)(nil)

func New(url string, cfg framesource.Config) *Source {
	if cfg.Channels == 0 {
		cfg.Channels = raster.ChannelsOpaque
	}
	return &Source{
		url:    url,
		config: cfg,
	}
}

func (s *Source) String() string {
	return fmt.Sprintf("LibAV(%s)", s.url)
}

func (s *Source) URL() string {
	return s.url
}

func (s *Source) Info() framesource.Info {
	return s.info
}

func (s *Source) ProductID() int {
	return 0
}

func (s *Source) PendingVideoFrames() int {
	return len(s.pending)
}

func (s *Source) BufferedAudioBytes() int {
	return len(s.pcm)
}

func (s *Source) pixelFormat() astiav.PixelFormat {
	if s.config.Channels == raster.ChannelsAlpha {
		return astiav.PixelFormatRgba
	}
	return astiav.PixelFormatRgb24
}

func channelLayout(channels int) astiav.ChannelLayout {
	if channels == 1 {
		return astiav.ChannelLayoutMono
	}
	return astiav.ChannelLayoutStereo
}

func (s *Source) Open(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Open: %s", s.url)
	defer func() { logger.Debugf(ctx, "/Open: %s: %v", s.url, _err) }()
	if s.closer != nil {
		return fmt.Errorf("'%s' is already open", s.url)
	}

	c := astikit.NewCloser()
	defer func() {
		if _err != nil {
			if err := c.Close(); err != nil {
				logger.Errorf(ctx, "unable to release the partially opened '%s': %v", s.url, err)
			}
			s.reset()
		}
	}()

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return fmt.Errorf("unable to allocate a format context")
	}
	c.Add(fc.Free)

	dict := astiav.NewDictionary()
	c.Add(dict.Free)
	if framesource.IsLiveURL(s.url) {
		if err := dict.Set("rw_timeout", strconv.Itoa(int(5*time.Second/time.Microsecond)), 0); err != nil {
			return fmt.Errorf("unable to set 'rw_timeout': %w", err)
		}
	}
	if err := fc.OpenInput(s.url, nil, dict); err != nil {
		return fmt.Errorf("unable to open input '%s': %w", s.url, err)
	}
	c.Add(fc.CloseInput)
	if err := fc.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("unable to find stream info of '%s': %w", s.url, err)
	}

	info := framesource.Info{
		Duration:      time.Duration(fc.Duration()) * time.Microsecond,
		SampleRate:    s.config.SampleRate,
		AudioChannels: s.config.AudioChannels,
	}
	for _, st := range fc.Streams() {
		mediaType := st.CodecParameters().MediaType()
		switch {
		case mediaType == astiav.MediaTypeVideo && s.video == nil && !s.config.DisableVideo:
			ds, err := openDecoder(c, st)
			if err != nil {
				return fmt.Errorf("unable to open the video decoder of '%s': %w", s.url, err)
			}
			ds.codecContext.SetFramerate(fc.GuessFrameRate(st, nil))
			s.video = ds
			info.HasVideo = true
			info.NativeWidth = st.CodecParameters().Width()
			info.NativeHeight = st.CodecParameters().Height()
			if fr := fc.GuessFrameRate(st, nil); fr.Den() > 0 && fr.Num() > 0 {
				info.FPS = fr.Float64()
			}
			info.Rotation = streamRotation(st)
		case mediaType == astiav.MediaTypeAudio && s.audio == nil && !s.config.DisableAudio:
			if s.config.SampleRate <= 0 || s.config.AudioChannels <= 0 {
				continue
			}
			ds, err := openDecoder(c, st)
			if err != nil {
				return fmt.Errorf("unable to open the audio decoder of '%s': %w", s.url, err)
			}
			s.audio = ds
			info.HasAudio = true
		}
	}
	if s.video == nil && s.audio == nil {
		return fmt.Errorf("'%s' has no decodable video or audio stream", s.url)
	}
	info.Width, info.Height = info.NativeWidth, info.NativeHeight
	if s.config.Width > 0 && s.config.Height > 0 {
		info.Width, info.Height = s.config.Width, s.config.Height
	}

	pkt := astiav.AllocPacket()
	c.Add(pkt.Free)

	if s.audio != nil {
		swr := astiav.AllocSoftwareResampleContext()
		if swr == nil {
			return fmt.Errorf("unable to allocate a software resample context")
		}
		c.Add(swr.Free)
		s.resampler = swr
		s.resampledFrame = astiav.AllocFrame()
		c.Add(s.resampledFrame.Free)
	}
	if s.video != nil {
		s.scaledFrame = astiav.AllocFrame()
		c.Add(s.scaledFrame.Free)
	}

	s.closer = c
	s.formatContext = fc
	s.packet = pkt
	s.info = info
	s.flushed = false
	return nil
}

func openDecoder(c *astikit.Closer, st *astiav.Stream) (*decoderStream, error) {
	codec := astiav.FindDecoder(st.CodecParameters().CodecID())
	if codec == nil {
		return nil, fmt.Errorf("no decoder for codec %s", st.CodecParameters().CodecID())
	}
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, fmt.Errorf("unable to allocate a codec context")
	}
	c.Add(cc.Free)
	if err := st.CodecParameters().ToCodecContext(cc); err != nil {
		return nil, fmt.Errorf("unable to copy codec parameters: %w", err)
	}
	if err := cc.Open(codec, nil); err != nil {
		return nil, fmt.Errorf("unable to open the codec context: %w", err)
	}
	cc.SetTimeBase(st.TimeBase())
	f := astiav.AllocFrame()
	c.Add(f.Free)
	return &decoderStream{
		stream:       st,
		codecContext: cc,
		frame:        f,
	}, nil
}

func streamRotation(st *astiav.Stream) int {
	md := st.Metadata()
	if md == nil {
		return 0
	}
	e := md.Get("rotate", nil, 0)
	if e == nil {
		return 0
	}
	v, err := strconv.Atoi(e.Value())
	if err != nil {
		return 0
	}
	return ((v % 360) + 360) % 360
}

func (s *Source) reset() {
	s.closer = nil
	s.formatContext = nil
	s.packet = nil
	s.video = nil
	s.audio = nil
	s.scaler = nil
	s.scaledFrame = nil
	s.resampler = nil
	s.resampledFrame = nil
	s.pending = nil
	s.pcm = nil
	s.flushed = false
}

func (s *Source) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close: %s", s.url)
	defer func() { logger.Debugf(ctx, "/Close: %s: %v", s.url, _err) }()
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.reset()
	if err != nil {
		return fmt.Errorf("unable to release libav resources of '%s': %w", s.url, err)
	}
	return nil
}

func (s *Source) ReadVideo(ctx context.Context) (*raster.Image, error) {
	if s.video == nil {
		return nil, framesource.ErrEOF
	}
	for len(s.pending) == 0 {
		if err := s.decodeNext(ctx); err != nil {
			return nil, err
		}
	}
	img := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return img, nil
}

func (s *Source) ReadAudio(ctx context.Context, maxBytes int) ([]byte, error) {
	if s.audio == nil {
		return nil, nil
	}
	if maxBytes > 0 {
		for len(s.pcm)+framesource.AudioDelta < maxBytes {
			err := s.decodeNext(ctx)
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

// decodeNext demuxes one packet and decodes whatever it yields.
func (s *Source) decodeNext(ctx context.Context) error {
	if s.formatContext == nil {
		return fmt.Errorf("'%s' is not open", s.url)
	}
	if s.flushed {
		return framesource.ErrEOF
	}
	err := s.formatContext.ReadFrame(s.packet)
	if errors.Is(err, astiav.ErrEof) {
		s.flushed = true
		for _, ds := range []*decoderStream{s.video, s.audio} {
			if ds == nil {
				continue
			}
			if err := ds.codecContext.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
				return fmt.Errorf("unable to flush the decoder: %w", err)
			}
			if err := s.receiveFrames(ctx, ds); err != nil {
				return err
			}
		}
		if len(s.pending) == 0 && len(s.pcm) == 0 {
			return framesource.ErrEOF
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("unable to read a packet from '%s': %w", s.url, err)
	}
	defer s.packet.Unref()

	var ds *decoderStream
	switch {
	case s.video != nil && s.packet.StreamIndex() == s.video.stream.Index():
		ds = s.video
	case s.audio != nil && s.packet.StreamIndex() == s.audio.stream.Index():
		ds = s.audio
	default:
		return nil
	}
	if err := ds.codecContext.SendPacket(s.packet); err != nil && !errors.Is(err, astiav.ErrEagain) {
		return fmt.Errorf("unable to send a packet to the decoder: %w", err)
	}
	return s.receiveFrames(ctx, ds)
}

func (s *Source) receiveFrames(ctx context.Context, ds *decoderStream) error {
	for {
		err := ds.codecContext.ReceiveFrame(ds.frame)
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("unable to receive a frame: %w", err)
		}
		if ds == s.video {
			err = s.convertVideo(ctx, ds.frame)
		} else {
			err = s.convertAudio(ctx, ds.frame)
		}
		ds.frame.Unref()
		if err != nil {
			return err
		}
	}
}

func (s *Source) convertVideo(ctx context.Context, f *astiav.Frame) error {
	dstW, dstH := s.info.Width, s.info.Height
	if dstW <= 0 || dstH <= 0 {
		dstW, dstH = f.Width(), f.Height()
	}
	if s.scaler == nil ||
		s.scaler.SourceWidth() != f.Width() ||
		s.scaler.SourceHeight() != f.Height() ||
		s.scaler.SourcePixelFormat() != f.PixelFormat() {
		if s.scaler != nil {
			s.scaler.Free()
			s.scaler = nil
		}
		logger.Debugf(ctx, "creating a scaler %dx%d:%s -> %dx%d:%s",
			f.Width(), f.Height(), f.PixelFormat(), dstW, dstH, s.pixelFormat())
		ssc, err := astiav.CreateSoftwareScaleContext(
			f.Width(), f.Height(), f.PixelFormat(),
			dstW, dstH, s.pixelFormat(),
			astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
		)
		if err != nil {
			return fmt.Errorf("unable to create a software scale context: %w", err)
		}
		s.scaler = ssc
		s.closer.Add(func() {
			if s.scaler == ssc {
				ssc.Free()
			}
		})
	}
	s.scaledFrame.Unref()
	s.scaledFrame.SetWidth(dstW)
	s.scaledFrame.SetHeight(dstH)
	s.scaledFrame.SetPixelFormat(s.pixelFormat())
	if err := s.scaledFrame.AllocBuffer(1); err != nil {
		return fmt.Errorf("unable to allocate the scaled frame: %w", err)
	}
	if err := s.scaler.ScaleFrame(f, s.scaledFrame); err != nil {
		return fmt.Errorf("unable to scale a frame: %w", err)
	}
	data, err := s.scaledFrame.Data().Bytes(0)
	if err != nil {
		return fmt.Errorf("unable to get the scaled picture: %w", err)
	}
	img := raster.New(dstW, dstH, s.config.Channels)
	rowSize := img.Stride()
	lineSize := len(data) / dstH
	if lineSize < rowSize {
		return fmt.Errorf("scaled picture is too small: %d < %d", len(data), rowSize*dstH)
	}
	for y := 0; y < dstH; y++ {
		copy(img.Pix[y*rowSize:(y+1)*rowSize], data[y*lineSize:])
	}
	s.pending = append(s.pending, img)
	return nil
}

func (s *Source) convertAudio(ctx context.Context, f *astiav.Frame) error {
	out := s.resampledFrame
	out.Unref()
	out.SetChannelLayout(channelLayout(s.config.AudioChannels))
	out.SetSampleFormat(astiav.SampleFormatS16)
	out.SetSampleRate(s.config.SampleRate)
	if err := s.resampler.ConvertFrame(f, out); err != nil {
		return fmt.Errorf("unable to resample a frame: %w", err)
	}
	n := out.NbSamples() * 2 * s.config.AudioChannels
	if n == 0 {
		return nil
	}
	data, err := out.Data().Bytes(0)
	if err != nil {
		return fmt.Errorf("unable to get the resampled samples: %w", err)
	}
	if len(data) < n {
		n = len(data)
	}
	s.pcm = append(s.pcm, data[:n]...)
	logger.Tracef(ctx, "resampled %d samples, buffered %d bytes", out.NbSamples(), len(s.pcm))
	return nil
}
