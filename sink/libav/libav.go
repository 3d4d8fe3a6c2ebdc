// libav.go implements an encoding and muxing Sink with libavcodec/libavformat.

// Package libav encodes the composed output and muxes it to a file or a
// streaming URL.
package libav

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/raster"
	"github.com/xaionaro-go/avdecorate/sink"
	"github.com/xaionaro-go/avdecorate/urltools"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/secret"
)

const (
	defaultAudioBitRate   = 128000
	defaultAudioFrameSize = 1024
)

type Options struct {
	// VideoCodec and AudioCodec are encoder names; empty selects the
	// default H.264 and AAC encoders.
	VideoCodec string
	AudioCodec string

	// MuxerOptions are passed to the muxer and the IO context.
	MuxerOptions map[string]string
}

type encoderStream struct {
	stream       *astiav.Stream
	codecContext *astiav.CodecContext
	frame        *astiav.Frame
	pts          int64
}

type Sink struct {
	url     secret.String
	format  sink.Format
	options Options

	closer        *astikit.Closer
	formatContext *astiav.FormatContext
	packet        *astiav.Packet
	video         *encoderStream
	audio         *encoderStream

	scaler     *astiav.SoftwareScaleContext
	inputFrame *astiav.Frame

	resampler  *astiav.SoftwareResampleContext
	pcmFrame   *astiav.Frame
	pcmPending []byte

	bytesWritten uint64
}

var _ sink.Sink = (*Sink)(nil)

func fpsRational(fps float64) astiav.Rational {
	return astiav.NewRational(int(math.Round(fps*1000)), 1000)
}

func channelLayout(channels int) astiav.ChannelLayout {
	if channels == 1 {
		return astiav.ChannelLayoutMono
	}
	return astiav.ChannelLayoutStereo
}

func (s *Sink) inputPixelFormat() astiav.PixelFormat {
	if s.format.Channels == raster.ChannelsAlpha {
		return astiav.PixelFormatRgba
	}
	return astiav.PixelFormatRgb24
}

func (s *Sink) hasAudio() bool {
	return !s.format.DisableAudio && s.format.SampleRate > 0 && s.format.AudioChannels > 0
}

// New opens the encoders and the muxer and writes the container header.
func New(
	ctx context.Context,
	dst secret.String,
	format sink.Format,
	opts Options,
) (_ret *Sink, _err error) {
	logger.Debugf(ctx, "New: %s", format)
	defer func() { logger.Debugf(ctx, "/New: %s: %v", format, _err) }()
	if dst.Get() == "" {
		return nil, fmt.Errorf("the provided URL is empty")
	}
	if format.Width <= 0 || format.Height <= 0 || format.FPS <= 0 {
		return nil, fmt.Errorf("invalid output format %s", format)
	}
	u, err := url.Parse(dst.Get())
	if err != nil {
		return nil, fmt.Errorf("unable to parse the output URL: %w", err)
	}

	s := &Sink{
		url:     dst,
		format:  format,
		options: opts,
	}
	c := astikit.NewCloser()
	defer func() {
		if _err != nil {
			if err := c.Close(); err != nil {
				logger.Errorf(ctx, "unable to release the partially opened output: %v", err)
			}
		}
	}()

	dict := astiav.NewDictionary()
	c.Add(dict.Free)
	formatName := urltools.FormatName(u)
	for k, v := range opts.MuxerOptions {
		if k == "f" {
			formatName = v
			continue
		}
		logger.Debugf(ctx, "output.Dictionary['%s'] = '%s'", k, v)
		if err := dict.Set(k, v, 0); err != nil {
			return nil, fmt.Errorf("unable to set '%s': %w", k, err)
		}
	}

	logger.Debugf(observability.OnInsecureDebug(ctx), "URL: %s", dst.Get())
	fc, err := astiav.AllocOutputFormatContext(nil, formatName, dst.Get())
	if err != nil {
		return nil, fmt.Errorf("allocating the output format context failed: %w", err)
	}
	if fc == nil {
		return nil, fmt.Errorf("unable to allocate the output format context")
	}
	c.Add(fc.Free)
	s.formatContext = fc
	globalHeader := fc.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalheader)

	if s.video, err = s.openVideoEncoder(ctx, c, globalHeader); err != nil {
		return nil, fmt.Errorf("unable to open the video encoder: %w", err)
	}
	if s.hasAudio() {
		if s.audio, err = s.openAudioEncoder(ctx, c, globalHeader); err != nil {
			return nil, fmt.Errorf("unable to open the audio encoder: %w", err)
		}
	}

	if !fc.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		ioContext, err := astiav.OpenIOContext(
			dst.Get(),
			astiav.NewIOContextFlags(astiav.IOContextFlagWrite),
			nil,
			dict,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to open the IO context: %w", err)
		}
		c.AddWithError(ioContext.Close)
		fc.SetPb(ioContext)
	}
	if err := fc.WriteHeader(dict); err != nil {
		return nil, fmt.Errorf("unable to write the header: %w", err)
	}

	s.packet = astiav.AllocPacket()
	c.Add(s.packet.Free)
	s.closer = c
	return s, nil
}

func (s *Sink) openVideoEncoder(
	ctx context.Context,
	c *astikit.Closer,
	globalHeader bool,
) (*encoderStream, error) {
	var codec *astiav.Codec
	if s.options.VideoCodec != "" {
		codec = astiav.FindEncoderByName(s.options.VideoCodec)
	} else {
		codec = astiav.FindEncoder(astiav.CodecIDH264)
	}
	if codec == nil {
		return nil, fmt.Errorf("unable to find the video encoder '%s'", s.options.VideoCodec)
	}
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, fmt.Errorf("unable to allocate a codec context")
	}
	c.Add(cc.Free)

	frameRate := fpsRational(s.format.FPS)
	cc.SetWidth(s.format.Width)
	cc.SetHeight(s.format.Height)
	cc.SetPixelFormat(astiav.PixelFormatYuv420P)
	cc.SetFramerate(frameRate)
	cc.SetTimeBase(frameRate.Invert())
	cc.SetGopSize(int(math.Round(s.format.FPS * 2)))
	cc.SetMaxBFrames(0)
	if s.format.BitRate > 0 {
		cc.SetBitRate(s.format.BitRate)
	}
	if globalHeader {
		cc.SetFlags(cc.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}
	logger.Debugf(ctx, "video encoder: %s %dx%d@%s bitrate:%d", codec.Name(), s.format.Width, s.format.Height, frameRate, s.format.BitRate)
	if err := cc.Open(codec, nil); err != nil {
		return nil, fmt.Errorf("unable to open the codec context: %w", err)
	}

	st := s.formatContext.NewStream(nil)
	if st == nil {
		return nil, fmt.Errorf("unable to create the video stream")
	}
	if err := st.CodecParameters().FromCodecContext(cc); err != nil {
		return nil, fmt.Errorf("unable to copy the codec parameters: %w", err)
	}
	st.SetTimeBase(cc.TimeBase())

	scaler, err := astiav.CreateSoftwareScaleContext(
		s.format.Width, s.format.Height, s.inputPixelFormat(),
		s.format.Width, s.format.Height, cc.PixelFormat(),
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create a software scale context: %w", err)
	}
	c.Add(scaler.Free)
	s.scaler = scaler

	s.inputFrame = astiav.AllocFrame()
	c.Add(s.inputFrame.Free)
	f := astiav.AllocFrame()
	c.Add(f.Free)
	return &encoderStream{
		stream:       st,
		codecContext: cc,
		frame:        f,
	}, nil
}

func (s *Sink) openAudioEncoder(
	ctx context.Context,
	c *astikit.Closer,
	globalHeader bool,
) (*encoderStream, error) {
	var codec *astiav.Codec
	if s.options.AudioCodec != "" {
		codec = astiav.FindEncoderByName(s.options.AudioCodec)
	} else {
		codec = astiav.FindEncoder(astiav.CodecIDAac)
	}
	if codec == nil {
		return nil, fmt.Errorf("unable to find the audio encoder '%s'", s.options.AudioCodec)
	}
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, fmt.Errorf("unable to allocate a codec context")
	}
	c.Add(cc.Free)

	sampleFormat := astiav.SampleFormatFltp
	if formats := codec.SampleFormats(); len(formats) > 0 {
		sampleFormat = formats[0]
	}
	cc.SetSampleFormat(sampleFormat)
	cc.SetSampleRate(s.format.SampleRate)
	cc.SetChannelLayout(channelLayout(s.format.AudioChannels))
	cc.SetTimeBase(astiav.NewRational(1, s.format.SampleRate))
	cc.SetBitRate(defaultAudioBitRate)
	if globalHeader {
		cc.SetFlags(cc.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}
	logger.Debugf(ctx, "audio encoder: %s %dHz %dch %s", codec.Name(), s.format.SampleRate, s.format.AudioChannels, sampleFormat)
	if err := cc.Open(codec, nil); err != nil {
		return nil, fmt.Errorf("unable to open the codec context: %w", err)
	}

	st := s.formatContext.NewStream(nil)
	if st == nil {
		return nil, fmt.Errorf("unable to create the audio stream")
	}
	if err := st.CodecParameters().FromCodecContext(cc); err != nil {
		return nil, fmt.Errorf("unable to copy the codec parameters: %w", err)
	}
	st.SetTimeBase(cc.TimeBase())

	swr := astiav.AllocSoftwareResampleContext()
	if swr == nil {
		return nil, fmt.Errorf("unable to allocate a software resample context")
	}
	c.Add(swr.Free)
	s.resampler = swr

	s.pcmFrame = astiav.AllocFrame()
	c.Add(s.pcmFrame.Free)
	f := astiav.AllocFrame()
	c.Add(f.Free)
	return &encoderStream{
		stream:       st,
		codecContext: cc,
		frame:        f,
	}, nil
}

func (s *Sink) String() string {
	return "LibAV"
}

func (s *Sink) WriteVideo(ctx context.Context, frame *raster.Image) error {
	if s.closer == nil {
		return sink.ErrClosed
	}
	if frame.Width != s.format.Width || frame.Height != s.format.Height || frame.Channels != s.format.Channels {
		return fmt.Errorf("picture %s does not match the output format %s", frame, s.format)
	}
	in := s.inputFrame
	in.Unref()
	in.SetWidth(frame.Width)
	in.SetHeight(frame.Height)
	in.SetPixelFormat(s.inputPixelFormat())
	if err := in.AllocBuffer(1); err != nil {
		return fmt.Errorf("unable to allocate the input frame: %w", err)
	}
	if err := in.Data().SetBytes(frame.Pix, 1); err != nil {
		return fmt.Errorf("unable to fill the input frame: %w", err)
	}

	out := s.video.frame
	out.Unref()
	out.SetWidth(s.format.Width)
	out.SetHeight(s.format.Height)
	out.SetPixelFormat(s.video.codecContext.PixelFormat())
	if err := out.AllocBuffer(0); err != nil {
		return fmt.Errorf("unable to allocate the encoder frame: %w", err)
	}
	if err := s.scaler.ScaleFrame(in, out); err != nil {
		return fmt.Errorf("unable to convert the picture: %w", err)
	}
	out.SetPts(s.video.pts)
	s.video.pts++
	logger.Tracef(ctx, "SendFrame: video pts:%d", out.Pts())
	if err := s.video.codecContext.SendFrame(out); err != nil {
		return fmt.Errorf("unable to send a frame to the video encoder: %w", err)
	}
	return s.drain(ctx, s.video)
}

func (s *Sink) audioFrameSize() int {
	if n := s.audio.codecContext.FrameSize(); n > 0 {
		return n
	}
	return defaultAudioFrameSize
}

func (s *Sink) WriteAudio(ctx context.Context, pcm []byte, _ int) error {
	if s.closer == nil {
		return sink.ErrClosed
	}
	if s.audio == nil {
		return nil
	}
	s.pcmPending = append(s.pcmPending, pcm...)
	samples := s.audioFrameSize()
	chunk := samples * 2 * s.format.AudioChannels
	for len(s.pcmPending) >= chunk {
		if err := s.encodeAudio(ctx, s.pcmPending[:chunk], samples); err != nil {
			return err
		}
		s.pcmPending = s.pcmPending[chunk:]
	}
	s.pcmPending = append([]byte(nil), s.pcmPending...)
	return nil
}

func (s *Sink) encodeAudio(ctx context.Context, pcm []byte, samples int) error {
	in := s.pcmFrame
	in.Unref()
	in.SetNbSamples(samples)
	in.SetSampleFormat(astiav.SampleFormatS16)
	in.SetChannelLayout(channelLayout(s.format.AudioChannels))
	in.SetSampleRate(s.format.SampleRate)
	if err := in.AllocBuffer(0); err != nil {
		return fmt.Errorf("unable to allocate the PCM frame: %w", err)
	}
	if err := in.Data().SetBytes(pcm, 0); err != nil {
		return fmt.Errorf("unable to fill the PCM frame: %w", err)
	}

	cc := s.audio.codecContext
	out := s.audio.frame
	out.Unref()
	out.SetChannelLayout(cc.ChannelLayout())
	out.SetSampleFormat(cc.SampleFormat())
	out.SetSampleRate(cc.SampleRate())
	if err := s.resampler.ConvertFrame(in, out); err != nil {
		return fmt.Errorf("unable to convert the samples: %w", err)
	}
	if out.NbSamples() == 0 {
		return nil
	}
	out.SetPts(s.audio.pts)
	s.audio.pts += int64(out.NbSamples())
	logger.Tracef(ctx, "SendFrame: audio pts:%d samples:%d", out.Pts(), out.NbSamples())
	if err := cc.SendFrame(out); err != nil {
		return fmt.Errorf("unable to send a frame to the audio encoder: %w", err)
	}
	return s.drain(ctx, s.audio)
}

func (s *Sink) drain(ctx context.Context, es *encoderStream) error {
	for {
		err := es.codecContext.ReceivePacket(s.packet)
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("unable to receive a packet: %w", err)
		}
		s.packet.RescaleTs(es.codecContext.TimeBase(), es.stream.TimeBase())
		s.packet.SetStreamIndex(es.stream.Index())
		size := s.packet.Size()
		err = s.formatContext.WriteInterleavedFrame(s.packet)
		s.packet.Unref()
		if err != nil {
			return fmt.Errorf("unable to write the packet: %w", err)
		}
		s.bytesWritten += uint64(size)
		logger.Tracef(ctx, "wrote %s in total", humanize.Bytes(s.bytesWritten))
	}
}

func (s *Sink) flush(ctx context.Context) error {
	var result []error
	for _, es := range []*encoderStream{s.video, s.audio} {
		if es == nil {
			continue
		}
		if err := es.codecContext.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			result = append(result, fmt.Errorf("unable to flush the encoder: %w", err))
			continue
		}
		if err := s.drain(ctx, es); err != nil {
			result = append(result, err)
		}
	}
	if err := s.formatContext.WriteTrailer(); err != nil {
		result = append(result, fmt.Errorf("unable to write the trailer: %w", err))
	}
	return errors.Join(result...)
}

func (s *Sink) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %v", _err) }()
	if s.closer == nil {
		return nil
	}
	err := s.flush(ctx)
	if cerr := s.closer.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("unable to release libav resources: %w", cerr))
	}
	s.closer = nil
	logger.Debugf(ctx, "wrote %s", humanize.Bytes(s.bytesWritten))
	return err
}
