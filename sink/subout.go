package sink

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/xaionaro-go/avdecorate/compositor"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/raster"
	"github.com/xaionaro-go/secret"
)

// SubOutputSpec is a secondary output: url:width:height:fps[:bitrate[:disable_audio]].
type SubOutputSpec struct {
	URL          secret.String
	Width        int
	Height       int
	FPS          float64
	BitRate      int64
	DisableAudio bool
}

func (s SubOutputSpec) String() string {
	return fmt.Sprintf("%dx%d@%g", s.Width, s.Height, s.FPS)
}

// ParseSubOutputSpec parses a SUBOUT payload; the parameters start at the
// first colon after the last slash of the URL. The frame rate is capped at
// maxFPS.
func ParseSubOutputSpec(spec string, maxFPS float64) (SubOutputSpec, error) {
	spec = strings.TrimSpace(spec)
	lastSlash := strings.LastIndexByte(spec, '/')
	if lastSlash < 0 {
		return SubOutputSpec{}, fmt.Errorf("no URL path in the sub-output spec")
	}
	colon := strings.IndexByte(spec[lastSlash:], ':')
	if colon < 0 {
		return SubOutputSpec{}, fmt.Errorf("no parameters in the sub-output spec")
	}
	url := spec[:lastSlash+colon]
	fields := strings.Split(spec[lastSlash+colon+1:], ":")
	if len(fields) < 3 {
		return SubOutputSpec{}, fmt.Errorf("expected width:height:fps, got %d fields", len(fields))
	}
	var (
		result = SubOutputSpec{URL: secret.New(url)}
		err    error
	)
	if result.Width, err = strconv.Atoi(fields[0]); err != nil || result.Width <= 0 {
		return SubOutputSpec{}, fmt.Errorf("invalid width '%s'", fields[0])
	}
	if result.Height, err = strconv.Atoi(fields[1]); err != nil || result.Height <= 0 {
		return SubOutputSpec{}, fmt.Errorf("invalid height '%s'", fields[1])
	}
	if result.FPS, err = strconv.ParseFloat(fields[2], 64); err != nil || result.FPS <= 0 {
		return SubOutputSpec{}, fmt.Errorf("invalid fps '%s'", fields[2])
	}
	if maxFPS > 0 && result.FPS > maxFPS {
		result.FPS = maxFPS
	}
	if len(fields) > 3 && fields[3] != "" {
		if result.BitRate, err = strconv.ParseInt(fields[3], 10, 64); err != nil || result.BitRate < 0 {
			return SubOutputSpec{}, fmt.Errorf("invalid bitrate '%s'", fields[3])
		}
	}
	if len(fields) > 4 && fields[4] != "" {
		v, err := strconv.Atoi(fields[4])
		if err != nil {
			return SubOutputSpec{}, fmt.Errorf("invalid disable_audio '%s'", fields[4])
		}
		result.DisableAudio = v != 0
	}
	return result, nil
}

// Format returns the format of the sub-output derived from the primary one.
func (s SubOutputSpec) Format(primary Format) Format {
	f := primary
	f.Width, f.Height = s.Width, s.Height
	f.Channels = raster.ChannelsOpaque
	f.FPS = s.FPS
	f.BitRate = s.BitRate
	f.DisableAudio = primary.DisableAudio || s.DisableAudio
	return f
}

// SubOutput decimates and scales the composed output for a secondary sink.
type SubOutput struct {
	Spec SubOutputSpec
	Sink Sink

	primaryFPS float64
	filter     imaging.ResampleFilter
	ticks      int
	sent       int
}

var _ Sink = (*SubOutput)(nil)

func NewSubOutput(spec SubOutputSpec, primaryFPS float64, filter imaging.ResampleFilter, s Sink) *SubOutput {
	return &SubOutput{
		Spec:       spec,
		Sink:       s,
		primaryFPS: primaryFPS,
		filter:     filter,
	}
}

func (s *SubOutput) String() string {
	return fmt.Sprintf("SubOutput(%s: %s)", s.Spec, s.Sink)
}

// Sent is the amount of pictures forwarded so far.
func (s *SubOutput) Sent() int {
	return s.sent
}

// WriteVideo is called once per primary frame and forwards only the frames
// due at the sub-output rate.
func (s *SubOutput) WriteVideo(ctx context.Context, frame *raster.Image) error {
	s.ticks++
	due := int(math.Round(float64(s.ticks) * s.Spec.FPS / s.primaryFPS))
	if due <= s.sent {
		return nil
	}
	s.sent++
	scaled := compositor.Resize(frame, s.Spec.Width, s.Spec.Height, s.filter)
	if scaled.Channels != raster.ChannelsOpaque {
		scaled = scaled.WithChannels(raster.ChannelsOpaque)
	}
	logger.Tracef(ctx, "forwarding picture #%d of tick %d to %s", s.sent, s.ticks, s.Sink)
	return s.Sink.WriteVideo(ctx, scaled)
}

func (s *SubOutput) WriteAudio(ctx context.Context, pcm []byte, productID int) error {
	if s.Spec.DisableAudio {
		return nil
	}
	return s.Sink.WriteAudio(ctx, pcm, productID)
}

func (s *SubOutput) Close(ctx context.Context) error {
	return s.Sink.Close(ctx)
}
