package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/raster"
	"github.com/xaionaro-go/avdecorate/rawmedia"
)

// SharedMemoryDir is where shm://<name> outputs are created.
var SharedMemoryDir = "/dev/shm"

// RawParams describe a raw output:
//
//	raw:///path?headerless=1&audio=/other/path&product=1
//
// "-" writes framed media to stdout.
type RawParams struct {
	Path string

	// Headerless writes bare pictures (RAWVIDEO); audio then goes to
	// AudioPath only.
	Headerless bool

	// AudioPath receives framed audio separately from the pictures.
	AudioPath string

	// TagProduct writes audio as EXT_AUDIO carrying the active product.
	TagProduct bool
}

func IsRawURL(rawURL string) bool {
	if rawURL == "-" {
		return true
	}
	lower := strings.ToLower(rawURL)
	return strings.HasPrefix(lower, "raw://") || strings.HasPrefix(lower, "shm://")
}

func ParseRawURL(rawURL string) (RawParams, error) {
	if rawURL == "-" {
		return RawParams{Path: "-"}, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return RawParams{}, fmt.Errorf("unable to parse '%s': %w", rawURL, err)
	}
	var p RawParams
	switch strings.ToLower(u.Scheme) {
	case "raw":
		p.Path = u.Host + u.Path
	case "shm":
		p.Path = filepath.Join(SharedMemoryDir, u.Host+u.Path)
	default:
		return RawParams{}, fmt.Errorf("unsupported scheme '%s'", u.Scheme)
	}
	if p.Path == "" {
		return RawParams{}, fmt.Errorf("empty path in '%s'", rawURL)
	}
	q := u.Query()
	for key, dst := range map[string]*bool{
		"headerless": &p.Headerless,
		"product":    &p.TagProduct,
	} {
		if s := q.Get(key); s != "" {
			v, err := strconv.ParseBool(s)
			if err != nil {
				return RawParams{}, fmt.Errorf("invalid '%s' value '%s': %w", key, s, err)
			}
			*dst = v
		}
	}
	p.AudioPath = q.Get("audio")
	return p, nil
}

type rawFile struct {
	closer io.Closer
	buf    *bufio.Writer
	writer *rawmedia.Writer
}

func openRawFile(path string) (*rawFile, error) {
	var (
		w      io.Writer
		closer io.Closer
	)
	if path == "-" {
		w = os.Stdout
	} else {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("unable to open '%s': %w", path, err)
		}
		w, closer = f, f
	}
	buf := bufio.NewWriterSize(w, 1<<20)
	return &rawFile{
		closer: closer,
		buf:    buf,
		writer: rawmedia.NewWriter(buf),
	}, nil
}

func (f *rawFile) Close() error {
	if f == nil {
		return nil
	}
	err := f.buf.Flush()
	if f.closer != nil {
		err = errors.Join(err, f.closer.Close())
	}
	return err
}

// Raw writes the output with the raw media framing.
type Raw struct {
	Params RawParams
	Format Format

	video      *rawFile
	audio      *rawFile
	imageIndex int32
	audioIndex int32
}

var _ Sink = (*Raw)(nil)

func NewRaw(ctx context.Context, rawURL string, format Format) (_ret *Raw, _err error) {
	logger.Debugf(ctx, "NewRaw: %s", rawURL)
	defer func() { logger.Debugf(ctx, "/NewRaw: %s: %v", rawURL, _err) }()
	params, err := ParseRawURL(rawURL)
	if err != nil {
		return nil, err
	}
	s := &Raw{
		Params: params,
		Format: format,
	}
	s.video, err = openRawFile(params.Path)
	if err != nil {
		return nil, err
	}
	if params.AudioPath != "" && !format.DisableAudio {
		s.audio, err = openRawFile(params.AudioPath)
		if err != nil {
			s.video.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Raw) String() string {
	return fmt.Sprintf("Raw(%s)", s.Params.Path)
}

func (s *Raw) WriteVideo(ctx context.Context, frame *raster.Image) error {
	if size := s.Format.FrameSize(); size > 0 && len(frame.Pix) != size {
		return fmt.Errorf("picture %s does not match the output format %s", frame, s.Format)
	}
	var err error
	if s.Params.Headerless {
		err = s.video.writer.WriteRawVideo(frame.Pix)
	} else {
		err = s.video.writer.WriteVideo(s.imageIndex, frame.Pix)
	}
	if err != nil {
		return err
	}
	s.imageIndex++
	logger.Tracef(ctx, "wrote picture #%d to %s", s.imageIndex, s)
	return s.video.buf.Flush()
}

func (s *Raw) audioFile() *rawFile {
	switch {
	case s.Format.DisableAudio:
		return nil
	case s.audio != nil:
		return s.audio
	case s.Params.Headerless:
		return nil
	default:
		return s.video
	}
}

func (s *Raw) WriteAudio(ctx context.Context, pcm []byte, productID int) error {
	f := s.audioFile()
	if f == nil || len(pcm) == 0 {
		return nil
	}
	var err error
	if s.Params.TagProduct {
		err = f.writer.WriteExtAudio(s.audioIndex, int32(productID), pcm)
	} else {
		err = f.writer.WriteAudio(pcm)
	}
	if err != nil {
		return err
	}
	s.audioIndex++
	return f.buf.Flush()
}

func (s *Raw) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close: %s", s)
	defer func() { logger.Debugf(ctx, "/Close: %s: %v", s, _err) }()
	err := errors.Join(s.video.Close(), s.audio.Close())
	s.video, s.audio = nil, nil
	return err
}
