package material

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/xaionaro-go/avdecorate/compositor"
	"github.com/xaionaro-go/avdecorate/logger"
)

var ErrInvalidSpec = errors.New("invalid material spec")

const (
	productPrefix  = "product:"
	clockHandCount = 4
)

var urlSchemes = []string{"rtmp", "rtmps", "http", "https", "srt", "shm", "raw"}

// Spec is a parsed material description.
type Spec struct {
	ProductID  int
	MaterialID int
	Kind       Kind
	Layer      int

	// Path is the source location; for clocks it is the face followed by
	// the hour, minute and second hands.
	Paths []string

	// Text is the rendered string, or the strftime pattern of KindTime.
	Text string

	Rect     compositor.Rect
	Volume   int
	Rotation int
	Opacity  int

	Font         string
	FontSize     int
	Color        compositor.Color
	OutlineSize  int
	OutlineColor compositor.Color
}

func (s *Spec) String() string {
	what := s.Path()
	if s.Kind.IsTextual() {
		what = strconv.Quote(s.Text)
	}
	return fmt.Sprintf("%s[%d:%d](layer:%d %s %s)", s.Kind, s.ProductID, s.MaterialID, s.Layer, what, s.Rect)
}

// Path returns the first source path.
func (s *Spec) Path() string {
	if len(s.Paths) == 0 {
		return ""
	}
	return s.Paths[0]
}

// IsStream reports whether the material pulls from a live URL.
func (s *Spec) IsStream() bool {
	if !s.Kind.IsDecoded() {
		return false
	}
	lower := strings.ToLower(s.Path())
	for _, scheme := range []string{"rtmp://", "rtmps://", "http://", "https://", "srt://", "rtsp://"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// IsVisibleFor reports whether the material is shown under the product.
func (s *Spec) IsVisibleFor(activeProductID int) bool {
	return s.ProductID <= 0 || s.ProductID == activeProductID
}

type ParseOptions struct {
	// DataDir is prepended to relative paths.
	DataDir string

	// XRatio and YRatio scale input coordinates onto the canvas; zero means 1.
	XRatio float64
	YRatio float64
}

func (o ParseOptions) ratios() (float64, float64) {
	x, y := o.XRatio, o.YRatio
	if x <= 0 {
		x = 1
	}
	if y <= 0 {
		y = 1
	}
	return x, y
}

// ScaleRect applies the input-coordinate ratios to a rect.
func (o ParseOptions) ScaleRect(r compositor.Rect) compositor.Rect {
	xr, yr := o.ratios()
	return compositor.Rect{
		X:      int(float64(r.X) * xr),
		Y:      int(float64(r.Y) * yr),
		Width:  int(float64(r.Width) * xr),
		Height: int(float64(r.Height) * yr),
	}
}

// Parse parses "[product:<pid>:<mid>:]type:layer:..." into a Spec.
func Parse(ctx context.Context, s string, opts ParseOptions) (_ret *Spec, _err error) {
	logger.Debugf(ctx, "Parse(%q)", s)
	defer func() { logger.Debugf(ctx, "/Parse(%q): %v %v", s, _ret, _err) }()

	spec := &Spec{}
	rest := s
	if strings.HasPrefix(strings.ToLower(rest), productPrefix) {
		parts := strings.SplitN(rest[len(productPrefix):], ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: incomplete product prefix in '%s'", ErrInvalidSpec, s)
		}
		var err error
		if spec.ProductID, err = parseInt(parts[0], "product id"); err != nil {
			return nil, err
		}
		if spec.MaterialID, err = parseInt(parts[1], "material id"); err != nil {
			return nil, err
		}
		rest = parts[2]
	}

	fields := rejoinURL(strings.Split(rest, ":"))
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: expected at least type, layer and path in '%s'", ErrInvalidSpec, s)
	}

	kind, err := ParseKind(fields[0])
	if err != nil {
		return nil, err
	}
	spec.Kind = kind

	if kind.IsTextual() {
		err = parseText(spec, fields, opts)
	} else {
		err = parseGeneric(spec, fields, opts)
	}
	if err != nil {
		return nil, err
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	logger.Tracef(ctx, "parsed material: %s", spew.Sdump(spec))
	return spec, nil
}

// rejoinURL merges "rtmp", "//host", "1935/app" back into one field.
func rejoinURL(fields []string) []string {
	if len(fields) < 4 || !strings.HasPrefix(fields[3], "//") {
		return fields
	}
	scheme := strings.ToLower(fields[2])
	known := false
	for _, candidate := range urlSchemes {
		if scheme == candidate {
			known = true
			break
		}
	}
	if !known {
		return fields
	}
	merged := append([]string{}, fields[:2]...)
	url := fields[2] + ":" + fields[3]
	rest := fields[4:]
	if len(rest) > 0 && strings.Contains(rest[0], "/") {
		url += ":" + rest[0]
		rest = rest[1:]
	}
	merged = append(merged, url)
	return append(merged, rest...)
}

func parseInt(s, what string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s '%s': %w", ErrInvalidSpec, what, s, err)
	}
	return v, nil
}

// parseInts parses fields[from:] into the destinations; missing fields
// are left at zero.
func parseInts(fields []string, from int, dsts ...intField) error {
	for i, d := range dsts {
		idx := from + i
		if idx >= len(fields) {
			return nil
		}
		v, err := parseInt(fields[idx], d.name)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	return nil
}

type intField struct {
	name string
	dst  *int
}

func parseGeneric(spec *Spec, fields []string, opts ParseOptions) error {
	var rect compositor.Rect
	err := parseInts(fields, 3,
		intField{"top", &rect.Y},
		intField{"left", &rect.X},
		intField{"width", &rect.Width},
		intField{"height", &rect.Height},
		intField{"volume", &spec.Volume},
		intField{"rotation", &spec.Rotation},
		intField{"opacity", &spec.Opacity},
	)
	if err != nil {
		return err
	}
	if spec.Layer, err = parseInt(fields[1], "layer"); err != nil {
		return err
	}
	spec.Rect = opts.ScaleRect(rect)

	if spec.Kind == KindClock {
		for _, p := range strings.Split(fields[2], ",") {
			spec.Paths = append(spec.Paths, mergePath(opts.DataDir, p))
		}
	} else {
		spec.Paths = []string{mergePath(opts.DataDir, fields[2])}
	}

	switch spec.Kind {
	case KindMainVideo, KindMainAudio, KindAudio, KindVideo:
		spec.Volume = min(max(spec.Volume, 0), 100)
		if spec.Volume == 0 && spec.Kind != KindVideo {
			spec.Volume = 100
		}
	default:
		spec.Volume = 0
	}
	spec.Rotation %= 360
	if spec.Opacity <= 0 || spec.Opacity > 100 {
		spec.Opacity = 100
	}
	return nil
}

func parseText(spec *Spec, fields []string, opts ParseOptions) error {
	var rect compositor.Rect
	err := parseInts(fields, 3,
		intField{"top", &rect.Y},
		intField{"left", &rect.X},
		intField{"width", &rect.Width},
		intField{"height", &rect.Height},
		intField{"font size", &spec.FontSize},
		intField{"rotation", &spec.Rotation},
		intField{"opacity", &spec.Opacity},
	)
	if err != nil {
		return err
	}
	if spec.Layer, err = parseInt(fields[1], "layer"); err != nil {
		return err
	}
	spec.Rect = opts.ScaleRect(rect)
	spec.Text = DecodeText(fields[2])
	spec.Rotation %= 360
	if spec.Opacity <= 0 || spec.Opacity > 100 {
		spec.Opacity = 100
	}

	spec.Color = compositor.Black
	if len(fields) > 10 {
		spec.Font = strings.ReplaceAll(fields[10], "%20%", " ")
	}
	if len(fields) > 11 {
		if spec.Color, err = parseTextColor(fields[11]); err != nil {
			return err
		}
	}
	if len(fields) > 12 {
		if spec.OutlineSize, err = parseInt(fields[12], "outline size"); err != nil {
			return err
		}
	}
	if len(fields) > 13 {
		if spec.OutlineColor, err = parseTextColor(fields[13]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeText decodes the escapes that let text carry spaces and colons.
func DecodeText(s string) string {
	s = strings.ReplaceAll(s, "%20%", " ")
	return strings.ReplaceAll(s, "%c%", ":")
}

// parseTextColor accepts "#RGB", "#RRGGBB" and "#RRGGBBAA".
func parseTextColor(s string) (compositor.Color, error) {
	if len(s) < 4 || s[0] != '#' {
		return compositor.Color{}, fmt.Errorf("%w: invalid color '%s'", ErrInvalidSpec, s)
	}
	hex := s[1:]
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	c, err := compositor.ParseColor(hex)
	if err != nil {
		return compositor.Color{}, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	return c, nil
}

// mergePath resolves a relative path against the data directory.
func mergePath(dataDir, path string) string {
	path = strings.TrimSpace(path)
	if dataDir == "" || path == "" || path == "-" ||
		strings.HasPrefix(path, "/") || strings.Contains(path, "://") {
		return path
	}
	return filepath.Join(dataDir, strings.TrimPrefix(path, "./"))
}

func (s *Spec) validate() error {
	if s.Layer <= 0 && !s.Kind.IsAudio() {
		return fmt.Errorf("%w: layer must be positive for %s, got %d", ErrInvalidSpec, s.Kind, s.Layer)
	}
	if s.Kind.IsTextual() {
		if s.Text == "" {
			return fmt.Errorf("%w: empty text", ErrInvalidSpec)
		}
	} else if s.Path() == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidSpec)
	}
	if (s.Rect.Width > 0) != (s.Rect.Height > 0) {
		return fmt.Errorf("%w: width and height must be set together, got %dx%d", ErrInvalidSpec, s.Rect.Width, s.Rect.Height)
	}
	if s.Rect.Width < 0 || s.Rect.Height < 0 {
		return fmt.Errorf("%w: negative size %dx%d", ErrInvalidSpec, s.Rect.Width, s.Rect.Height)
	}
	if s.Kind == KindClock && len(s.Paths) != clockHandCount {
		return fmt.Errorf("%w: a clock needs %d images, got %d", ErrInvalidSpec, clockHandCount, len(s.Paths))
	}
	return nil
}
