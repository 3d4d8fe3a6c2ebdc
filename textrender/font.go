package textrender

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/xsync"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

var DefaultFontDirs = []string{
	"/usr/share/fonts",
	"/usr/local/share/fonts",
}

type FontLoader struct {
	dirs  []string
	fonts xsync.Map[string, *opentype.Font]
}

func NewFontLoader(dirs ...string) *FontLoader {
	if len(dirs) == 0 {
		dirs = DefaultFontDirs
	}
	return &FontLoader{dirs: dirs}
}

// Load returns the named font; a font that cannot be found falls back to
// Go Regular with a warning.
func (l *FontLoader) Load(ctx context.Context, name string) (*opentype.Font, error) {
	if f, ok := l.fonts.Load(name); ok {
		return f, nil
	}
	f, err := l.load(ctx, name)
	if err != nil {
		return nil, err
	}
	l.fonts.Store(name, f)
	return f, nil
}

func (l *FontLoader) load(ctx context.Context, name string) (*opentype.Font, error) {
	if name == "" {
		return opentype.Parse(goregular.TTF)
	}
	path := l.find(name)
	if path == "" {
		logger.Warnf(ctx, "font '%s' is not found, using the default font", name)
		return opentype.Parse(goregular.TTF)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read '%s': %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".ttc") {
		collection, err := opentype.ParseCollection(data)
		if err != nil {
			return nil, fmt.Errorf("unable to parse the font collection '%s': %w", path, err)
		}
		if collection.NumFonts() == 0 {
			return nil, errors.New("the font collection is empty")
		}
		return collection.Font(0)
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("unable to parse the font '%s': %w", path, err)
	}
	logger.Debugf(ctx, "using font file %s", path)
	return f, nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func (l *FontLoader) find(name string) string {
	candidates := []string{name, name + ".ttf", name + ".ttc", name + ".otf"}
	for _, c := range candidates {
		if fileExists(c) {
			return c
		}
	}
	if filepath.IsAbs(name) {
		return ""
	}
	var found string
	for _, dir := range l.dirs {
		_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || found != "" {
				return nil
			}
			base := d.Name()
			for _, c := range candidates {
				if strings.EqualFold(base, c) {
					found = path
					return filepath.SkipAll
				}
			}
			return nil
		})
		if found != "" {
			break
		}
	}
	return found
}
