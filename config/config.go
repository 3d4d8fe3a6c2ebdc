// Package config holds the externally supplied parameters of a run and
// turns them into the configurations of the components.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xaionaro-go/avdecorate/compositor"
	"github.com/xaionaro-go/avdecorate/control"
	"github.com/xaionaro-go/avdecorate/material"
	"github.com/xaionaro-go/avdecorate/orchestrator"
	"github.com/xaionaro-go/avdecorate/sink/libav"
	"github.com/xaionaro-go/secret"
)

type Config struct {
	Output    string   `mapstructure:"output"`
	Materials []string `mapstructure:"material"`

	Width      int     `mapstructure:"width"`
	Height     int     `mapstructure:"height"`
	FPS        float64 `mapstructure:"fps"`
	BitRate    int64   `mapstructure:"bitrate"`
	Alpha      bool    `mapstructure:"alpha"`
	Background string  `mapstructure:"background"`

	SampleRate    int  `mapstructure:"sample-rate"`
	AudioChannels int  `mapstructure:"audio-channels"`
	DisableAudio  bool `mapstructure:"disable-audio"`

	ResizeFilter string `mapstructure:"resize-filter"`
	PackedAlpha  string `mapstructure:"packed-alpha"`
	ChromaKey    bool   `mapstructure:"chroma-key"`
	Realtime     bool   `mapstructure:"realtime"`

	DataDir  string   `mapstructure:"data-dir"`
	XRatio   float64  `mapstructure:"x-ratio"`
	YRatio   float64  `mapstructure:"y-ratio"`
	FontDirs []string `mapstructure:"font-dir"`

	ControlPath string `mapstructure:"control-path"`
	ControlMode string `mapstructure:"control-mode"`
	EventPath   string `mapstructure:"event-path"`

	StreamBufferSize int           `mapstructure:"stream-buffer-size"`
	MaxQueue         int           `mapstructure:"max-queue"`
	ReadTimeoutCount int           `mapstructure:"read-timeout-count"`
	FirstFrameWait   time.Duration `mapstructure:"first-frame-wait"`
	Visibility       string        `mapstructure:"visibility"`
	ProductID        int           `mapstructure:"product-id"`

	VideoCodec   string            `mapstructure:"video-codec"`
	AudioCodec   string            `mapstructure:"audio-codec"`
	MuxerOptions map[string]string `mapstructure:"muxer-option"`

	MetricsListenAddr string `mapstructure:"metrics-listen-addr"`
	LogLevel          string `mapstructure:"log-level"`
}

func Default() Config {
	return Config{
		Background:       "#000000",
		SampleRate:       44100,
		AudioChannels:    2,
		ControlMode:      control.ModeBinary.String(),
		StreamBufferSize: orchestrator.DefaultStreamBufferSize,
		MaxQueue:         orchestrator.DefaultMaxQueue,
		ReadTimeoutCount: orchestrator.DefaultReadTimeoutCount,
		FirstFrameWait:   orchestrator.DefaultFirstFrameWait,
		Visibility:       orchestrator.VisibilityPause.String(),
		LogLevel:         "warning",
	}
}

// BindFlags registers the flags of every parameter, defaulting to the
// values already in cfg.
func BindFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringVarP(&cfg.Output, "output", "o", cfg.Output, "output URL, '-' or raw:///path for framed raw media")
	flags.StringArrayVarP(&cfg.Materials, "material", "m", cfg.Materials, "material spec; can be repeated")
	flags.IntVar(&cfg.Width, "width", cfg.Width, "output width; 0 takes the main track size")
	flags.IntVar(&cfg.Height, "height", cfg.Height, "output height; 0 takes the main track size")
	flags.Float64Var(&cfg.FPS, "fps", cfg.FPS, "output frame rate; 0 takes the main track rate")
	flags.Int64Var(&cfg.BitRate, "bitrate", cfg.BitRate, "output video bitrate in bits per second")
	flags.BoolVar(&cfg.Alpha, "alpha", cfg.Alpha, "compose onto an RGBA canvas")
	flags.StringVar(&cfg.Background, "background", cfg.Background, "canvas color, #RRGGBB or #RRGGBBAA")
	flags.IntVar(&cfg.SampleRate, "sample-rate", cfg.SampleRate, "output audio sample rate")
	flags.IntVar(&cfg.AudioChannels, "audio-channels", cfg.AudioChannels, "output audio channels")
	flags.BoolVar(&cfg.DisableAudio, "disable-audio", cfg.DisableAudio, "produce no audio")
	flags.StringVar(&cfg.ResizeFilter, "resize-filter", cfg.ResizeFilter, "fast|quality; linear if empty")
	flags.StringVar(&cfg.PackedAlpha, "packed-alpha", cfg.PackedAlpha, "the half of the main video carrying alpha: left|right|top|bottom")
	flags.BoolVar(&cfg.ChromaKey, "chroma-key", cfg.ChromaKey, "remove the green background of the main video")
	flags.BoolVar(&cfg.Realtime, "realtime", cfg.Realtime, "pace the output to the wall clock")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory prepended to relative material paths")
	flags.Float64Var(&cfg.XRatio, "x-ratio", cfg.XRatio, "horizontal scale of material coordinates")
	flags.Float64Var(&cfg.YRatio, "y-ratio", cfg.YRatio, "vertical scale of material coordinates")
	flags.StringSliceVar(&cfg.FontDirs, "font-dir", cfg.FontDirs, "directories to look up fonts in")
	flags.StringVar(&cfg.ControlPath, "control-path", cfg.ControlPath, "FIFO or text file to read live commands from")
	flags.StringVar(&cfg.ControlMode, "control-mode", cfg.ControlMode, "binary|text")
	flags.StringVar(&cfg.EventPath, "event-path", cfg.EventPath, "FIFO or file to write events to")
	flags.IntVar(&cfg.StreamBufferSize, "stream-buffer-size", cfg.StreamBufferSize, "queue depth kept for live materials")
	flags.IntVar(&cfg.MaxQueue, "max-queue", cfg.MaxQueue, "maximal decode queue length")
	flags.IntVar(&cfg.ReadTimeoutCount, "read-timeout-count", cfg.ReadTimeoutCount, "consecutive empty waits on the main track before giving up")
	flags.DurationVar(&cfg.FirstFrameWait, "first-frame-wait", cfg.FirstFrameWait, "extra wait for the first frame of a live main track")
	flags.StringVar(&cfg.Visibility, "visibility", cfg.Visibility, "pause|keep: what happens to materials of inactive products")
	flags.IntVar(&cfg.ProductID, "product-id", cfg.ProductID, "the product active at start")
	flags.StringVar(&cfg.VideoCodec, "video-codec", cfg.VideoCodec, "video encoder name")
	flags.StringVar(&cfg.AudioCodec, "audio-codec", cfg.AudioCodec, "audio encoder name")
	flags.StringToStringVar(&cfg.MuxerOptions, "muxer-option", cfg.MuxerOptions, "muxer options, key=value")
	flags.StringVar(&cfg.MetricsListenAddr, "metrics-listen-addr", cfg.MetricsListenAddr, "address to serve /metrics on")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
}

// Load merges the config file at path (if any) under the flags that were
// set explicitly.
func Load(path string, flags *pflag.FlagSet, cfg *Config) error {
	if path == "" {
		return nil
	}
	materials := cfg.Materials

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("unable to read the config file '%s': %w", path, err)
	}
	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("unable to bind the flags: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unable to parse the config file '%s': %w", path, err)
	}

	// material specs may contain commas, which viper would split on
	if f := flags.Lookup("material"); f != nil && f.Changed {
		cfg.Materials = materials
	}
	return nil
}

func (cfg Config) Validate() error {
	if cfg.Output == "" {
		return fmt.Errorf("no output is set")
	}
	if len(cfg.Materials) == 0 {
		return fmt.Errorf("no materials are set")
	}
	if cfg.Width < 0 || cfg.Height < 0 || cfg.FPS < 0 || cfg.BitRate < 0 {
		return fmt.Errorf("negative output parameters: %dx%d@%v %d bps", cfg.Width, cfg.Height, cfg.FPS, cfg.BitRate)
	}
	if (cfg.Width == 0) != (cfg.Height == 0) {
		return fmt.Errorf("width and height must be set together")
	}
	return nil
}

// Orchestrator returns the configuration of the main loop.
func (cfg Config) Orchestrator() (orchestrator.Config, error) {
	if err := cfg.Validate(); err != nil {
		return orchestrator.Config{}, err
	}
	bg, err := compositor.ParseColor(cfg.Background)
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("invalid background: %w", err)
	}
	visibility, err := orchestrator.ParseVisibilityPolicy(cfg.Visibility)
	if err != nil {
		return orchestrator.Config{}, err
	}
	packedAlpha, err := compositor.ParsePackedAlpha(cfg.PackedAlpha)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		Output:           secret.New(cfg.Output),
		Materials:        cfg.Materials,
		Width:            cfg.Width,
		Height:           cfg.Height,
		FPS:              cfg.FPS,
		BitRate:          cfg.BitRate,
		Alpha:            cfg.Alpha,
		Background:       bg,
		SampleRate:       cfg.SampleRate,
		AudioChannels:    cfg.AudioChannels,
		DisableAudio:     cfg.DisableAudio,
		ResizeFilter:     cfg.ResizeFilter,
		StreamBufferSize: cfg.StreamBufferSize,
		MaxQueue:         cfg.MaxQueue,
		ReadTimeoutCount: cfg.ReadTimeoutCount,
		FirstFrameWait:   cfg.FirstFrameWait,
		Visibility:       visibility,
		ProductID:        cfg.ProductID,
		ParseOptions: material.ParseOptions{
			DataDir: cfg.DataDir,
			XRatio:  cfg.XRatio,
			YRatio:  cfg.YRatio,
		},
		PackedAlpha: packedAlpha,
		ChromaKey:   cfg.ChromaKey,
		Realtime:    cfg.Realtime,
	}, nil
}

// Control returns the configuration of the command channel, if any.
func (cfg Config) Control() (control.Config, bool, error) {
	if cfg.ControlPath == "" {
		return control.Config{}, false, nil
	}
	c := control.Config{Path: cfg.ControlPath}
	switch strings.ToLower(cfg.ControlMode) {
	case "", "binary":
		c.Mode = control.ModeBinary
	case "text":
		c.Mode = control.ModeText
	default:
		return control.Config{}, false, fmt.Errorf("unknown control mode '%s'", cfg.ControlMode)
	}
	return c, true, nil
}

func (cfg Config) SinkOptions() libav.Options {
	return libav.Options{
		VideoCodec:   cfg.VideoCodec,
		AudioCodec:   cfg.AudioCodec,
		MuxerOptions: cfg.MuxerOptions,
	}
}
