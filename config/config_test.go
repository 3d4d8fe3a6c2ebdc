package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avdecorate/compositor"
	"github.com/xaionaro-go/avdecorate/control"
	"github.com/xaionaro-go/avdecorate/orchestrator"
)

func parse(t *testing.T, args ...string) (*Config, *pflag.FlagSet) {
	cfg := Default()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags, &cfg)
	require.NoError(t, flags.Parse(args))
	return &cfg, flags
}

func TestFlags(t *testing.T) {
	cfg, _ := parse(t,
		"-o", "rtmp://host/app/secret-key",
		"-m", "mainvideo:1:main.mp4",
		"-m", "clock:2:face.png,h.png,m.png,s.png:0:0",
		"--width", "1280", "--height", "720",
		"--background", "#102030",
		"--visibility", "keep",
		"--control-path", "/tmp/ctl", "--control-mode", "text",
	)
	require.Len(t, cfg.Materials, 2)
	require.Equal(t, "clock:2:face.png,h.png,m.png,s.png:0:0", cfg.Materials[1])

	oc, err := cfg.Orchestrator()
	require.NoError(t, err)
	require.Equal(t, "rtmp://host/app/secret-key", oc.Output.Get())
	require.Equal(t, compositor.Color{R: 0x10, G: 0x20, B: 0x30, A: 0xff}, oc.Background)
	require.Equal(t, orchestrator.VisibilityKeep, oc.Visibility)
	require.Equal(t, 44100, oc.SampleRate)
	require.Equal(t, orchestrator.DefaultStreamBufferSize, oc.StreamBufferSize)

	cc, ok, err := cfg.Control()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, control.ModeText, cc.Mode)
}

func TestValidate(t *testing.T) {
	for name, args := range map[string][]string{
		"no output":    {"-m", "mainvideo:1:main.mp4"},
		"no materials": {"-o", "out.flv"},
		"half size":    {"-o", "out.flv", "-m", "mainvideo:1:main.mp4", "--width", "10"},
		"bad color":    {"-o", "out.flv", "-m", "mainvideo:1:main.mp4", "--background", "red"},
		"bad policy":   {"-o", "out.flv", "-m", "mainvideo:1:main.mp4", "--visibility", "drop"},
	} {
		t.Run(name, func(t *testing.T) {
			cfg, _ := parse(t, args...)
			_, err := cfg.Orchestrator()
			require.Error(t, err)
		})
	}

	cfg, _ := parse(t, "--control-path", "/tmp/ctl", "--control-mode", "xml")
	_, _, err := cfg.Control()
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
output: raw:///tmp/out.raw
material:
  - mainvideo:1:main.mp4
width: 640
height: 360
first-frame-wait: 1s
muxer-option:
  flvflags: no_duration_filesize
`), 0o644))

	cfg, flags := parse(t, "--width", "320")
	require.NoError(t, Load(path, flags, cfg))
	require.Equal(t, "raw:///tmp/out.raw", cfg.Output)
	require.Equal(t, []string{"mainvideo:1:main.mp4"}, cfg.Materials)
	require.Equal(t, 320, cfg.Width, "explicit flags win over the file")
	require.Equal(t, 360, cfg.Height)
	require.Equal(t, time.Second, cfg.FirstFrameWait)
	require.Equal(t, "no_duration_filesize", cfg.SinkOptions().MuxerOptions["flvflags"])
	require.Equal(t, orchestrator.DefaultMaxQueue, cfg.MaxQueue)

	require.Error(t, Load(filepath.Join(t.TempDir(), "missing.yaml"), flags, cfg))
}
