package material

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avdecorate/compositor"
	"github.com/xaionaro-go/avdecorate/decodecache"
	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/framesource/fakesource"
	"github.com/xaionaro-go/avdecorate/raster"
	"github.com/xaionaro-go/avdecorate/textrender"
)

func testEnv(frames int) *Env {
	return &Env{
		Registry: decodecache.NewRegistry(),
		OpenSource: func(url string, cfg framesource.Config) (framesource.Source, error) {
			return fakesource.New(url, frames, cfg), nil
		},
		SourceConfig: framesource.Config{
			Channels:      raster.ChannelsOpaque,
			SampleRate:    8000,
			AudioChannels: 1,
		},
		FPS: 25,
		Now: func() time.Time {
			return time.Date(2024, 1, 2, 15, 30, 45, 0, time.Local)
		},
	}
}

func openMaterial(t *testing.T, env *Env, spec string) *Material {
	s, err := Parse(context.Background(), spec, ParseOptions{})
	require.NoError(t, err)
	m, err := New(s)
	require.NoError(t, err)
	require.NoError(t, m.Open(context.Background(), env))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func writePNG(t *testing.T, name string, img image.Image) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, imaging.Save(img, path))
	return path
}

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	return imaging.New(w, h, c)
}

func TestStillImage(t *testing.T) {
	red := color.NRGBA{R: 0xff, A: 0xff}
	path := writePNG(t, "red.png", solid(2, 2, red))
	m := openMaterial(t, testEnv(0), "image:2:"+path+":4:3")

	frame, err := m.Variant.NextFrame(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, raster.ChannelsOpaque, frame.Channels, "opaque pictures lose their alpha channel")
	require.Nil(t, frame.Mask)

	canvas := compositor.NewCanvas(10, 10, false, compositor.Black)
	require.NoError(t, m.Draw(context.Background(), canvas, 0, imaging.Linear))
	off := (4*10 + 3) * 3
	require.Equal(t, []byte{0xff, 0, 0}, canvas.Pix[off:off+3])
	require.Equal(t, compositor.Rect{X: 3, Y: 4, Width: 2, Height: 2}, m.Drawn)

	m.SetPlacement(5, compositor.Rect{X: 0, Y: 0, Width: 4, Height: 4})
	compositor.Clear(canvas, compositor.Black)
	require.NoError(t, m.Draw(context.Background(), canvas, 40, imaging.NearestNeighbor))
	require.Equal(t, compositor.Rect{Width: 4, Height: 4}, m.Drawn)
	require.Equal(t, []byte{0xff, 0, 0}, canvas.Pix[(3*10+3)*3:(3*10+3)*3+3])
	require.Equal(t, 5, m.Layer)
}

func TestStillImageTranslucent(t *testing.T) {
	path := writePNG(t, "half.png", solid(2, 2, color.NRGBA{G: 0xff, A: 0x80}))
	m := openMaterial(t, testEnv(0), "image:1:"+path)
	frame, err := m.Variant.NextFrame(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, raster.ChannelsAlpha, frame.Channels)
}

func TestImageMissing(t *testing.T) {
	s, err := Parse(context.Background(), "image:1:/nonexistent/x.png", ParseOptions{})
	require.NoError(t, err)
	m, err := New(s)
	require.NoError(t, err)
	require.Error(t, m.Open(context.Background(), testEnv(0)))
}

func writeGIF(t *testing.T) string {
	palette := color.Palette{color.Black, color.White}
	frame := func(idx uint8) *image.Paletted {
		img := image.NewPaletted(image.Rect(0, 0, 2, 2), palette)
		for i := range img.Pix {
			img.Pix[i] = idx
		}
		return img
	}
	path := filepath.Join(t.TempDir(), "anim.gif")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, gif.EncodeAll(f, &gif.GIF{
		Image: []*image.Paletted{frame(0), frame(1)},
		Delay: []int{0, 5},
	}))
	return path
}

func TestAnimation(t *testing.T) {
	m := openMaterial(t, testEnv(0), "gif:1:"+writeGIF(t))
	anim := m.Variant.(*Animation)
	require.Len(t, anim.Frames, 2)
	require.Equal(t, []float64{DefaultGIFDelay, 50}, anim.Durations)

	ctx := context.Background()
	for _, c := range []struct {
		ts    float64
		white bool
	}{
		{0, false},
		{99, false},
		{100, true},
		{149, true},
		{150, false},
		{250, true},
	} {
		frame, err := m.Variant.NextFrame(ctx, c.ts)
		require.NoError(t, err)
		require.Equal(t, c.white, frame.Pix[0] == 0xff, "ts=%v", c.ts)
	}
}

func TestImageFallsBackToAnimation(t *testing.T) {
	path := writeGIF(t)
	renamed := path + ".img"
	require.NoError(t, os.Rename(path, renamed))
	m := openMaterial(t, testEnv(0), "image:1:"+renamed)
	frame, err := m.Variant.NextFrame(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, frame)
}

func TestHandAngles(t *testing.T) {
	require.Equal(t, [3]int{105, 184, 270}, HandAngles(15, 30, 45))
	require.Equal(t, [3]int{0, 0, 0}, HandAngles(0, 0, 0))
}

func TestClock(t *testing.T) {
	face := writePNG(t, "face.png", solid(8, 8, color.NRGBA{B: 0xff, A: 0xff}))
	hand := writePNG(t, "hand.png", solid(2, 2, color.NRGBA{R: 0xff, A: 0xff}))
	m := openMaterial(t, testEnv(0), "clock:1:"+face+","+hand+","+hand+","+hand)

	ctx := context.Background()
	first, err := m.Variant.NextFrame(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 8, first.Width)
	require.Equal(t, 8, first.Height)
	require.Equal(t, byte(0xff), first.Pix[0+2], "the corner shows the face")

	same, err := m.Variant.NextFrame(ctx, 500)
	require.NoError(t, err)
	require.Same(t, first, same)

	next, err := m.Variant.NextFrame(ctx, 1000)
	require.NoError(t, err)
	require.NotSame(t, first, next)
}

func TestText(t *testing.T) {
	env := testEnv(0)
	env.Text = textrender.New()
	m := openMaterial(t, env, "text:1:Hello:0:0:200:40:20")
	frame, err := m.Variant.NextFrame(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 200, frame.Width)
	require.Equal(t, 40, frame.Height)

	m = openMaterial(t, env, "time:1:%H%c%%M:0:0")
	first, err := m.Variant.NextFrame(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, first)
	next, err := m.Variant.NextFrame(context.Background(), 500)
	require.NoError(t, err)
	require.Same(t, first, next)
}

func TestTextWithoutRenderer(t *testing.T) {
	s, err := Parse(context.Background(), "text:1:Hello", ParseOptions{})
	require.NoError(t, err)
	m, err := New(s)
	require.NoError(t, err)
	require.Error(t, m.Open(context.Background(), testEnv(0)))
}

func TestDecodedVideoAndAudio(t *testing.T) {
	ctx := context.Background()
	env := testEnv(-1)
	m := openMaterial(t, env, "video:2:clip.mp4:0:0:0:0:60")
	require.True(t, m.HasAudio())
	require.Equal(t, 1, env.Registry.Len())

	var ts float64
	require.Eventually(t, func() bool {
		frame, err := m.Variant.NextFrame(ctx, ts)
		ts += 40
		return err == nil && frame != nil
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		pcm, err := m.ReadAudio(ctx, 640)
		return err == nil && len(pcm) == 640
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, m.Close(ctx))
	require.Zero(t, env.Registry.Len())
}

func TestDecodedMutedVideo(t *testing.T) {
	m := openMaterial(t, testEnv(-1), "video:2:clip.mp4")
	require.False(t, m.HasAudio())
}

func TestDecodedAudioOnly(t *testing.T) {
	ctx := context.Background()
	m := openMaterial(t, testEnv(-1), "audio:0:music.mp3:0:0:0:0:60")
	require.False(t, m.HasVideo())
	require.True(t, m.HasAudio())
	frame, err := m.Variant.NextFrame(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, frame)
	require.Eventually(t, func() bool {
		pcm, err := m.ReadAudio(ctx, 640)
		return err == nil && len(pcm) == 640
	}, time.Second, 10*time.Millisecond)
}

func TestDecodedSuspend(t *testing.T) {
	ctx := context.Background()
	m := openMaterial(t, testEnv(-1), "video:2:clip.mp4")
	th := m.Variant.(*Decoded).Thread
	m.Suspend(ctx)
	require.True(t, m.IsSuspended())
	require.Eventually(t, func() bool {
		return th.State() == decodecache.StatePaused
	}, time.Second, 10*time.Millisecond)
	m.Resume(ctx)
	require.False(t, m.IsSuspended())
	require.Eventually(t, func() bool {
		return th.State() == decodecache.StateRunning
	}, time.Second, 10*time.Millisecond)
}

func TestMainTrack(t *testing.T) {
	ctx := context.Background()
	env := testEnv(3)
	m := openMaterial(t, env, "mainvideo:1:main.mp4")
	track := m.Variant.(*Main)

	for i := 0; i < 3; i++ {
		ts := float64(i * 40)
		require.NoError(t, track.Advance(ctx, ts, time.Second))
		frame, err := m.Variant.NextFrame(ctx, ts)
		require.NoError(t, err)
		require.Equal(t, byte(i), frame.Pix[0])
	}
	err := track.Advance(ctx, 120, time.Second)
	require.True(t, errors.Is(err, framesource.ErrEOF), err)

	pcm, err := m.ReadAudio(ctx, 640)
	require.NoError(t, err)
	require.Len(t, pcm, 640)
}

func TestMainAudioTrack(t *testing.T) {
	ctx := context.Background()
	m := openMaterial(t, testEnv(3), "mainaudio:1:music.mp3")
	track := m.Variant.(*Main)

	for i := 0; i < 3; i++ {
		require.NoError(t, track.Advance(ctx, float64(i*40), time.Second))
		pcm, err := m.ReadAudio(ctx, 640)
		require.NoError(t, err)
		require.Len(t, pcm, 640, "chunk %d", i)
	}
	err := track.Advance(ctx, 120, time.Second)
	require.True(t, errors.Is(err, framesource.ErrEOF), err)
}

func mainTrackAt(t *testing.T, fps float64, frames int) (*Material, *Main) {
	env := testEnv(frames)
	env.OpenSource = func(url string, cfg framesource.Config) (framesource.Source, error) {
		src := fakesource.New(url, frames, cfg)
		src.Spec.FPS = fps
		return src, nil
	}
	m := openMaterial(t, env, "mainvideo:1:main.mp4")
	return m, m.Variant.(*Main)
}

func TestMainTrackFasterThanOutput(t *testing.T) {
	ctx := context.Background()
	m, track := mainTrackAt(t, 50, 6)

	for i, expected := range []byte{0, 2, 4, 5} {
		ts := float64(i * 40)
		require.NoError(t, track.Advance(ctx, ts, time.Second))
		frame, err := m.Variant.NextFrame(ctx, ts)
		require.NoError(t, err)
		require.Equal(t, expected, frame.Pix[0], "ts %v", ts)
	}
	err := track.Advance(ctx, 160, time.Second)
	require.True(t, errors.Is(err, framesource.ErrEOF), err)

	// the audio of the skipped pictures is kept
	pcm, err := m.ReadAudio(ctx, 4000)
	require.NoError(t, err)
	require.Len(t, pcm, 6*320)
}

func TestMainTrackSlowerThanOutput(t *testing.T) {
	ctx := context.Background()
	m, track := mainTrackAt(t, 12.5, 3)

	for i, expected := range []byte{0, 0, 1, 1, 2} {
		ts := float64(i * 40)
		require.NoError(t, track.Advance(ctx, ts, time.Second))
		frame, err := m.Variant.NextFrame(ctx, ts)
		require.NoError(t, err)
		require.Equal(t, expected, frame.Pix[0], "ts %v", ts)
	}
}

func TestMainTrackOpenFailure(t *testing.T) {
	env := testEnv(3)
	env.OpenSource = func(url string, cfg framesource.Config) (framesource.Source, error) {
		src := fakesource.New(url, 3, cfg)
		src.OpenErr = errors.New("no such file")
		return src, nil
	}
	s, err := Parse(context.Background(), "mainvideo:1:main.mp4", ParseOptions{})
	require.NoError(t, err)
	m, err := New(s)
	require.NoError(t, err)
	require.Error(t, m.Open(context.Background(), env))
	require.Zero(t, env.Registry.Len())
}
