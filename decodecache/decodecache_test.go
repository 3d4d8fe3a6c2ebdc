package decodecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/raster"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func readAllUnits(t *testing.T, th *Thread) []Unit {
	ctx := context.Background()
	var units []Unit
	for {
		u, err := th.ReadUnit(ctx, time.Second)
		if errors.Is(err, framesource.ErrEOF) {
			return units
		}
		require.NoError(t, err)
		units = append(units, u)
		require.LessOrEqual(t, len(units), 1000)
	}
}

func TestPairedVideoAndAudio(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("main.mp4", 5, true, true)
	th := New(src, Config{Mode: ModePaired})
	th.Start(ctx)
	defer th.Stop(ctx, false)

	units := readAllUnits(t, th)
	require.Len(t, units, 5)
	for idx, u := range units {
		require.NotNil(t, u.Video)
		require.Equal(t, byte(idx), u.Video.Pix[0])
		require.Len(t, u.Audio, bytesPerFrame)
		require.Equal(t, byte(idx+1), u.Audio[0])
		require.Equal(t, 7, u.ProductID)
	}
	require.Equal(t, StateEOF, th.State())
	require.True(t, th.IsEOF())
	require.NoError(t, th.Err())
}

func TestPairedVideoOutlivesAudio(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("main.mp4", 5, true, true)
	src.audioFrames = 3
	th := New(src, Config{Mode: ModePaired})
	th.Start(ctx)
	defer th.Stop(ctx, false)

	units := readAllUnits(t, th)
	require.Len(t, units, 5, "the end of the audio does not end a source with video")
	for idx, u := range units {
		require.NotNil(t, u.Video)
		if idx < 3 {
			require.Len(t, u.Audio, bytesPerFrame)
		} else {
			require.Empty(t, u.Audio)
		}
	}
	require.Equal(t, StateEOF, th.State())
}

func TestPairedAudioOnly(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("music.mp3", 5, false, true)
	th := New(src, Config{Mode: ModePaired, FPS: 25})
	th.Start(ctx)
	defer th.Stop(ctx, false)

	units := readAllUnits(t, th)
	require.Len(t, units, 5)
	for _, u := range units {
		require.Nil(t, u.Video)
		require.Len(t, u.Audio, bytesPerFrame)
	}
}

func TestPairedTerminalError(t *testing.T) {
	ctx := context.Background()
	errBoom := errors.New("boom")
	src := newFakeSource("broken.mp4", 5, true, false)
	src.failAfter = 2
	src.failErr = errBoom
	th := New(src, Config{Mode: ModePaired})
	th.Start(ctx)
	defer th.Stop(ctx, false)

	var (
		got int
		err error
	)
	for attempt := 0; attempt < 100; attempt++ {
		_, err = th.ReadUnit(ctx, 50*time.Millisecond)
		if err == nil {
			got++
			continue
		}
		if errors.Is(err, errBoom) {
			break
		}
		require.ErrorIs(t, err, ErrTimeout)
	}
	require.Equal(t, 2, got)
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, StateError, th.State())
}

func TestIndependent(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("overlay.mp4", 5, true, true)
	th := New(src, Config{Mode: ModeIndependent})
	th.Start(ctx)
	defer th.Stop(ctx, false)

	for idx := 0; idx < 5; idx++ {
		img, err := th.ReadVideo(ctx, time.Second)
		require.NoError(t, err)
		require.Equal(t, byte(idx), img.Pix[0])
	}
	var audioBytes int
	for {
		c, err := th.ReadAudio(ctx, time.Second)
		if errors.Is(err, framesource.ErrEOF) {
			break
		}
		require.NoError(t, err)
		audioBytes += len(c.PCM)
	}
	require.Equal(t, 5*bytesPerFrame, audioBytes)

	_, err := th.ReadVideo(ctx, time.Second)
	require.ErrorIs(t, err, framesource.ErrEOF)
}

func TestLiveFileLoops(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("loop.mp4", 3, true, false)
	th := New(src, Config{Mode: ModeLive})
	th.Start(ctx)
	defer th.Stop(ctx, false)

	require.Eventually(t, func() bool {
		if _, err := th.ReadLiveVideo(ctx); err != nil {
			return false
		}
		return src.opens.Load() >= 2 && th.ReopenGeneration() >= 1
	}, 5*time.Second, time.Millisecond)
	require.False(t, th.IsEOF())
}

func TestLiveVideoKeepsLastFrame(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("rtmp://example/live", 0, true, false)
	th := New(src, Config{Mode: ModeLive, SourceIsOpen: true})

	img, err := th.ReadLiveVideo(ctx)
	require.NoError(t, err)
	require.Nil(t, img)

	first := raster.New(2, 2, raster.ChannelsOpaque)
	require.NoError(t, th.Video.Push(first))
	img, err = th.ReadLiveVideo(ctx)
	require.NoError(t, err)
	require.Same(t, first, img)

	img, err = th.ReadLiveVideo(ctx)
	require.NoError(t, err)
	require.Same(t, first, img)
}

func pushNumberedFrames(t *testing.T, th *Thread, n int) {
	for idx := 0; idx < n; idx++ {
		img := raster.New(2, 2, raster.ChannelsOpaque)
		img.Pix[0] = byte(idx)
		require.NoError(t, th.Video.Push(img))
	}
}

func TestLiveFloorVideoOnly(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("rtmp://example/live", 0, true, false)
	th := New(src, Config{Mode: ModeLive, Floor: 10, SourceIsOpen: true})
	pushNumberedFrames(t, th, 20)

	img, err := th.ReadLiveVideo(ctx)
	require.NoError(t, err)
	require.Equal(t, byte(15), img.Pix[0])
	require.Equal(t, 4, th.Video.Size())
}

func TestLiveFloorDiscardsAudioProportionally(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("rtmp://example/live", 0, true, true)
	th := New(src, Config{Mode: ModeLive, Floor: 10, SourceIsOpen: true})
	pushNumberedFrames(t, th, 20)
	for idx := 0; idx < 20; idx++ {
		require.NoError(t, th.Audio.Push(AudioChunk{PCM: make([]byte, bytesPerFrame)}))
	}

	img, err := th.ReadLiveVideo(ctx)
	require.NoError(t, err)
	require.Equal(t, byte(15), img.Pix[0])
	require.Equal(t, 4, th.Video.Size())
	require.Equal(t, 5, th.Audio.Size())
}

func TestLiveAudioAccumulates(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("rtmp://example/live", 0, false, true)
	th := New(src, Config{Mode: ModeLive, SourceIsOpen: true})
	for idx := 0; idx < 3; idx++ {
		require.NoError(t, th.Audio.Push(AudioChunk{PCM: make([]byte, 100), ProductID: idx + 1}))
	}

	pcm, productID, err := th.ReadLiveAudio(ctx, 250)
	require.NoError(t, err)
	require.Len(t, pcm, 200)
	require.Equal(t, 2, productID)

	pcm, productID, err = th.ReadLiveAudio(ctx, 150)
	require.NoError(t, err)
	require.Len(t, pcm, 100)
	require.Equal(t, 3, productID)
}

func TestLiveAudioResetOnReopen(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("rtmp://example/live", 0, false, true)
	th := New(src, Config{Mode: ModeLive, SourceIsOpen: true})
	require.NoError(t, th.Audio.Push(AudioChunk{PCM: make([]byte, 300)}))

	pcm, _, err := th.ReadLiveAudio(ctx, 100)
	require.NoError(t, err)
	require.Len(t, pcm, 100)

	th.invalidate(ctx, "test")
	pcm, _, err = th.ReadLiveAudio(ctx, 100)
	require.NoError(t, err)
	require.Empty(t, pcm)
}

func TestPauseClosesSource(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("rtmp://example/live", 1000, true, false)
	th := New(src, Config{Mode: ModeLive, MaxQueue: 5})
	th.Start(ctx)
	defer th.Stop(ctx, false)

	require.Eventually(t, func() bool { return th.Video.Size() == 5 }, 5*time.Second, time.Millisecond)
	th.Pause(ctx)
	require.Eventually(t, func() bool { return th.State() == StatePaused }, 5*time.Second, time.Millisecond)
	require.Equal(t, 0, th.Video.Size())
	require.GreaterOrEqual(t, src.closes.Load(), int64(1))

	th.Start(ctx)
	require.Eventually(t, func() bool { return th.Video.Size() > 0 }, 5*time.Second, time.Millisecond)
	require.GreaterOrEqual(t, src.opens.Load(), int64(2))
}

func TestRegistryStartsFreshSource(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	src := newFakeSource("fresh.mp4", 2, true, false)

	var th *Thread
	require.NotPanics(t, func() {
		th = r.Start(ctx, src, Config{Mode: ModePaired, MaxQueue: 10})
	})
	require.NotNil(t, th)
	defer r.StopAll(ctx, true)

	got, ok := r.Get(src)
	require.True(t, ok)
	require.Same(t, th, got)

	unit, err := th.ReadUnit(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, unit.Video)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	a := newFakeSource("a.mp4", 3, true, false)
	b := newFakeSource("b.mp4", 3, true, false)

	ta := r.Start(ctx, a, Config{Mode: ModeIndependent})
	tb := r.Start(ctx, b, Config{Mode: ModeIndependent})
	require.NotSame(t, ta, tb)
	require.Same(t, ta, r.Start(ctx, a, Config{Mode: ModeIndependent}))
	require.Equal(t, 2, r.Len())

	got, ok := r.Get(b)
	require.True(t, ok)
	require.Same(t, tb, got)

	r.Stop(ctx, a, false)
	_, ok = r.Get(a)
	require.False(t, ok)
	require.Equal(t, 1, r.Len())

	r.StopAll(ctx, false)
	require.Equal(t, 0, r.Len())
	require.Contains(t, []State{StateEOF, StateTerminated}, tb.State())
}
