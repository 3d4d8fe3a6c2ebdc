package rawpipe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/rawmedia"
	"github.com/xaionaro-go/avdecorate/raster"
)

func TestParseURL(t *testing.T) {
	p, err := ParseURL("raw:///tmp/in.fifo?width=4&height=2&channels=4&fps=30&rate=16000&ac=1")
	require.NoError(t, err)
	require.Equal(t, Params{
		Path: "/tmp/in.fifo", Width: 4, Height: 2, Channels: 4, FPS: 30, SampleRate: 16000, AudioChannels: 1,
	}, p)

	p, err = ParseURL("shm://feed0?rate=16000&ac=2")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(SharedMemoryDir, "feed0"), p.Path)
	require.Equal(t, raster.ChannelsOpaque, p.Channels)

	_, err = ParseURL("raw:///tmp/x?width=4")
	require.Error(t, err)
	_, err = ParseURL("file:///tmp/x")
	require.Error(t, err)
}

func TestReadMultiplexed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "in.raw")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := rawmedia.NewWriter(f)
	require.NoError(t, w.WriteExtAudio(0, 1, make([]byte, 100)))
	require.NoError(t, w.WriteVideo(0, make([]byte, 2*2*3)))
	require.NoError(t, w.WriteExtAudio(1, 2, make([]byte, 40)))
	require.NoError(t, w.WriteVideo(1, make([]byte, 2*2*3)))
	require.NoError(t, f.Close())

	src, err := New("raw://"+path+"?width=2&height=2&rate=16000&ac=1", framesource.Config{Channels: raster.ChannelsAlpha})
	require.NoError(t, err)
	require.NoError(t, src.Open(ctx))
	defer src.Close(ctx)

	img, err := src.ReadVideo(ctx)
	require.NoError(t, err)
	require.Equal(t, raster.ChannelsAlpha, img.Channels)
	require.Equal(t, 1, src.ProductID())
	require.Equal(t, 100, src.BufferedAudioBytes())

	pcm, err := src.ReadAudio(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pcm, 100)

	// reading stops at the end of input with what is buffered
	pcm, err = src.ReadAudio(ctx, 200)
	require.NoError(t, err)
	require.Len(t, pcm, 40)
	require.Equal(t, 2, src.ProductID())
	require.Equal(t, 1, src.PendingVideoFrames())

	_, err = src.ReadVideo(ctx)
	require.NoError(t, err)
	_, err = src.ReadVideo(ctx)
	require.ErrorIs(t, err, framesource.ErrEOF)
}
