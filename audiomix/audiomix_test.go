package audiomix

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func pcm(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func samplesOf(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

func TestMixNoSources(t *testing.T) {
	require.Equal(t, make([]int16, 8), samplesOf(Mix(8)))
}

func TestMixSingleSourceZeroPads(t *testing.T) {
	out := Mix(5, Source{PCM: pcm(1, -2, 3), Volume: 40})
	require.Equal(t, []int16{1, -2, 3, 0, 0}, samplesOf(out))
}

func TestMixSingleSourceTruncates(t *testing.T) {
	out := Mix(2, Source{PCM: pcm(1, -2, 3), Volume: 100})
	require.Equal(t, []int16{1, -2}, samplesOf(out))
}

func TestMixEqualVolumesIsIntegerMean(t *testing.T) {
	a := pcm(10, -10, 7, 32767, -32768)
	b := pcm(20, -21, 0, 32767, -32768)
	out := Mix(5, Source{PCM: a, Volume: 100}, Source{PCM: b, Volume: 100})
	require.Equal(t, []int16{15, -15, 3, 32767, -32768}, samplesOf(out))
}

func TestMixWeighted(t *testing.T) {
	main := pcm(1000, -1000, 160, 3)
	music := pcm(200, 200, -160)
	out := Mix(4, Source{PCM: main, Volume: 100}, Source{PCM: music, Volume: 60})
	require.Equal(t, []int16{
		int16((1000*100 + 200*60) / 160),
		int16((-1000*100 + 200*60) / 160),
		int16((160*100 - 160*60) / 160),
		int16(3 * 100 / 160),
	}, samplesOf(out))
}

func TestMixMutedSourcesExcluded(t *testing.T) {
	out := Mix(2,
		Source{PCM: pcm(100, 200), Volume: 0},
		Source{PCM: pcm(4, 8), Volume: 50},
		Source{PCM: pcm(1, 1), Volume: -5},
	)
	require.Equal(t, []int16{4, 8}, samplesOf(out))

	out = Mix(2, Source{PCM: pcm(100, 200), Volume: 0})
	require.Equal(t, []int16{0, 0}, samplesOf(out))
}
