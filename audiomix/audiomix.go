// Package audiomix mixes interleaved signed 16-bit little-endian PCM buffers
// by an integer weighted average.
package audiomix

import (
	"encoding/binary"
)

// MaxVolume is the volume at which a source is taken as is.
const MaxVolume = 100

type Source struct {
	PCM []byte

	// Volume is the weight of the source; sources with Volume <= 0 are muted.
	Volume int
}

func (s Source) samples() int {
	return len(s.PCM) / 2
}

func (s Source) sample(i int) int {
	return int(int16(binary.LittleEndian.Uint16(s.PCM[2*i:])))
}

// Mix returns samples*2 bytes of the weighted average of the sources.
func Mix(samples int, sources ...Source) []byte {
	out := make([]byte, samples*2)
	MixInto(out, sources...)
	return out
}

// MixInto writes the weighted average of the sources into out, every
// sample index i being
//
//	sum(pcm_k[i] * volume_k) / sum(volume_k)
//
// over the active sources, where a source shorter than out contributes
// nothing past its end but keeps its weight. A single active source is
// copied as is and zero padded.
func MixInto(out []byte, sources ...Source) {
	active := make([]Source, 0, len(sources))
	totalVolume := 0
	for _, src := range sources {
		if src.Volume <= 0 {
			continue
		}
		active = append(active, src)
		totalVolume += src.Volume
	}

	switch {
	case len(active) == 0, totalVolume <= 0:
		clear(out)
		return
	case len(active) == 1:
		n := copy(out, active[0].PCM[:2*active[0].samples()])
		clear(out[n:])
		return
	}

	for i := 0; i < len(out)/2; i++ {
		acc := 0
		for _, src := range active {
			if i >= src.samples() {
				continue
			}
			acc += src.sample(i) * src.Volume
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(acc/totalVolume)))
	}
	if len(out)&1 != 0 {
		out[len(out)-1] = 0
	}
}
