// types.go declares the cache modes, thread states and queued units.

// Package decodecache runs one background decode loop per active source and
// caches its output in SafeQueues according to a cache mode.
package decodecache

import (
	"fmt"
	"time"

	"github.com/xaionaro-go/avdecorate/raster"
)

type Mode int

const (
	// ModePaired queues a picture together with the audio decoded since the
	// previous picture; EOF and errors are terminal. Used for the main track.
	ModePaired = Mode(iota)

	// ModeIndependent queues pictures and audio separately; EOF and errors are terminal.
	ModeIndependent

	// ModeLive queues pictures and audio separately, bounds latency by
	// discarding stale entries and reconnects or rewinds on EOF.
	ModeLive
)

func (m Mode) String() string {
	switch m {
	case ModePaired:
		return "paired"
	case ModeIndependent:
		return "independent"
	case ModeLive:
		return "live"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

type State int32

const (
	StateIdle = State(iota)
	StateOpening
	StateRunning
	StateEOF
	StateError
	StateReopening
	StatePaused
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateEOF:
		return "eof"
	case StateError:
		return "error"
	case StateReopening:
		return "reopening"
	case StatePaused:
		return "paused"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Unit is a picture and the audio co-timed with it.
type Unit struct {
	Video     *raster.Image
	Audio     []byte
	ProductID int
}

type AudioChunk struct {
	PCM       []byte
	ProductID int
}

const (
	DefaultMaxQueue          = 100
	DefaultOpenRetryInterval = time.Second
	DefaultReconnectBackoff  = time.Second
	DefaultStallTimeout      = time.Second
	idleInterval             = 10 * time.Millisecond
)

type Config struct {
	Mode Mode

	// Floor is the live queue depth above which stale entries are
	// discarded; zero disables discarding.
	Floor int

	// MaxQueue is the depth at which the decode loop stops reading ahead.
	MaxQueue int

	// FPS sizes audio chunks of audio-only sources; zero uses the source frame rate.
	FPS float64

	// SourceIsOpen tells the thread the source was opened by the caller.
	SourceIsOpen bool

	OpenRetryInterval time.Duration
	ReconnectBackoff  time.Duration
	StallTimeout      time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	if cfg.OpenRetryInterval <= 0 {
		cfg.OpenRetryInterval = DefaultOpenRetryInterval
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	return cfg
}
