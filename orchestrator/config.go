package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/xaionaro-go/avdecorate/compositor"
	"github.com/xaionaro-go/avdecorate/material"
	"github.com/xaionaro-go/secret"
)

const (
	DefaultStreamBufferSize = 10
	DefaultMaxQueue         = 100
	DefaultReadTimeoutCount = 100
	DefaultFirstFrameWait   = 200 * time.Millisecond

	// pacing thresholds
	minSleep       = 3 * time.Millisecond
	overrunLogging = 100 * time.Millisecond
)

// VisibilityPolicy decides what happens to materials of inactive products.
type VisibilityPolicy int

const (
	// VisibilityPause stops decoding hidden materials until they are shown again.
	VisibilityPause = VisibilityPolicy(iota)

	// VisibilityKeep keeps decoding hidden materials so they stay in sync.
	VisibilityKeep
)

func (p VisibilityPolicy) String() string {
	switch p {
	case VisibilityPause:
		return "pause"
	case VisibilityKeep:
		return "keep"
	default:
		return fmt.Sprintf("VisibilityPolicy(%d)", int(p))
	}
}

func ParseVisibilityPolicy(s string) (VisibilityPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pause":
		return VisibilityPause, nil
	case "keep":
		return VisibilityKeep, nil
	default:
		return VisibilityPause, fmt.Errorf("unknown visibility policy '%s'", s)
	}
}

type Config struct {
	Output    secret.String
	Materials []string

	// Width, Height and FPS of the output; zero takes them from the main track.
	Width   int
	Height  int
	FPS     float64
	BitRate int64

	// Alpha composes onto an RGBA canvas.
	Alpha      bool
	Background compositor.Color

	SampleRate    int
	AudioChannels int
	DisableAudio  bool

	// ResizeFilter is "fast", "quality" or empty for linear.
	ResizeFilter string

	StreamBufferSize int
	MaxQueue         int
	ReadTimeoutCount int
	FirstFrameWait   time.Duration

	Visibility VisibilityPolicy

	// ProductID is the product active at start.
	ProductID int

	ParseOptions material.ParseOptions
	PackedAlpha  compositor.PackedAlpha
	ChromaKey    bool

	// Realtime paces the output to the wall clock even if no source or
	// sink is live.
	Realtime bool
}

func (cfg Config) withDefaults() Config {
	if cfg.StreamBufferSize <= 0 {
		cfg.StreamBufferSize = DefaultStreamBufferSize
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	if cfg.ReadTimeoutCount <= 0 {
		cfg.ReadTimeoutCount = DefaultReadTimeoutCount
	}
	if cfg.FirstFrameWait <= 0 {
		cfg.FirstFrameWait = DefaultFirstFrameWait
	}
	return cfg
}
