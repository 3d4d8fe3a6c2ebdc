// thread.go implements the per-source background decode loop.

package decodecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/helpers/closuresignaler"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/metrics"
	"github.com/xaionaro-go/avdecorate/raster"
	"github.com/xaionaro-go/avdecorate/safequeue"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

// ErrTimeout is returned when a bounded wait on a queue produced nothing.
var ErrTimeout = safequeue.ErrTimeout

// Thread owns a Source and decodes it ahead of the consumer.
type Thread struct {
	Source framesource.Source
	Config Config

	Units *safequeue.Queue[Unit]
	Video *safequeue.Queue[*raster.Image]
	Audio *safequeue.Queue[AudioChunk]

	state      atomic.Int32
	eof        atomic.Bool
	paused     atomic.Bool
	generation atomic.Uint64

	locker  xsync.Mutex
	info    framesource.Info
	err     error
	opened  bool
	started bool
	exit    *closuresignaler.ClosureSignaler
	done    chan struct{}

	// producer side audio accounting
	audioWantedF float64
	audioRecv    int

	// consumer side of the live reads
	lastFrame      *raster.Image
	lastAudio      []byte
	lastProductID  int
	lastGeneration uint64
}

func New(src framesource.Source, cfg Config) *Thread {
	cfg = cfg.withDefaults()
	t := &Thread{
		Source: src,
		Config: cfg,
		Units:  safequeue.New[Unit](0),
		Video:  safequeue.New[*raster.Image](0),
		Audio:  safequeue.New[AudioChunk](0),
	}
	if cfg.SourceIsOpen {
		t.opened = true
		t.info = src.Info()
	}
	t.Units.OnDrop = func(Unit) { metrics.QueueDiscards.WithLabelValues("units").Inc() }
	t.Video.OnDrop = func(*raster.Image) { metrics.QueueDiscards.WithLabelValues("video").Inc() }
	t.Audio.OnDrop = func(AudioChunk) { metrics.QueueDiscards.WithLabelValues("audio").Inc() }
	return t
}

func (t *Thread) String() string {
	return fmt.Sprintf("DecodeCache(%s, %s)", t.Source, t.Config.Mode)
}

func (t *Thread) ctx(ctx context.Context) context.Context {
	return xsync.WithNoLogging(ctx, true)
}

func (t *Thread) State() State {
	return State(t.state.Load())
}

func (t *Thread) setState(ctx context.Context, s State) {
	old := State(t.state.Swap(int32(s)))
	if old != s {
		logger.Debugf(ctx, "%s: state %s -> %s", t, old, s)
	}
}

// IsEOF reports whether the source reached its end and will not be reopened.
func (t *Thread) IsEOF() bool {
	return t.State() == StateEOF
}

// Err returns the terminal error of the decode loop, if any.
func (t *Thread) Err() error {
	return xsync.DoR1(t.ctx(context.Background()), &t.locker, func() error {
		return t.err
	})
}

func (t *Thread) setErr(ctx context.Context, err error) {
	t.locker.Do(t.ctx(ctx), func() {
		t.err = err
	})
}

// ReopenGeneration is incremented each time the queues are invalidated by
// a reopen, a stall or a pause.
func (t *Thread) ReopenGeneration() uint64 {
	return t.generation.Load()
}

// Info returns the properties of the source as of its last open.
func (t *Thread) Info() framesource.Info {
	return xsync.DoR1(t.ctx(context.Background()), &t.locker, func() framesource.Info {
		return t.info
	})
}

// Start launches the decode loop; calling it on a running thread resumes it.
func (t *Thread) Start(ctx context.Context) {
	logger.Debugf(ctx, "%s: Start", t)
	defer logger.Debugf(ctx, "%s: /Start", t)
	var alreadyStarted bool
	t.locker.Do(t.ctx(ctx), func() {
		alreadyStarted = t.started
		if alreadyStarted {
			return
		}
		t.started = true
		t.exit = closuresignaler.New()
		t.done = make(chan struct{})
	})
	if alreadyStarted {
		t.Resume(ctx)
		return
	}
	t.Units.Resume()
	t.Video.Resume()
	t.Audio.Resume()
	exit, done := t.exit, t.done
	observability.Go(ctx, func(ctx context.Context) {
		defer close(done)
		t.loop(ctx, exit)
	})
}

// Pause closes the source and clears the queues until Resume.
func (t *Thread) Pause(ctx context.Context) {
	logger.Debugf(ctx, "%s: Pause", t)
	t.paused.Store(true)
}

func (t *Thread) Resume(ctx context.Context) {
	logger.Debugf(ctx, "%s: Resume", t)
	t.paused.Store(false)
}

// Stop terminates the decode loop. A graceful stop waits for the loop to
// exit; a forced stop clears the queues and returns immediately.
func (t *Thread) Stop(ctx context.Context, force bool) {
	logger.Debugf(ctx, "%s: Stop(force: %t)", t, force)
	defer logger.Debugf(ctx, "%s: /Stop(force: %t)", t, force)
	exit, done := xsync.DoR2(t.ctx(ctx), &t.locker, func() (*closuresignaler.ClosureSignaler, chan struct{}) {
		if !t.started {
			return nil, nil
		}
		t.started = false
		return t.exit, t.done
	})
	if exit == nil {
		return
	}
	exit.Close(ctx)
	t.Units.Abort()
	t.Video.Abort()
	t.Audio.Abort()
	t.clearQueues()
	if force {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnf(ctx, "%s: context cancelled while waiting for the decode loop", t)
	}
}

// Wait blocks until the decode loop exits.
func (t *Thread) Wait(ctx context.Context) error {
	done := xsync.DoR1(t.ctx(ctx), &t.locker, func() chan struct{} { return t.done })
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Thread) clearQueues() {
	t.Units.Clear()
	t.Video.Clear()
	t.Audio.Clear()
}

func (t *Thread) resetAudioAccounting() {
	t.audioWantedF, t.audioRecv = 0, 0
}

func (t *Thread) invalidate(ctx context.Context, reason string) {
	t.Units.Clear()
	t.Video.Clear()
	t.Audio.Clear()
	gen := t.generation.Inc()
	metrics.SourceReopens.WithLabelValues(reason).Inc()
	logger.Debugf(ctx, "%s: queues invalidated (%s), generation %d", t, reason, gen)
}

func (t *Thread) setOpened(v bool) {
	t.locker.Do(t.ctx(context.Background()), func() {
		t.opened = v
		if v {
			t.info = t.Source.Info()
		}
	})
}

func (t *Thread) isOpened() bool {
	return xsync.DoR1(t.ctx(context.Background()), &t.locker, func() bool { return t.opened })
}

func (t *Thread) closeSource(ctx context.Context) {
	if !t.isOpened() {
		return
	}
	if err := t.Source.Close(ctx); err != nil {
		logger.Errorf(ctx, "%s: unable to close the source: %v", t, err)
	}
	t.setOpened(false)
}

func (t *Thread) loop(ctx context.Context, exit *closuresignaler.ClosureSignaler) {
	ctx = logger.WithField(ctx, "decode_source", t.Source.URL())
	logger.Debugf(ctx, "%s: loop", t)
	defer func() {
		t.closeSource(ctx)
		if t.State() != StateEOF && t.State() != StateError {
			t.setState(ctx, StateTerminated)
		}
		logger.Debugf(ctx, "%s: /loop", t)
	}()

	for !exit.IsClosed() {
		if t.paused.Load() {
			if t.isOpened() {
				t.closeSource(ctx)
				t.invalidate(ctx, "pause")
			}
			t.setState(ctx, StatePaused)
			exit.Sleep(ctx, idleInterval)
			continue
		}

		if !t.isOpened() {
			t.setState(ctx, StateOpening)
			if err := t.Source.Open(ctx); err != nil {
				logger.Errorf(ctx, "%s: unable to open: %v", t, err)
				t.clearQueues()
				exit.Sleep(ctx, t.Config.OpenRetryInterval)
				continue
			}
			t.setOpened(true)
			t.eof.Store(false)
			t.resetAudioAccounting()
		}
		t.setState(ctx, StateRunning)

		if !t.eof.Load() {
			err := t.fill(ctx, exit)
			t.reportDepth()
			if err != nil {
				if t.Config.Mode != ModeLive {
					logger.Errorf(ctx, "%s: decoding failed: %v", t, err)
					t.setErr(ctx, err)
					t.setState(ctx, StateError)
					return
				}
				logger.Warnf(ctx, "%s: decoding failed, reopening: %v", t, err)
				t.eof.Store(true)
			}
		}

		if !t.eof.Load() {
			exit.Sleep(ctx, idleInterval)
			continue
		}

		if t.Config.Mode != ModeLive {
			logger.Debugf(ctx, "%s: reached the end of the source", t)
			t.setState(ctx, StateEOF)
			return
		}

		t.setState(ctx, StateReopening)
		if !t.waitBeforeReopen(ctx, exit) {
			return
		}
		if err := framesource.Reopen(ctx, t.Source); err != nil {
			logger.Errorf(ctx, "%s: %v", t, err)
			t.setOpened(false)
			t.clearQueues()
			exit.Sleep(ctx, t.Config.OpenRetryInterval)
			continue
		}
		t.setOpened(true)
		t.eof.Store(false)
		t.resetAudioAccounting()
		t.invalidate(ctx, "eof")
	}
}

// waitBeforeReopen backs off before reconnecting a live pull, and lets a
// looping file drain its pictures before it is rewound.
func (t *Thread) waitBeforeReopen(ctx context.Context, exit *closuresignaler.ClosureSignaler) bool {
	if framesource.IsLiveURL(t.Source.URL()) {
		return exit.Sleep(ctx, t.Config.ReconnectBackoff)
	}
	info := t.Info()
	for {
		if exit.IsClosed() || t.paused.Load() {
			return !exit.IsClosed()
		}
		var pending int
		if info.HasVideo {
			pending = t.Video.Size()
		} else {
			pending = t.Audio.Size()
		}
		if pending == 0 {
			return true
		}
		if !exit.Sleep(ctx, idleInterval) {
			return false
		}
	}
}

func (t *Thread) reportDepth() {
	url := t.Source.URL()
	switch t.Config.Mode {
	case ModePaired:
		metrics.QueueDepth.WithLabelValues(url, "units").Set(float64(t.Units.Size()))
	default:
		metrics.QueueDepth.WithLabelValues(url, "video").Set(float64(t.Video.Size()))
		metrics.QueueDepth.WithLabelValues(url, "audio").Set(float64(t.Audio.Size()))
	}
}

func (t *Thread) audioPerFrame(info framesource.Info) float64 {
	fps := t.Config.FPS
	if fps <= 0 || info.HasVideo {
		fps = info.EffectiveFPS()
	}
	return framesource.AudioPerFrame(info.SampleRate, info.AudioChannels, fps)
}

// nextAudioChunkSize returns the size of the next audio-only chunk so that
// the rounding error does not accumulate over time.
func (t *Thread) nextAudioChunkSize(apf float64) int {
	return framesource.EvenBytes(int(t.audioWantedF+apf) - t.audioRecv)
}

func (t *Thread) accountAudio(apf float64, n int) {
	t.audioWantedF += apf
	t.audioRecv += n
}

func (t *Thread) fill(ctx context.Context, exit *closuresignaler.ClosureSignaler) error {
	switch t.Config.Mode {
	case ModePaired:
		return t.fillPaired(ctx, exit)
	default:
		return t.fillSeparate(ctx, exit)
	}
}

func (t *Thread) fillPaired(ctx context.Context, exit *closuresignaler.ClosureSignaler) error {
	info := t.Info()
	apf := t.audioPerFrame(info)
	for !exit.IsClosed() && !t.paused.Load() && t.Units.Size() < t.Config.MaxQueue {
		var u Unit
		switch {
		case info.HasVideo:
			img, err := t.Source.ReadVideo(ctx)
			if errors.Is(err, framesource.ErrEOF) {
				t.eof.Store(true)
				return nil
			}
			if err != nil {
				return fmt.Errorf("unable to read a picture: %w", err)
			}
			u.Video = img
			if info.HasAudio {
				// the pictures decide the end: trailing video keeps going silent
				pcm, err := t.Source.ReadAudio(ctx, 0)
				if err != nil && !errors.Is(err, framesource.ErrEOF) {
					return fmt.Errorf("unable to read audio: %w", err)
				}
				u.Audio = pcm
			}
		case info.HasAudio:
			pcm, err := t.Source.ReadAudio(ctx, t.nextAudioChunkSize(apf))
			if errors.Is(err, framesource.ErrEOF) || (err == nil && len(pcm) == 0) {
				t.eof.Store(true)
				return nil
			}
			if err != nil {
				return fmt.Errorf("unable to read audio: %w", err)
			}
			t.accountAudio(apf, len(pcm))
			u.Audio = pcm
		default:
			t.eof.Store(true)
			return nil
		}
		u.ProductID = t.Source.ProductID()
		if err := t.Units.Push(u); err != nil {
			return nil
		}
	}
	return nil
}

func (t *Thread) fillSeparate(ctx context.Context, exit *closuresignaler.ClosureSignaler) error {
	info := t.Info()
	apf := t.audioPerFrame(info)
	live := t.Config.Mode == ModeLive
	for !exit.IsClosed() && !t.paused.Load() {
		hasData := false

		if info.HasVideo && t.Video.Size() < t.Config.MaxQueue {
			if t.Source.PendingVideoFrames() > 0 {
				for t.Source.PendingVideoFrames() > 0 {
					img, err := t.Source.ReadVideo(ctx)
					if err != nil {
						break
					}
					_ = t.Video.Push(img)
				}
			} else {
				startedAt := time.Now()
				img, err := t.Source.ReadVideo(ctx)
				if errors.Is(err, framesource.ErrEOF) {
					t.eof.Store(true)
					return nil
				}
				if err != nil {
					return fmt.Errorf("unable to read a picture: %w", err)
				}
				if live && time.Since(startedAt) > t.Config.StallTimeout {
					logger.Warnf(ctx, "%s: the source stalled for %v", t, time.Since(startedAt))
					t.invalidate(ctx, "stall")
				}
				_ = t.Video.Push(img)
			}
			hasData = true
		}

		if info.HasAudio && t.Audio.Size() < t.Config.MaxQueue {
			productID := t.Source.ProductID()
			if avail := int(float64(t.Source.BufferedAudioBytes()) / apf); avail > 0 {
				for i := 0; i < avail; i++ {
					wanted := t.nextAudioChunkSize(apf)
					pcm, err := t.Source.ReadAudio(ctx, wanted)
					if err != nil && !errors.Is(err, framesource.ErrEOF) {
						return fmt.Errorf("unable to read audio: %w", err)
					}
					t.accountAudio(apf, len(pcm))
					if len(pcm) > 0 {
						_ = t.Audio.Push(AudioChunk{PCM: pcm, ProductID: productID})
					}
					if len(pcm) < wanted {
						break
					}
				}
			} else {
				startedAt := time.Now()
				pcm, err := t.Source.ReadAudio(ctx, t.nextAudioChunkSize(apf))
				switch {
				case errors.Is(err, framesource.ErrEOF):
					if !info.HasVideo {
						t.eof.Store(true)
						return nil
					}
				case err != nil:
					return fmt.Errorf("unable to read audio: %w", err)
				}
				if live && time.Since(startedAt) > t.Config.StallTimeout {
					logger.Warnf(ctx, "%s: the audio stalled for %v", t, time.Since(startedAt))
					t.invalidate(ctx, "stall")
					t.resetAudioAccounting()
				}
				t.accountAudio(apf, len(pcm))
				switch {
				case len(pcm) > 0:
					_ = t.Audio.Push(AudioChunk{PCM: pcm, ProductID: t.Source.ProductID()})
				case !info.HasVideo:
					t.eof.Store(true)
					return nil
				}
			}
			hasData = true
		}

		if !hasData {
			return nil
		}
	}
	return nil
}
