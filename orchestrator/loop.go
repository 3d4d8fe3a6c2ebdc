// loop.go implements the per-frame steps of the main loop.

package orchestrator

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/xaionaro-go/avdecorate/audiomix"
	"github.com/xaionaro-go/avdecorate/compositor"
	"github.com/xaionaro-go/avdecorate/decodecache"
	"github.com/xaionaro-go/avdecorate/event"
	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/material"
	"github.com/xaionaro-go/avdecorate/metrics"
	"github.com/xaionaro-go/avdecorate/raster"
)

func (o *Orchestrator) period() time.Duration {
	return time.Duration(float64(time.Second) / o.format.FPS)
}

// samplesDue is the amount of audio samples per channel that must have
// been sent once frame frameIndex is out.
func samplesDue(frameIndex int, sampleRate int, fps float64) int64 {
	return int64(math.Round(float64(frameIndex+1) * float64(sampleRate) / fps))
}

func (o *Orchestrator) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.iterate(ctx); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) iterate(ctx context.Context) error {
	startedAt := time.Now()
	ts := float64(o.frameIndex) * 1000 / o.format.FPS

	o.applyCommands(ctx)
	if err := o.readMainTracks(ctx, ts); err != nil {
		return err
	}
	canvas := o.render(ctx, ts)
	if err := o.mixAudio(ctx); err != nil {
		return err
	}
	if err := o.writeVideo(ctx, canvas); err != nil {
		return err
	}

	o.frameIndex++
	elapsed := time.Since(startedAt)
	metrics.FramesComposed.Inc()
	metrics.FrameProcessingDuration.Observe(elapsed.Seconds())
	if elapsed > o.period() {
		metrics.Overruns.Inc()
	}
	o.publishStatus()
	o.pace(ctx)
	return nil
}

func (o *Orchestrator) canWait() bool {
	return !o.firstFrame || !o.live || o.driveTrack.CanWait()
}

// readMainTracks reads the units of the driving main track due by ts
// and, if a separate main audio track exists, whatever it has ready.
func (o *Orchestrator) readMainTracks(ctx context.Context, ts float64) error {
	for {
		canWait := o.canWait()
		var timeout time.Duration
		switch {
		case !canWait:
		case !o.firstFrame && o.live:
			timeout = o.period() + o.Config.FirstFrameWait
		default:
			timeout = o.period()
		}

		err := o.driveTrack.Advance(ctx, ts, timeout)
		switch {
		case err == nil:
			o.timeouts = 0
			if !o.firstFrame {
				o.firstFrame = true
				o.startedAt = time.Now()
				o.Deps.Events.Send(ctx, event.CodeStartOfStream, "received the first frame of the main track")
			}
			if pid := o.driveTrack.ProductID(); pid > 0 && pid != o.activeProduct {
				logger.Debugf(ctx, "the main track switched the product in-band")
				o.switchProduct(ctx, pid)
			}
			o.readAudioTrack(ctx, ts)
			return nil
		case errors.Is(err, framesource.ErrEOF):
			return ErrMainTrackFinished
		case errors.Is(err, decodecache.ErrTimeout):
			o.timeouts++
			metrics.MainTrackTimeouts.Inc()
			if !canWait {
				logger.Tracef(ctx, "the main track is late, repeating the previous frame")
				o.readAudioTrack(ctx, ts)
				return nil
			}
			if o.timeouts > o.Config.ReadTimeoutCount {
				return fatalf(event.CodeReadFailure, "no data from the main track after %d consecutive waits", o.timeouts)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			return ErrFatal{Code: event.CodeReadFailure, Err: err}
		}
	}
}

func (o *Orchestrator) readAudioTrack(ctx context.Context, ts float64) {
	if o.audioTrack == nil {
		return
	}
	err := o.audioTrack.Advance(ctx, ts, 0)
	switch {
	case err == nil, errors.Is(err, decodecache.ErrTimeout):
	case errors.Is(err, framesource.ErrEOF):
		logger.Tracef(ctx, "the main audio track is finished")
	default:
		logger.Warnf(ctx, "unable to read the main audio track: %v", err)
	}
}

func (o *Orchestrator) render(ctx context.Context, ts float64) *raster.Image {
	canvas := compositor.NewCanvas(o.format.Width, o.format.Height, o.format.Channels == raster.ChannelsAlpha, o.Config.Background)
	for _, m := range o.materials {
		if !m.HasVideo() || m.IsSuspended() {
			continue
		}
		if _, ok := o.degraded[m]; ok {
			continue
		}
		if !m.IsVisibleFor(o.activeProduct) {
			// keep the clock of a hidden material running
			if _, err := m.Variant.NextFrame(ctx, ts); err != nil {
				logger.Tracef(ctx, "unable to advance hidden %s: %v", m, err)
			}
			continue
		}
		if err := m.Draw(ctx, canvas, ts, o.filter); err != nil {
			logger.Errorf(ctx, "skipping %s from now on: %v", m, err)
			o.degraded[m] = struct{}{}
		}
	}
	return canvas
}

func (o *Orchestrator) isAudible(m *material.Material) bool {
	if !m.HasAudio() || m.IsSuspended() {
		return false
	}
	if m.Kind == material.KindMainVideo && o.audioTrack != nil {
		return false
	}
	return true
}

func (o *Orchestrator) mixAudio(ctx context.Context) error {
	if o.format.DisableAudio {
		return nil
	}
	due := samplesDue(o.frameIndex, o.format.SampleRate, o.format.FPS)
	samples := int(due-o.samplesSent) * o.format.AudioChannels
	if samples <= 0 {
		return nil
	}
	budget := samples * 2

	sources := make([]audiomix.Source, 0, len(o.materials))
	for _, m := range o.materials {
		if !o.isAudible(m) {
			continue
		}
		pcm, err := m.ReadAudio(ctx, budget)
		if err != nil {
			logger.Warnf(ctx, "unable to read the audio of %s: %v", m, err)
			continue
		}
		if !m.IsVisibleFor(o.activeProduct) {
			continue
		}
		sources = append(sources, audiomix.Source{PCM: pcm, Volume: m.Volume})
	}
	pcm := audiomix.Mix(samples, sources...)
	o.samplesSent = due
	metrics.AudioBytesMixed.Add(float64(len(pcm)))
	logger.Tracef(ctx, "mixed %d sources into %d bytes", len(sources), len(pcm))

	if err := o.output.WriteAudio(ctx, pcm, o.activeProduct); err != nil {
		return ErrFatal{Code: event.CodePushFailure, Err: err}
	}
	if o.sub != nil {
		if err := o.sub.WriteAudio(ctx, pcm, o.activeProduct); err != nil {
			o.dropSubOutput(ctx, err)
		}
	}
	return nil
}

func (o *Orchestrator) writeVideo(ctx context.Context, canvas *raster.Image) error {
	if err := o.output.WriteVideo(ctx, canvas); err != nil {
		return ErrFatal{Code: event.CodePushFailure, Err: err}
	}
	if o.sub != nil {
		if err := o.sub.WriteVideo(ctx, canvas); err != nil {
			o.dropSubOutput(ctx, err)
		}
	}
	return nil
}

// pace aligns the output with the wall clock when a live source or sink
// is involved.
func (o *Orchestrator) pace(ctx context.Context) {
	if !o.live || !o.firstFrame {
		return
	}
	target := o.startedAt.Add(time.Duration(float64(o.frameIndex) * float64(time.Second) / o.format.FPS))
	ahead := time.Until(target)
	switch {
	case ahead >= minSleep:
		t := time.NewTimer(ahead)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	case -ahead > overrunLogging:
		logger.Warnf(ctx, "the main loop is %v behind at frame %d", -ahead, o.frameIndex)
	}
}
