// orchestrator.go wires materials, commands and sinks into a run.

// Package orchestrator runs the main loop: once per output frame it applies
// the live commands, reads the main track, composes the canvas, mixes the
// audio and feeds the outputs.
package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-ng/xatomic"
	"github.com/google/uuid"
	"github.com/xaionaro-go/avdecorate/compositor"
	"github.com/xaionaro-go/avdecorate/control"
	"github.com/xaionaro-go/avdecorate/decodecache"
	"github.com/xaionaro-go/avdecorate/event"
	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/material"
	"github.com/xaionaro-go/avdecorate/metrics"
	"github.com/xaionaro-go/avdecorate/raster"
	"github.com/xaionaro-go/avdecorate/sink"
	"github.com/xaionaro-go/avdecorate/textrender"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/secret"
	"golang.org/x/sync/errgroup"
)

// CommandSource hands over the commands received since the previous call.
type CommandSource interface {
	Drain() []control.Command
}

// Deps are the collaborators of a run.
type Deps struct {
	OpenSource func(url string, cfg framesource.Config) (framesource.Source, error)
	OpenSink   func(ctx context.Context, dst secret.String, format sink.Format) (sink.Sink, error)
	Text       *textrender.Renderer

	// Commands is optional; nil disables live reconfiguration.
	Commands CommandSource

	// Events is optional; a nil notifier drops the events.
	Events *event.Notifier

	Now func() time.Time
}

// Status is a snapshot of the run published once per frame.
type Status struct {
	RunID        uuid.UUID
	Frames       int
	AudioSamples int64
	Materials    int
	ProductID    int
	SubOutput    bool
}

type materialKey struct {
	productID  int
	materialID int
}

func keyOf(spec *material.Spec) materialKey {
	return materialKey{productID: spec.ProductID, materialID: spec.MaterialID}
}

// covers reports whether a command addressed to k targets other; a
// product id of zero or less matches any product.
func (k materialKey) covers(other materialKey) bool {
	return (k.productID <= 0 || k.productID == other.productID) && k.materialID == other.materialID
}

type addResult struct {
	ticket   uint64
	material *material.Material
	err      error
}

type subResult struct {
	generation uint64
	spec       sink.SubOutputSpec
	sink       sink.Sink
	err        error
}

type Orchestrator struct {
	Config Config
	Deps   Deps
	RunID  uuid.UUID

	env      *material.Env
	registry *decodecache.Registry
	filter   imaging.ResampleFilter
	format   sink.Format
	output   *sink.Feeder

	// materials is sorted by layer, ties in insertion order.
	materials  []*material.Material
	driveTrack *material.Main
	audioTrack *material.Main
	degraded   map[*material.Material]struct{}

	activeProduct int
	live          bool
	firstFrame    bool
	timeouts      int
	frameIndex    int
	samplesSent   int64
	startedAt     time.Time

	workers    sync.WaitGroup
	loopDone   chan struct{}
	stopLoop   func()
	handoff    chan []addResult
	nextTicket uint64
	pending    map[materialKey]int
	cancelled  map[materialKey]uint64

	sub        *sink.SubOutput
	subHandoff chan subResult
	subGen     uint64
	subOpening bool

	status *Status
}

func New(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	registry := decodecache.NewRegistry()
	o := &Orchestrator{
		Config:   cfg,
		Deps:     deps,
		RunID:    uuid.New(),
		registry: registry,
		filter:   compositor.ResizeFilter(cfg.ResizeFilter),
		env: &material.Env{
			Registry:   registry,
			OpenSource: deps.OpenSource,
			SourceConfig: framesource.Config{
				Channels:      raster.ChannelsOpaque,
				SampleRate:    cfg.SampleRate,
				AudioChannels: cfg.AudioChannels,
			},
			Text:             deps.Text,
			FPS:              cfg.FPS,
			StreamBufferSize: cfg.StreamBufferSize,
			MaxQueue:         cfg.MaxQueue,
			Now:              deps.Now,
			PackedAlpha:      cfg.PackedAlpha,
			ChromaKey:        cfg.ChromaKey,
		},
		degraded:      map[*material.Material]struct{}{},
		activeProduct: cfg.ProductID,
		loopDone:      make(chan struct{}),
		handoff:       make(chan []addResult, 1),
		pending:       map[materialKey]int{},
		cancelled:     map[materialKey]uint64{},
		subHandoff:    make(chan subResult, 1),
	}
	o.stopLoop = sync.OnceFunc(func() { close(o.loopDone) })
	if cfg.DisableAudio {
		o.env.SourceConfig.SampleRate = 0
		o.env.SourceConfig.AudioChannels = 0
	}
	return o
}

func (o *Orchestrator) String() string {
	return fmt.Sprintf("Orchestrator(%s)", o.RunID)
}

// Format is the negotiated output format; it is known after Open.
func (o *Orchestrator) Format() sink.Format {
	return o.format
}

// Status returns the last published snapshot of the run.
func (o *Orchestrator) Status() Status {
	s := xatomic.LoadPointer(&o.status)
	if s == nil {
		return Status{RunID: o.RunID}
	}
	return *s
}

func (o *Orchestrator) publishStatus() {
	xatomic.StorePointer(&o.status, &Status{
		RunID:        o.RunID,
		Frames:       o.frameIndex,
		AudioSamples: o.samplesSent,
		Materials:    len(o.materials),
		ProductID:    o.activeProduct,
		SubOutput:    o.sub != nil,
	})
}

// Open opens the initial materials and the primary output.
func (o *Orchestrator) Open(ctx context.Context) (_err error) {
	ctx = logger.WithField(ctx, "run_id", o.RunID.String())
	logger.Debugf(ctx, "Open")
	defer func() { logger.Debugf(ctx, "/Open: %v", _err) }()
	defer func() {
		if _err == nil {
			return
		}
		code := event.CodeInitFailure
		var fatal ErrFatal
		if errors.As(_err, &fatal) {
			code = fatal.Code
		}
		o.Deps.Events.Send(ctx, code, _err.Error())
	}()

	var mains, others []*material.Material
	for _, s := range o.Config.Materials {
		spec, err := material.Parse(ctx, s, o.Config.ParseOptions)
		if err != nil {
			return fatalf(event.CodeInitFailure, "invalid material '%s': %w", s, err)
		}
		m, err := material.New(spec)
		if err != nil {
			return fatalf(event.CodeInitFailure, "invalid material '%s': %w", s, err)
		}
		if spec.Kind.IsMain() {
			mains = append(mains, m)
		} else {
			others = append(others, m)
		}
	}

	if err := o.openMainTracks(ctx, mains); err != nil {
		return err
	}
	if err := o.negotiateFormat(); err != nil {
		return err
	}
	o.env.FPS = o.format.FPS

	for _, m := range others {
		if err := m.Open(ctx, o.env); err != nil {
			logger.Errorf(ctx, "unable to open %s: %v", m, err)
			o.Deps.Events.Sendf(ctx, event.CodeMaterialAddFail, "unable to open %s: %v", m, err)
			continue
		}
		o.materials = append(o.materials, m)
	}
	for _, m := range o.materials {
		o.applyVisibility(ctx, m)
		if m.IsStream() {
			o.live = true
		}
	}
	o.sortMaterials()
	if o.Config.Realtime || framesource.IsLiveURL(o.Config.Output.Get()) {
		o.live = true
	}

	s, err := o.Deps.OpenSink(ctx, o.Config.Output, o.format)
	if err != nil {
		return ErrFatal{Code: event.CodePushFailure, Err: fmt.Errorf("unable to open the output: %w", err)}
	}
	o.output = sink.NewFeeder(ctx, s, 0)
	logger.Infof(ctx, "output %s: %s, %d materials, live:%t", s, o.format, len(o.materials), o.live)
	o.Deps.Events.Sendf(ctx, event.CodeInitSuccess, "run %s initialized", o.RunID)
	o.publishStatus()
	return nil
}

func (o *Orchestrator) openMainTracks(ctx context.Context, mains []*material.Material) error {
	var video, audio *material.Material
	for _, m := range mains {
		switch {
		case m.Kind == material.KindMainVideo && video == nil:
			video = m
		case m.Kind == material.KindMainAudio && audio == nil:
			audio = m
		default:
			return fatalf(event.CodeInitFailure, "more than one %s material", m.Kind)
		}
	}
	if video == nil && audio == nil {
		return fatalf(event.CodeInitFailure, "no main track")
	}
	for _, m := range []*material.Material{video, audio} {
		if m == nil {
			continue
		}
		if err := m.Open(ctx, o.env); err != nil {
			code := event.CodeInitFailure
			if m.IsStream() {
				code = event.CodeStreamNonexist
			}
			return ErrFatal{Code: code, Err: err}
		}
		o.materials = append(o.materials, m)
		if m.IsStream() {
			o.live = true
		}
	}
	if video != nil {
		o.driveTrack = video.Variant.(*material.Main)
		if audio != nil {
			o.audioTrack = audio.Variant.(*material.Main)
		}
	} else {
		o.driveTrack = audio.Variant.(*material.Main)
	}
	return nil
}

func (o *Orchestrator) negotiateFormat() error {
	info := o.driveTrack.Info()
	f := sink.Format{
		Width:         o.Config.Width,
		Height:        o.Config.Height,
		Channels:      raster.ChannelsOpaque,
		FPS:           o.Config.FPS,
		BitRate:       o.Config.BitRate,
		SampleRate:    o.Config.SampleRate,
		AudioChannels: o.Config.AudioChannels,
		DisableAudio:  o.Config.DisableAudio || o.Config.SampleRate <= 0 || o.Config.AudioChannels <= 0,
	}
	if o.Config.Alpha {
		f.Channels = raster.ChannelsAlpha
	}
	if f.Width <= 0 || f.Height <= 0 {
		f.Width, f.Height = info.Width, info.Height
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fatalf(event.CodeInitFailure, "the output size is not set and the main track has no video")
	}
	if f.FPS <= 0 {
		f.FPS = info.EffectiveFPS()
	}
	o.format = f
	return nil
}

func (o *Orchestrator) sortMaterials() {
	slices.SortStableFunc(o.materials, func(a, b *material.Material) int {
		return cmp.Compare(a.Layer, b.Layer)
	})
	metrics.LiveMaterials.Set(float64(len(o.materials)))
}

func (o *Orchestrator) find(key materialKey) int {
	return slices.IndexFunc(o.materials, func(m *material.Material) bool {
		return keyOf(m.Spec) == key
	})
}

// lookup returns the first material a DEL or MOD for key applies to.
func (o *Orchestrator) lookup(key materialKey) int {
	return slices.IndexFunc(o.materials, func(m *material.Material) bool {
		return key.covers(keyOf(m.Spec))
	})
}

// workersWaitTimeout bounds how long Close waits for a pending open.
const workersWaitTimeout = 5 * time.Second

// goWorker runs fn in the background. Workers are not part of the run:
// the loop never waits for them, and their results are discarded once
// the loop is done.
func (o *Orchestrator) goWorker(ctx context.Context, fn func(ctx context.Context)) {
	o.workers.Add(1)
	observability.Go(ctx, func(ctx context.Context) {
		defer o.workers.Done()
		fn(ctx)
	})
}

func (o *Orchestrator) waitWorkers(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, workersWaitTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		o.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnf(ctx, "gave up waiting for the background workers: %v", ctx.Err())
	}
}

// Run runs the main loop until the main track is finished, a fatal error
// occurs or ctx is cancelled. A finished main track is not an error.
func (o *Orchestrator) Run(ctx context.Context) (_err error) {
	ctx = logger.WithField(ctx, "run_id", o.RunID.String())
	logger.Debugf(ctx, "Run")
	defer func() { logger.Debugf(ctx, "/Run: %v", _err) }()
	if o.output == nil {
		return fmt.Errorf("%s is not open", o)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer o.stopLoop()
		return o.loop(gctx)
	})
	err := g.Wait()

	var fatal ErrFatal
	switch {
	case err == nil, errors.Is(err, ErrMainTrackFinished):
		logger.Infof(ctx, "the main track is finished after %d frames", o.frameIndex)
		o.Deps.Events.Sendf(ctx, event.CodeEndOfStream, "finished after %d frames", o.frameIndex)
		return nil
	case errors.As(err, &fatal):
		o.Deps.Events.Send(ctx, fatal.Code, fatal.Err.Error())
	}
	return err
}

// Close releases every material and flushes the outputs.
func (o *Orchestrator) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %v", _err) }()
	var result []error
	o.stopLoop()
	o.waitWorkers(ctx)
	for {
		select {
		case batch := <-o.handoff:
			for _, r := range batch {
				if r.err == nil {
					_ = r.material.Close(ctx)
				}
			}
			continue
		case r := <-o.subHandoff:
			if r.sink != nil {
				_ = r.sink.Close(ctx)
			}
			continue
		default:
		}
		break
	}
	for _, m := range o.materials {
		if err := m.Close(ctx); err != nil {
			result = append(result, fmt.Errorf("unable to close %s: %w", m, err))
		}
	}
	o.materials = nil
	if o.sub != nil {
		if err := o.sub.Close(ctx); err != nil {
			result = append(result, fmt.Errorf("unable to close the sub-output: %w", err))
		}
		o.sub = nil
	}
	if o.output != nil {
		if err := o.output.Close(ctx); err != nil {
			result = append(result, fmt.Errorf("unable to close the output: %w", err))
		}
		o.output = nil
	}
	o.registry.StopAll(ctx, true)
	metrics.LiveMaterials.Set(0)
	return errors.Join(result...)
}
