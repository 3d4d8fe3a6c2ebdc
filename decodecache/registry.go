package decodecache

import (
	"context"

	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/xsync"
)

// Registry maps each active source to its decode thread.
type Registry struct {
	threads xsync.Map[framesource.Source, *Thread]
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Start starts a decode thread for the source, or resumes the existing one.
func (r *Registry) Start(ctx context.Context, src framesource.Source, cfg Config) *Thread {
	nt := New(src, cfg)
	t, loaded := r.threads.LoadOrStore(src, nt)
	if loaded {
		logger.Debugf(ctx, "a decode thread for %s already exists", src)
	} else {
		t = nt
	}
	t.Start(ctx)
	return t
}

func (r *Registry) Get(src framesource.Source) (*Thread, bool) {
	return r.threads.Load(src)
}

// Stop stops and unregisters the thread of the source.
func (r *Registry) Stop(ctx context.Context, src framesource.Source, force bool) {
	t, ok := r.threads.LoadAndDelete(src)
	if !ok {
		return
	}
	t.Stop(ctx, force)
}

func (r *Registry) StopAll(ctx context.Context, force bool) {
	var all []framesource.Source
	r.threads.Range(func(src framesource.Source, _ *Thread) bool {
		all = append(all, src)
		return true
	})
	for _, src := range all {
		r.Stop(ctx, src, force)
	}
}

func (r *Registry) Len() int {
	var n int
	r.threads.Range(func(framesource.Source, *Thread) bool {
		n++
		return true
	})
	return n
}
