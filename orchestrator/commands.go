package orchestrator

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/avdecorate/control"
	"github.com/xaionaro-go/avdecorate/event"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/material"
	"github.com/xaionaro-go/avdecorate/metrics"
	"github.com/xaionaro-go/avdecorate/sink"
)

// applyCommands adopts the materials and the sub-output opened in the
// background and applies the commands received since the previous frame.
func (o *Orchestrator) applyCommands(ctx context.Context) {
	o.adoptOpened(ctx)
	o.adoptSubOutput(ctx)
	if o.Deps.Commands == nil {
		return
	}
	cmds := o.Deps.Commands.Drain()
	if len(cmds) == 0 {
		return
	}
	for _, cmd := range cmds {
		status := "applied"
		if err := o.apply(ctx, cmd); err != nil {
			status = "rejected"
			logger.Warnf(ctx, "unable to apply %s: %v", cmd, err)
		}
		metrics.CommandsTotal.WithLabelValues(cmd.Op.String(), status).Inc()
	}
	o.sortMaterials()
}

func (o *Orchestrator) apply(ctx context.Context, cmd control.Command) (_err error) {
	logger.Debugf(ctx, "apply(%s)", cmd)
	defer func() { logger.Debugf(ctx, "/apply(%s): %v", cmd, _err) }()
	if err := cmd.Validate(); err != nil {
		return err
	}
	key := materialKey{productID: cmd.ProductID, materialID: cmd.MaterialID}
	switch cmd.Op {
	case control.OpAdd:
		return o.addMaterial(ctx, key, cmd.Payload)
	case control.OpDel:
		return o.deleteMaterial(ctx, key)
	case control.OpMod:
		return o.modifyMaterial(ctx, key, cmd)
	case control.OpSubOut:
		return o.startSubOutput(ctx, cmd.Payload)
	case control.OpStopSub:
		return o.stopSubOutput(ctx)
	case control.OpSwitchProduct:
		o.switchProduct(ctx, cmd.ProductID)
		return nil
	default:
		return fmt.Errorf("unexpected operation %s", cmd.Op)
	}
}

func (o *Orchestrator) addMaterial(ctx context.Context, key materialKey, payload string) (_err error) {
	defer func() {
		if _err != nil {
			o.Deps.Events.Sendf(ctx, event.CodeMaterialAddFail, "[%d:%d] %v", key.productID, key.materialID, _err)
		}
	}()
	spec, err := material.Parse(ctx, payload, o.Config.ParseOptions)
	if err != nil {
		return err
	}
	spec.ProductID, spec.MaterialID = key.productID, key.materialID
	spec.Kind = spec.Kind.Secondary()
	m, err := material.New(spec)
	if err != nil {
		return err
	}
	if o.find(key) >= 0 {
		return fmt.Errorf("material [%d:%d] already exists", key.productID, key.materialID)
	}

	o.nextTicket++
	ticket := o.nextTicket
	o.pending[key]++
	o.goWorker(ctx, func(ctx context.Context) {
		o.openAsync(ctx, ticket, m)
	})
	return nil
}

// openAsync opens a material without blocking the main loop; the result
// is adopted by the loop on one of the next frames.
func (o *Orchestrator) openAsync(ctx context.Context, ticket uint64, m *material.Material) {
	r := addResult{ticket: ticket, material: m, err: m.Open(ctx, o.env)}
	for {
		select {
		case o.handoff <- []addResult{r}:
			return
		case <-o.loopDone:
			if r.err == nil {
				_ = m.Close(ctx)
			}
			return
		case batch := <-o.handoff:
			// merge with the results not adopted yet
			select {
			case o.handoff <- append(batch, r):
				return
			case <-o.loopDone:
				for _, r := range append(batch, r) {
					if r.err == nil {
						_ = r.material.Close(ctx)
					}
				}
				return
			}
		}
	}
}

func (o *Orchestrator) adoptOpened(ctx context.Context) {
	var batch []addResult
	select {
	case batch = <-o.handoff:
	default:
		return
	}
	for _, r := range batch {
		o.adopt(ctx, r)
	}
}

func (o *Orchestrator) adopt(ctx context.Context, r addResult) {
	m := r.material
	key := keyOf(m.Spec)
	o.pending[key]--
	defer func() {
		if o.pending[key] <= 0 {
			delete(o.pending, key)
			delete(o.cancelled, key)
		}
	}()

	if r.err != nil {
		logger.Errorf(ctx, "unable to add %s: %v", m, r.err)
		o.Deps.Events.Sendf(ctx, event.CodeMaterialAddFail, "[%d:%d] %v", key.productID, key.materialID, r.err)
		return
	}
	if c, ok := o.cancelled[key]; ok && r.ticket <= c {
		logger.Debugf(ctx, "%s was deleted while opening", m)
		_ = m.Close(ctx)
		return
	}
	if o.find(key) >= 0 {
		_ = m.Close(ctx)
		o.Deps.Events.Sendf(ctx, event.CodeMaterialAddFail, "[%d:%d] already exists", key.productID, key.materialID)
		return
	}
	o.materials = append(o.materials, m)
	o.applyVisibility(ctx, m)
	if m.IsStream() {
		o.live = true
	}
	logger.Infof(ctx, "added %s", m)
	o.Deps.Events.Sendf(ctx, event.CodeMaterialAddSucc, "[%d:%d] added", key.productID, key.materialID)
}

func (o *Orchestrator) deleteMaterial(ctx context.Context, key materialKey) (_err error) {
	defer func() {
		code := event.CodeMaterialDelSucc
		msg := "deleted"
		if _err != nil {
			code, msg = event.CodeMaterialDelFail, _err.Error()
		}
		o.Deps.Events.Sendf(ctx, code, "[%d:%d] %s", key.productID, key.materialID, msg)
	}()

	pending := false
	for k, n := range o.pending {
		if n > 0 && key.covers(k) {
			o.cancelled[k] = o.nextTicket
			pending = true
		}
	}
	idx := o.lookup(key)
	if idx < 0 {
		if pending {
			return nil
		}
		return fmt.Errorf("no such material")
	}
	m := o.materials[idx]
	if m.Kind.IsMain() {
		return fmt.Errorf("the main track cannot be deleted")
	}
	o.materials = append(o.materials[:idx], o.materials[idx+1:]...)
	delete(o.degraded, m)
	if err := m.Close(ctx); err != nil {
		logger.Warnf(ctx, "unable to close %s: %v", m, err)
	}
	logger.Infof(ctx, "deleted %s", m)
	return nil
}

func (o *Orchestrator) modifyMaterial(ctx context.Context, key materialKey, cmd control.Command) (_err error) {
	defer func() {
		code := event.CodeMaterialModSucc
		msg := "modified"
		if _err != nil {
			code, msg = event.CodeMaterialModFail, _err.Error()
		}
		o.Deps.Events.Sendf(ctx, code, "[%d:%d] %s", key.productID, key.materialID, msg)
	}()
	idx := o.lookup(key)
	if idx < 0 {
		return fmt.Errorf("no such material")
	}
	m := o.materials[idx]
	m.SetPlacement(cmd.Layer, o.Config.ParseOptions.ScaleRect(cmd.Rect))
	o.applyVisibility(ctx, m)
	return nil
}

func (o *Orchestrator) startSubOutput(ctx context.Context, payload string) error {
	if o.sub != nil || o.subOpening {
		return fmt.Errorf("a sub-output is already running")
	}
	spec, err := sink.ParseSubOutputSpec(payload, o.format.FPS)
	if err != nil {
		return fmt.Errorf("invalid sub-output: %w", err)
	}
	o.subOpening = true
	generation := o.subGen
	format := spec.Format(o.format)
	o.goWorker(ctx, func(ctx context.Context) {
		s, err := o.Deps.OpenSink(ctx, spec.URL, format)
		r := subResult{generation: generation, spec: spec, sink: s, err: err}
		select {
		case o.subHandoff <- r:
		case <-o.loopDone:
			if s != nil {
				_ = s.Close(ctx)
			}
		}
	})
	return nil
}

func (o *Orchestrator) adoptSubOutput(ctx context.Context) {
	var r subResult
	select {
	case r = <-o.subHandoff:
	default:
		return
	}
	o.subOpening = false
	switch {
	case r.err != nil:
		logger.Errorf(ctx, "unable to open the sub-output %s: %v", r.spec, r.err)
		o.Deps.Events.Sendf(ctx, event.CodePushFailure, "unable to open the sub-output: %v", r.err)
	case r.generation != o.subGen:
		logger.Debugf(ctx, "the sub-output %s was stopped while opening", r.spec)
		_ = r.sink.Close(ctx)
	default:
		o.sub = sink.NewSubOutput(r.spec, o.format.FPS, o.filter, sink.NewFeeder(ctx, r.sink, 0))
		logger.Infof(ctx, "started %s", o.sub)
	}
}

func (o *Orchestrator) stopSubOutput(ctx context.Context) error {
	o.subGen++
	if o.sub == nil {
		if o.subOpening {
			// the result of the pending open is discarded on adoption
			return nil
		}
		return fmt.Errorf("no sub-output is running")
	}
	o.closeSubOutput(ctx)
	return nil
}

func (o *Orchestrator) closeSubOutput(ctx context.Context) {
	sub := o.sub
	o.sub = nil
	ctx = context.WithoutCancel(ctx)
	o.goWorker(ctx, func(ctx context.Context) {
		if err := sub.Close(ctx); err != nil {
			logger.Warnf(ctx, "unable to close %s: %v", sub, err)
		}
	})
}

// dropSubOutput stops a failing sub-output; the primary output goes on.
func (o *Orchestrator) dropSubOutput(ctx context.Context, err error) {
	logger.Errorf(ctx, "dropping %s: %v", o.sub, err)
	o.Deps.Events.Sendf(ctx, event.CodePushFailure, "sub-output failed: %v", err)
	o.subGen++
	o.closeSubOutput(ctx)
}
