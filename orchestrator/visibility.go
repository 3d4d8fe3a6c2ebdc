package orchestrator

import (
	"context"

	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/material"
)

// applyVisibility suspends the materials hidden under the active product
// when the pause policy is in effect. Main tracks are never suspended.
func (o *Orchestrator) applyVisibility(ctx context.Context, m *material.Material) {
	if o.Config.Visibility == VisibilityKeep || m.Kind.IsMain() || m.IsVisibleFor(o.activeProduct) {
		m.Resume(ctx)
		return
	}
	m.Suspend(ctx)
}

func (o *Orchestrator) switchProduct(ctx context.Context, productID int) {
	if productID == o.activeProduct {
		return
	}
	logger.Infof(ctx, "switching the product %d -> %d", o.activeProduct, productID)
	o.activeProduct = productID
	for _, m := range o.materials {
		o.applyVisibility(ctx, m)
	}
}
