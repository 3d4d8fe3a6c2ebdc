// Package factory picks the Sink implementation for an output URL.
package factory

import (
	"context"

	"github.com/xaionaro-go/avdecorate/sink"
	"github.com/xaionaro-go/avdecorate/sink/libav"
	"github.com/xaionaro-go/secret"
)

// New opens a sink: "-", raw:// and shm:// get the raw media framing,
// everything else is encoded and muxed by libav.
func New(
	ctx context.Context,
	dst secret.String,
	format sink.Format,
	opts libav.Options,
) (sink.Sink, error) {
	if sink.IsRawURL(dst.Get()) {
		return sink.NewRaw(ctx, dst.Get(), format)
	}
	return libav.New(ctx, dst, format, opts)
}
