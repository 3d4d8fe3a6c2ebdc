// Package factory picks the FrameSource implementation for a source URL.
package factory

import (
	"github.com/xaionaro-go/avdecorate/framesource"
	"github.com/xaionaro-go/avdecorate/framesource/libav"
	"github.com/xaionaro-go/avdecorate/framesource/rawpipe"
)

// New returns an unopened source for the URL: raw:// and shm:// are read
// as framed raw media, everything else is demuxed by libav.
func New(url string, cfg framesource.Config) (framesource.Source, error) {
	if framesource.IsRawURL(url) {
		return rawpipe.New(url, cfg)
	}
	return libav.New(url, cfg), nil
}
