// Package fakesink provides an in-memory Sink for tests.
package fakesink

import (
	"context"
	"fmt"
	"sync"

	"github.com/xaionaro-go/avdecorate/raster"
	"github.com/xaionaro-go/avdecorate/sink"
)

type Sink struct {
	Name string

	// WriteErr, if set, is returned by every write.
	WriteErr error

	locker     sync.Mutex
	frames     []*raster.Image
	pcm        []byte
	productIDs []int
	closed     bool
}

var _ sink.Sink = (*Sink)(nil)

func New(name string) *Sink {
	return &Sink{Name: name}
}

func (s *Sink) String() string {
	return fmt.Sprintf("Fake(%s)", s.Name)
}

func (s *Sink) WriteVideo(_ context.Context, frame *raster.Image) error {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.closed {
		return sink.ErrClosed
	}
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *Sink) WriteAudio(_ context.Context, pcm []byte, productID int) error {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.closed {
		return sink.ErrClosed
	}
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.pcm = append(s.pcm, pcm...)
	s.productIDs = append(s.productIDs, productID)
	return nil
}

func (s *Sink) Close(context.Context) error {
	s.locker.Lock()
	defer s.locker.Unlock()
	s.closed = true
	return nil
}

func (s *Sink) Frames() []*raster.Image {
	s.locker.Lock()
	defer s.locker.Unlock()
	return append([]*raster.Image(nil), s.frames...)
}

func (s *Sink) PCM() []byte {
	s.locker.Lock()
	defer s.locker.Unlock()
	return append([]byte(nil), s.pcm...)
}

func (s *Sink) ProductIDs() []int {
	s.locker.Lock()
	defer s.locker.Unlock()
	return append([]int(nil), s.productIDs...)
}

func (s *Sink) IsClosed() bool {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.closed
}
