// Package event reports run status as newline-delimited JSON on a side
// channel, typically a FIFO read by a supervisor.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/xaionaro-go/avdecorate/helpers/closuresignaler"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/avdecorate/safequeue"
	"github.com/xaionaro-go/observability"
)

type Code int

const (
	CodePushFailure     = Code(2001)
	CodeInitFailure     = Code(2002)
	CodeReadFailure     = Code(2003)
	CodeStreamNonexist  = Code(2004)
	CodeMaterialAddFail = Code(2010)
	CodeMaterialDelFail = Code(2011)
	CodeMaterialModFail = Code(2012)
	CodeInitSuccess     = Code(2501)
	CodeMaterialAddSucc = Code(2510)
	CodeMaterialDelSucc = Code(2511)
	CodeMaterialModSucc = Code(2512)
	CodeStartOfStream   = Code(3503)
	CodeEndOfStream     = Code(3504)
)

func (c Code) String() string {
	switch c {
	case CodePushFailure:
		return "PUSH_FAILURE"
	case CodeInitFailure:
		return "INIT_FAILURE"
	case CodeReadFailure:
		return "READ_FAILURE"
	case CodeStreamNonexist:
		return "STREAM_NONEXIST"
	case CodeMaterialAddFail:
		return "MATERIAL_ADD_FAIL"
	case CodeMaterialDelFail:
		return "MATERIAL_DEL_FAIL"
	case CodeMaterialModFail:
		return "MATERIAL_MOD_FAIL"
	case CodeInitSuccess:
		return "INIT_SUCCESS"
	case CodeMaterialAddSucc:
		return "MATERIAL_ADD_SUCC"
	case CodeMaterialDelSucc:
		return "MATERIAL_DEL_SUCC"
	case CodeMaterialModSucc:
		return "MATERIAL_MOD_SUCC"
	case CodeStartOfStream:
		return "START_OF_STREAM"
	case CodeEndOfStream:
		return "END_OF_STREAM"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

type Event struct {
	Code      Code   `json:"code"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

const retryInterval = 100 * time.Millisecond

// Notifier writes events in the background so that reporting never
// blocks the caller. A nil *Notifier discards everything.
type Notifier struct {
	Path string

	// Open opens the destination; defaults to opening Path for writing.
	Open func() (io.WriteCloser, error)

	queue *safequeue.Queue[Event]
	exit  *closuresignaler.ClosureSignaler
	done  chan struct{}
	now   func() time.Time
}

func New(path string) *Notifier {
	n := &Notifier{
		Path:  path,
		queue: safequeue.New[Event](0),
		exit:  closuresignaler.New(),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	n.Open = func() (io.WriteCloser, error) {
		return os.OpenFile(n.Path, openFlags, 0o644)
	}
	return n
}

func (n *Notifier) Start(ctx context.Context) {
	if n == nil {
		return
	}
	logger.Debugf(ctx, "event notifier %s: Start", n.Path)
	observability.Go(ctx, func(ctx context.Context) {
		defer close(n.done)
		n.loop(ctx)
	})
}

// Send queues an event.
func (n *Notifier) Send(ctx context.Context, code Code, message string) {
	logger.Debugf(ctx, "event %s: %s", code, message)
	if n == nil {
		return
	}
	_ = n.queue.Push(Event{Code: code, Timestamp: n.now().UnixMilli(), Message: message})
}

func (n *Notifier) Sendf(ctx context.Context, code Code, format string, args ...any) {
	n.Send(ctx, code, fmt.Sprintf(format, args...))
}

// Close writes out the queued events, waiting until ctx is done at most.
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil {
		return nil
	}
	n.exit.Close(ctx)
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) loop(ctx context.Context) {
	var w io.WriteCloser
	defer func() {
		if w != nil {
			_ = w.Close()
		}
	}()
	for {
		ev, err := n.queue.Pop(ctx, retryInterval)
		if err != nil {
			if n.exit.IsClosed() || ctx.Err() != nil {
				return
			}
			continue
		}
		line, err := json.Marshal(ev)
		if err != nil {
			logger.Errorf(ctx, "unable to serialize %#+v: %v", ev, err)
			continue
		}
		line = append(line, '\n')
		for w == nil {
			w, err = n.Open()
			if err == nil {
				break
			}
			w = nil
			logger.Errorf(ctx, "unable to open the event channel '%s': %v", n.Path, err)
			if !n.exit.Sleep(ctx, retryInterval) {
				return
			}
		}
		if _, err := w.Write(line); err != nil {
			logger.Errorf(ctx, "unable to write an event: %v", err)
			_ = w.Close()
			w = nil
		}
	}
}
