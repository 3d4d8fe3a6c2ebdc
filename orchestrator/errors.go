package orchestrator

import (
	"errors"
	"fmt"

	"github.com/xaionaro-go/avdecorate/event"
)

// ErrMainTrackFinished ends the main loop once the main track is exhausted.
var ErrMainTrackFinished = errors.New("the main track is finished")

// ErrFatal terminates the run; Code is reported on the event channel.
type ErrFatal struct {
	Code event.Code
	Err  error
}

func (e ErrFatal) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e ErrFatal) Unwrap() error {
	return e.Err
}

func fatalf(code event.Code, format string, args ...any) ErrFatal {
	return ErrFatal{Code: code, Err: fmt.Errorf(format, args...)}
}
