// astiav.go routes libav's own log output into the context logger.

package logger

import (
	"context"
	"strings"

	"github.com/asticode/go-astiav"
)

// LevelToAstiav converts a logger level into the closest libav log level.
func LevelToAstiav(level Level) astiav.LogLevel {
	switch level {
	case LevelUndefined:
		return astiav.LogLevelQuiet
	case LevelFatal:
		return astiav.LogLevelFatal
	case LevelPanic:
		return astiav.LogLevelPanic
	case LevelError:
		return astiav.LogLevelError
	case LevelWarning:
		return astiav.LogLevelWarning
	case LevelInfo:
		return astiav.LogLevelInfo
	case LevelDebug:
		return astiav.LogLevelVerbose
	case LevelTrace:
		return astiav.LogLevelTrace
	default:
		return astiav.LogLevelWarning
	}
}

// LevelFromAstiav converts a libav log level into a logger level.
func LevelFromAstiav(level astiav.LogLevel) Level {
	switch {
	case level <= astiav.LogLevelQuiet:
		return LevelUndefined
	case level <= astiav.LogLevelPanic:
		return LevelPanic
	case level <= astiav.LogLevelFatal:
		return LevelFatal
	case level <= astiav.LogLevelError:
		return LevelError
	case level <= astiav.LogLevelWarning:
		return LevelWarning
	case level <= astiav.LogLevelInfo:
		return LevelInfo
	case level <= astiav.LogLevelVerbose:
		return LevelDebug
	default:
		return LevelTrace
	}
}

// BridgeAstiav makes libav log through the logger found in ctx.
// libav's panic and fatal messages are downgraded to errors: the
// process must not be terminated by a codec's complaint.
func BridgeAstiav(ctx context.Context) {
	l := FromCtx(ctx)
	astiav.SetLogLevel(LevelToAstiav(l.Level()))
	astiav.SetLogCallback(func(c astiav.Classer, level astiav.LogLevel, fmt, msg string) {
		var cs string
		if c != nil {
			if cl := c.Class(); cl != nil {
				cs = " - class: " + cl.String()
			}
		}
		lvl := LevelFromAstiav(level)
		if lvl < LevelError {
			lvl = LevelError
		}
		l.Logf(lvl, "%s%s", strings.TrimSpace(msg), cs)
	})
}
