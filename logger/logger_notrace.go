//go:build !debug_trace
// +build !debug_trace

// logger_notrace.go compiles trace logging out of the per-frame hot paths.

package logger

import (
	"context"
)

// Tracef is a no-op unless built with the debug_trace tag.
func Tracef(ctx context.Context, format string, args ...any) {}
