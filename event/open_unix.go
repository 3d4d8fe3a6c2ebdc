//go:build unix

package event

import (
	"os"
	"syscall"
)

// a FIFO without a reader fails to open instead of blocking
const openFlags = os.O_WRONLY | os.O_APPEND | os.O_CREATE | syscall.O_NONBLOCK
