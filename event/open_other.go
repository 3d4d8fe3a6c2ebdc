//go:build !unix

package event

import "os"

const openFlags = os.O_WRONLY | os.O_APPEND | os.O_CREATE
