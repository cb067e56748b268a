//go:build unix && !linux

package sysio

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// Pipe returns a close-on-exec pipe as (read end, write end). Without pipe2
// the flags are set under syscall.ForkLock so no concurrent fork inherits
// the descriptors.
func Pipe() (int, int, error) {
	var p [2]int
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()
	for {
		err := unix.Pipe(p[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return -1, -1, err
		}
		break
	}
	for _, fd := range p {
		if err := SetCloexec(fd); err != nil {
			_ = Close(p[0])
			_ = Close(p[1])
			return -1, -1, err
		}
	}
	return p[0], p[1], nil
}
