//go:build linux

package sysio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Pipe returns a close-on-exec pipe as (read end, write end).
func Pipe() (int, int, error) {
	var p [2]int
	for {
		err := unix.Pipe2(p[:], unix.O_CLOEXEC)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return -1, -1, err
		}
		return p[0], p[1], nil
	}
}
