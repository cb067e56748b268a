//go:build unix

// Package sysio wraps the raw file descriptor syscalls used by the process
// supervisor. Every call that can fail with EINTR is retried here so callers
// never have to.
package sysio

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Read reads from fd into p. EINTR is retried; EAGAIN is returned as is.
func Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

// Write writes p to fd once, retrying on EINTR. Short writes are possible on
// non-blocking descriptors.
func Write(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

// Close closes fd. Negative descriptors are ignored. EINTR is swallowed and
// not retried: the descriptor is already released at that point and may have
// been reused by another goroutine.
func Close(fd int) error {
	if fd < 0 {
		return nil
	}
	err := unix.Close(fd)
	if errors.Is(err, unix.EINTR) {
		return nil
	}
	return err
}

// CloseFD closes *fd and resets it to -1.
func CloseFD(fd *int) {
	if fd == nil || *fd < 0 {
		return
	}
	_ = Close(*fd)
	*fd = -1
}

// SetNonblock puts fd into non-blocking mode.
func SetNonblock(fd int) error {
	for {
		err := unix.SetNonblock(fd, true)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

// SetCloexec sets FD_CLOEXEC on fd.
func SetCloexec(fd int) error {
	for {
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		for {
			_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
	}
}

// OpenDevNull opens /dev/null with the given access mode and close-on-exec.
func OpenDevNull(mode int) (int, error) {
	for {
		fd, err := unix.Open("/dev/null", mode|unix.O_CLOEXEC, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return fd, err
	}
}

// Wait4 performs a non-blocking wait for pid. It returns the reaped pid
// (0 when the child is still running) and its status.
func Wait4(pid int) (int, unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return wpid, ws, err
	}
}

// Kill sends sig to pid. ESRCH is not reported since the target is gone.
func Kill(pid int, sig unix.Signal) error {
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Poll waits for events on fds for at most timeout. An interrupted poll is
// reported as zero ready descriptors.
func Poll(fds []unix.PollFd, timeout time.Duration) (int, error) {
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	return n, err
}

// WaitBlocking waits for pid to exit. Only use it on a child that was already
// sent SIGKILL.
func WaitBlocking(pid int) (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return ws, err
	}
}
