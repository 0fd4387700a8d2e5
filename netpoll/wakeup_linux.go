//go:build linux

package netpoll

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates an eventfd, returning it as both the read and write
// end.
func createWakeFd() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}

func signalWakeFd(fd int) error {
	buf := [8]byte{1}
	_, err := unix.Write(fd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

func drainWakeFd(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func closeWakeFd(r, w int) {
	_ = unix.Close(r)
	if w != r {
		_ = unix.Close(w)
	}
}
