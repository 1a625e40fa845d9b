//go:build unix

package sheet

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func lockedByOther(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		// Not a lock: the write reports the real error.
		return false
	}
	defer f.Close()
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
	}
	_ = unix.Flock(fd, unix.LOCK_UN)
	return false
}
