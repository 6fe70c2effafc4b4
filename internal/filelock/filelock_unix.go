//go:build unix

package filelock

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// TryLock takes a non-blocking exclusive flock on f.
func TryLock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return errors.Wrap(ErrLocked, f.Name())
		}
		return errors.Wrapf(err, "flock %s", f.Name())
	}
	return nil
}

// Unlock releases a lock taken by TryLock.
func Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
