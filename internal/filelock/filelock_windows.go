//go:build windows

package filelock

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// TryLock takes a non-blocking exclusive byte-range lock on f.
func TryLock(f *os.File) error {
	ol := new(windows.Overlapped)
	flags := uint32(windows.LOCKFILE_EXCLUSIVE_LOCK | windows.LOCKFILE_FAIL_IMMEDIATELY)
	if err := windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, 1, 0, ol); err != nil {
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return errors.Wrap(ErrLocked, f.Name())
		}
		return errors.Wrapf(err, "LockFileEx %s", f.Name())
	}
	return nil
}

// Unlock releases a lock taken by TryLock.
func Unlock(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol)
}
