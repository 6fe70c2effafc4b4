// Package filelock takes advisory exclusive locks on open files.
package filelock

import (
	"os"

	"github.com/pkg/errors"
)

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("file is locked by another process")

// Lock is an exclusive lock held on a lock file.
type Lock struct {
	f *os.File
}

// Acquire creates path if needed and takes a non-blocking exclusive lock on
// it. The returned error wraps ErrLocked when the lock is already held.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open lock file: %s", path)
	}
	if err := TryLock(f); err != nil {
		f.Close()
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Release drops the lock and closes the file. The lock file itself is left
// in place.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := Unlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
