//go:build !unix && !windows

package filelock

import "os"

// TryLock is a no-op on platforms without advisory locking.
func TryLock(*os.File) error { return nil }

// Unlock is a no-op on platforms without advisory locking.
func Unlock(*os.File) error { return nil }
