package downloader

import (
	"io"
	"os"

	"relupd/internal/filelock"
)

// FileSystem abstracts the filesystem operations used by the downloader.
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	Remove(path string) error
	// CreateExclusive creates path for writing and fails if it already
	// exists or another writer holds it.
	CreateExclusive(path string) (io.WriteCloser, error)
}

// tryLock is swapped in tests to simulate a competing writer.
var tryLock = filelock.TryLock

// OSFileSystem implements FileSystem using the local OS.
type OSFileSystem struct{}

func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (OSFileSystem) Remove(path string) error {
	return os.Remove(path)
}

func (OSFileSystem) CreateExclusive(path string) (io.WriteCloser, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	if err := tryLock(f); err != nil {
		f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return &lockedFile{File: f}, nil
}

type lockedFile struct {
	*os.File
}

func (l *lockedFile) Close() error {
	_ = filelock.Unlock(l.File)
	return l.File.Close()
}
