package downloader

import (
	stdErrors "errors"
	"os"
	"path/filepath"
	"testing"

	"relupd/internal/filelock"
)

func TestCreateExclusiveRemovesFileWhenLockFails(t *testing.T) {
	orig := tryLock
	tryLock = func(*os.File) error { return filelock.ErrLocked }
	t.Cleanup(func() { tryLock = orig })

	dest := filepath.Join(t.TempDir(), "app.zip")
	if _, err := (OSFileSystem{}).CreateExclusive(dest); !stdErrors.Is(err, filelock.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("destination left behind: %v", err)
	}
}

func TestCreateExclusiveRejectsExistingFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "app.zip")
	if err := os.WriteFile(dest, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (OSFileSystem{}).CreateExclusive(dest); !os.IsExist(err) {
		t.Fatalf("expected exist error, got %v", err)
	}
	raw, err := os.ReadFile(dest)
	if err != nil || string(raw) != "stale" {
		t.Fatalf("existing file changed: %q %v", raw, err)
	}
}
