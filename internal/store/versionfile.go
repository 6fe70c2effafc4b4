// Package store persists the installed version record and the update history.
package store

import (
	"bytes"
	stdErrors "errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	apperrors "relupd/internal/errors"
	"relupd/internal/version"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// VersionFile is the one-line text record of the installed version.
type VersionFile struct {
	path string
}

// NewVersionFile resolves rel against root. The result must stay inside root.
func NewVersionFile(root, rel string) (*VersionFile, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, apperrors.IOError("failed to resolve install root", err).
			WithModule("store").
			WithOperation("NewVersionFile").
			WithField("root", root)
	}
	absRoot = filepath.Clean(absRoot)

	if strings.TrimSpace(rel) == "" || filepath.IsAbs(rel) {
		return nil, outsideRoot(rel, absRoot)
	}
	full := filepath.Clean(filepath.Join(absRoot, rel))
	r, err := filepath.Rel(absRoot, full)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return nil, outsideRoot(rel, absRoot)
	}
	return &VersionFile{path: full}, nil
}

func outsideRoot(rel, root string) *apperrors.AppError {
	return apperrors.ArchiveError(apperrors.CodePathTraversal, "version file must live inside the install root", nil).
		WithModule("store").
		WithOperation("NewVersionFile").
		WithFields(apperrors.Metadata{"version_file": rel, "root": root})
}

// Path returns the absolute record path.
func (f *VersionFile) Path() string {
	return f.path
}

// Read returns the recorded version. A missing file yields
// LocalVersionMissing; unparseable content yields InvalidFormat.
func (f *VersionFile) Read() (version.Version, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return version.Version{}, apperrors.SystemError(apperrors.CodeLocalVersionMissing, "installed version record not found", err).
				WithModule("store").
				WithOperation("Read").
				WithField("path", f.path)
		}
		return version.Version{}, apperrors.IOError("failed to read installed version record", err).
			WithModule("store").
			WithOperation("Read").
			WithField("path", f.path)
	}

	data = bytes.TrimPrefix(data, utf8BOM)
	v, err := version.Parse(string(data))
	if err != nil {
		if appErr, ok := apperrors.As(err); ok {
			appErr.WithField("path", f.path)
		}
		return version.Version{}, err
	}
	return v, nil
}

// Write replaces the record with v. The new content is written to a sibling
// temp file and renamed over the record.
func (f *VersionFile) Write(v version.Version) error {
	if err := writeAtomic(f.path, []byte(v.Core())); err != nil {
		return apperrors.IOError("failed to write installed version record", err).
			WithModule("store").
			WithOperation("Write").
			WithField("path", f.path)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory: %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".version-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to set temp file mode")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to write temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to move temp file over %s", path)
	}
	return nil
}
