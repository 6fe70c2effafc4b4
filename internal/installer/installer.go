// Package installer extracts a release archive over an install directory.
package installer

import (
	"context"
	stdErrors "errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	apperrors "relupd/internal/errors"
	"relupd/internal/logger"
)

const copyBufferSize = 32 * 1024

// Progress reports extraction of one archive member.
type Progress struct {
	Entry string
	Done  int
	Total int
	// Fraction is Done/Total, 1 for an archive with no files.
	Fraction float64
}

// ProgressFunc receives one Progress per extracted file.
type ProgressFunc func(Progress)

// Installer extracts archives into a target directory. Existing files are
// overwritten. A failed install leaves already written files in place.
type Installer struct {
	log         logger.Logger
	keepArchive bool
}

// Option customises Installer construction.
type Option func(*Installer)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(i *Installer) {
		i.log = log
	}
}

// WithKeepArchive leaves the archive on disk after a successful install.
func WithKeepArchive(keep bool) Option {
	return func(i *Installer) {
		i.keepArchive = keep
	}
}

// New constructs an Installer.
func New(opts ...Option) *Installer {
	i := &Installer{}
	for _, opt := range opts {
		opt(i)
	}
	if i.log == nil {
		i.log = logger.Discard()
	}
	return i
}

// Install validates every member path of archivePath against targetDir and,
// if all are contained, extracts the regular files. Directory members are
// skipped; parent directories are created as needed. On success the archive
// is deleted.
func (i *Installer) Install(ctx context.Context, archivePath, targetDir string, onProgress ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	root, err := filepath.Abs(targetDir)
	if err != nil {
		return apperrors.IOError("failed to resolve install directory", err).
			WithModule("installer").
			WithOperation("Install").
			WithField("target_dir", targetDir)
	}
	root = filepath.Clean(root)

	format, err := DetectFormat(archivePath)
	if err != nil {
		return apperrors.IOError("failed to inspect archive", err).
			WithModule("installer").
			WithOperation("Install").
			WithField("archive", archivePath)
	}
	walk, ok := walkerFor(format)
	if !ok {
		return apperrors.ArchiveError(apperrors.CodeExtractionError, "unsupported archive format", nil).
			WithModule("installer").
			WithOperation("Install").
			WithField("archive", archivePath)
	}

	total, err := i.validate(walk, archivePath, root)
	if err != nil {
		return err
	}
	i.log.InfoContext(ctx, "extracting archive",
		logger.String("archive", archivePath),
		logger.String("format", string(format)),
		logger.String("target_dir", root),
		logger.Int("files", total))

	done := 0
	err = walk(archivePath, func(e entry) error {
		if err := ctx.Err(); err != nil {
			return apperrors.FromContext(err)
		}
		if !e.Regular {
			if !e.Dir {
				i.log.DebugContext(ctx, "skipping non-regular archive member", logger.String("entry", e.Name))
			}
			return nil
		}

		target, err := resolve(root, e.Name)
		if err != nil {
			return err
		}
		if err := writeEntry(target, e); err != nil {
			return err
		}

		done++
		onProgress(Progress{Entry: e.Name, Done: done, Total: total, Fraction: fraction(done, total)})
		return nil
	})
	if err != nil {
		return classify(err, archivePath)
	}
	if total == 0 {
		onProgress(Progress{Fraction: 1})
	}

	if !i.keepArchive {
		if err := os.Remove(archivePath); err != nil && !stdErrors.Is(err, os.ErrNotExist) {
			i.log.WarnContext(ctx, "failed to remove archive after install",
				logger.String("archive", archivePath), logger.Error(err))
		}
	}
	return nil
}

// validate checks every member path and counts regular files without
// writing anything.
func (i *Installer) validate(walk walker, archivePath, root string) (int, error) {
	total := 0
	err := walk(archivePath, func(e entry) error {
		if e.Dir {
			return nil
		}
		if _, err := resolve(root, e.Name); err != nil {
			return err
		}
		if e.Regular {
			total++
		}
		return nil
	})
	if err != nil {
		return 0, classify(err, archivePath)
	}
	return total, nil
}

// resolve joins an archive member name onto root and rejects results outside it.
func resolve(root, name string) (string, error) {
	normalized := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(normalized, "/") || filepath.VolumeName(filepath.FromSlash(normalized)) != "" || hasDriveLetter(normalized) {
		return "", traversal(name, root)
	}

	target := filepath.Clean(filepath.Join(root, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", traversal(name, root)
	}
	return target, nil
}

func hasDriveLetter(name string) bool {
	return len(name) >= 2 && name[1] == ':' &&
		((name[0] >= 'a' && name[0] <= 'z') || (name[0] >= 'A' && name[0] <= 'Z'))
}

func traversal(name, root string) *apperrors.AppError {
	return apperrors.ArchiveError(apperrors.CodePathTraversal, "archive entry escapes install directory", nil).
		WithModule("installer").
		WithOperation("resolve").
		WithFields(apperrors.Metadata{"entry": name, "target_dir": root})
}

func writeEntry(target string, e entry) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return apperrors.IOError("failed to create directory", err).
			WithModule("installer").
			WithOperation("writeEntry").
			WithField("path", filepath.Dir(target))
	}

	perm := e.Mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return apperrors.IOError("failed to create target file", err).
			WithModule("installer").
			WithOperation("writeEntry").
			WithField("path", target)
	}

	buf := make([]byte, copyBufferSize)
	_, copyErr := io.CopyBuffer(out, e.Body, buf)
	closeErr := out.Close()
	if copyErr != nil {
		return apperrors.ArchiveError(apperrors.CodeExtractionError, "failed to extract archive member", copyErr).
			WithModule("installer").
			WithOperation("writeEntry").
			WithFields(apperrors.Metadata{"entry": e.Name, "path": target})
	}
	if closeErr != nil {
		return apperrors.IOError("failed to write target file", closeErr).
			WithModule("installer").
			WithOperation("writeEntry").
			WithField("path", target)
	}
	return nil
}

// classify keeps AppErrors and maps anything else to ExtractionError.
func classify(err error, archivePath string) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.ArchiveError(apperrors.CodeExtractionError, "failed to read archive", err).
		WithModule("installer").
		WithOperation("Install").
		WithField("archive", archivePath)
}

func fraction(done, total int) float64 {
	if total <= 0 {
		return 1
	}
	return float64(done) / float64(total)
}
