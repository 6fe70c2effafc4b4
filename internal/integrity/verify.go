package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	apperrors "relupd/internal/errors"
)

// HashReader streams r through SHA-256 and returns the lowercase hex digest.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(err, "failed to read data for checksum")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile returns the SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open file: %s", path)
	}
	defer f.Close()

	return HashReader(f)
}

// Verify reports whether the file at path hashes to expected. The comparison
// ignores case. An unreadable file yields an IoError.
func Verify(path string, expected Checksum) (bool, error) {
	actual, err := HashFile(path)
	if err != nil {
		return false, apperrors.IOError("failed to hash downloaded file", err).
			WithModule("integrity").
			WithOperation("Verify").
			WithField("path", path)
	}
	return strings.EqualFold(actual, strings.TrimSpace(string(expected))), nil
}

// VerifyFile is Verify returning a ChecksumMismatch error instead of false.
func VerifyFile(path string, expected Checksum) error {
	actual, err := HashFile(path)
	if err != nil {
		return apperrors.IOError("failed to hash downloaded file", err).
			WithModule("integrity").
			WithOperation("VerifyFile").
			WithField("path", path)
	}
	if !strings.EqualFold(actual, strings.TrimSpace(string(expected))) {
		return apperrors.IntegrityError(apperrors.CodeChecksumMismatch, "downloaded file does not match published checksum", nil).
			WithModule("integrity").
			WithOperation("VerifyFile").
			WithFields(apperrors.Metadata{
				"path":     path,
				"expected": strings.ToLower(string(expected)),
				"actual":   actual,
			})
	}
	return nil
}
