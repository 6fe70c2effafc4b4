// Package integrity extracts published SHA-256 digests and verifies files against them.
package integrity

import (
	"regexp"
	"strings"

	apperrors "relupd/internal/errors"
)

// Checksum is a 64-character lowercase hex SHA-256 digest.
type Checksum string

var checksumPattern = regexp.MustCompile("SHA256 Checksum\\s*`([a-fA-F0-9]{64})`")

// ExtractChecksum returns the first "SHA256 Checksum `<hex>`" digest found in
// notes, lowercased.
func ExtractChecksum(notes string) (Checksum, error) {
	m := checksumPattern.FindStringSubmatch(notes)
	if m == nil {
		return "", apperrors.IntegrityError(apperrors.CodeChecksumMissing, "release notes carry no SHA256 checksum", nil).
			WithModule("integrity").
			WithOperation("ExtractChecksum")
	}
	return Checksum(strings.ToLower(m[1])), nil
}

// String returns the digest text.
func (c Checksum) String() string {
	return string(c)
}
