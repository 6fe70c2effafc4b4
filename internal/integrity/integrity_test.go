package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	apperrors "relupd/internal/errors"
)

const sampleDigest = "ABCDEF0123456789abcdef0123456789ABCDEF0123456789abcdef0123456789"

func TestExtractChecksum(t *testing.T) {
	tests := []struct {
		name  string
		notes string
		want  Checksum
	}{
		{"inline", "Release notes\nSHA256 Checksum `" + sampleDigest + "`\n", Checksum(strings.ToLower(sampleDigest))},
		{"no space", "SHA256 Checksum`" + sampleDigest + "`", Checksum(strings.ToLower(sampleDigest))},
		{"newline gap", "SHA256 Checksum\n\t`" + sampleDigest + "`", Checksum(strings.ToLower(sampleDigest))},
		{"first wins", "SHA256 Checksum `" + strings.Repeat("a", 64) + "` SHA256 Checksum `" + strings.Repeat("b", 64) + "`", Checksum(strings.Repeat("a", 64))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractChecksum(tt.notes)
			if err != nil {
				t.Fatalf("ExtractChecksum: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractChecksumMissing(t *testing.T) {
	for _, notes := range []string{
		"",
		"no checksum here",
		"SHA256 Checksum `" + strings.Repeat("a", 63) + "`",
		"SHA256 Checksum `" + strings.Repeat("g", 64) + "`",
		"sha256 checksum `" + strings.Repeat("a", 64) + "`",
	} {
		if _, err := ExtractChecksum(notes); !apperrors.Is(err, apperrors.ErrChecksumMissing) {
			t.Errorf("ExtractChecksum(%q) err = %v, want ChecksumMissing", notes, err)
		}
	}
}

func writeFile(t *testing.T, data []byte) (string, Checksum) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.zip")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(data)
	return path, Checksum(hex.EncodeToString(sum[:]))
}

func TestVerify(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	path, sum := writeFile(t, data)

	ok, err := Verify(path, Checksum(strings.ToUpper(string(sum))))
	if err != nil || !ok {
		t.Fatalf("Verify uppercase = %v, %v", ok, err)
	}

	data[0] ^= 0x01
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err = Verify(path, sum)
	if err != nil || ok {
		t.Fatalf("Verify after single byte flip = %v, %v", ok, err)
	}

	err = VerifyFile(path, sum)
	if !apperrors.Is(err, apperrors.ErrChecksumMismatch) {
		t.Fatalf("VerifyFile err = %v, want ChecksumMismatch", err)
	}
	appErr, _ := apperrors.As(err)
	if exp, _ := appErr.Field("expected"); exp != string(sum) {
		t.Fatalf("expected field = %v", exp)
	}
}

func TestVerifyMissingFile(t *testing.T) {
	_, err := Verify(filepath.Join(t.TempDir(), "absent"), Checksum(strings.Repeat("0", 64)))
	if !apperrors.Is(err, apperrors.ErrIO) {
		t.Fatalf("err = %v, want IoError", err)
	}
}
