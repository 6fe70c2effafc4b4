package installer

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Format identifies a supported archive container.
type Format string

const (
	FormatZip     Format = "zip"
	FormatTarGzip Format = "tar.gz"
	FormatRar     Format = "rar"
	FormatUnknown Format = ""
)

var magics = []struct {
	format Format
	prefix []byte
}{
	{FormatZip, []byte("PK\x03\x04")},
	{FormatZip, []byte("PK\x05\x06")},
	{FormatTarGzip, []byte{0x1f, 0x8b}},
	{FormatRar, []byte("Rar!\x1a\x07")},
}

// DetectFormat sniffs the archive container from its leading bytes.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, errors.Wrapf(err, "failed to open archive: %s", path)
	}
	defer f.Close()

	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatUnknown, errors.Wrapf(err, "failed to read archive header: %s", path)
	}
	head = head[:n]

	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return m.format, nil
		}
	}
	return FormatUnknown, nil
}
