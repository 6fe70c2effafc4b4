package installer

import (
	"archive/tar"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/nwaples/rardecode/v2"
	"github.com/pkg/errors"
)

// entry is one archive member. Body is only valid during the visit callback.
type entry struct {
	Name    string
	Dir     bool
	Regular bool
	Mode    os.FileMode
	Body    io.Reader
}

// walkFunc visits archive members in stored order.
type walkFunc func(e entry) error

// walker iterates an archive file. Each call re-opens the archive, so one
// walker can drive both the validation and the extraction pass.
type walker func(path string, visit walkFunc) error

func walkerFor(format Format) (walker, bool) {
	switch format {
	case FormatZip:
		return walkZip, true
	case FormatTarGzip:
		return walkTarGzip, true
	case FormatRar:
		return walkRar, true
	default:
		return nil, false
	}
}

func walkZip(path string, visit walkFunc) error {
	// A reader returned alongside an error signals insecure member names;
	// those are rejected by the containment check instead.
	r, err := zip.OpenReader(path)
	if r == nil {
		return errors.Wrapf(err, "failed to open zip file: %s", path)
	}
	defer r.Close()

	for _, f := range r.File {
		info := f.FileInfo()
		e := entry{
			Name:    f.Name,
			Dir:     info.IsDir(),
			Regular: info.Mode().IsRegular(),
			Mode:    info.Mode(),
		}
		if !e.Regular {
			if err := visit(e); err != nil {
				return err
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return errors.Wrapf(err, "failed to open file in zip: %s", f.Name)
		}
		e.Body = rc
		err = visit(e)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func walkTarGzip(path string, visit walkFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open archive: %s", path)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "failed to open gzip stream: %s", path)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && hdr != nil) {
			return errors.Wrap(err, "read tar")
		}

		e := entry{
			Name:    hdr.Name,
			Dir:     hdr.Typeflag == tar.TypeDir,
			Regular: hdr.Typeflag == tar.TypeReg,
			Mode:    hdr.FileInfo().Mode(),
		}
		if e.Regular {
			e.Body = tr
		}
		if err := visit(e); err != nil {
			return err
		}
	}
}

func walkRar(path string, visit walkFunc) error {
	rc, err := rardecode.OpenReader(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open rar file: %s", path)
	}
	defer rc.Close()

	for {
		hdr, err := rc.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read rar")
		}

		mode := hdr.Mode()
		e := entry{
			Name:    hdr.Name,
			Dir:     hdr.IsDir,
			Regular: !hdr.IsDir && mode.IsRegular(),
			Mode:    mode,
		}
		if e.Regular {
			e.Body = rc
		}
		if err := visit(e); err != nil {
			return err
		}
	}
}
