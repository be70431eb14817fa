package tarfile

import (
	"archive/tar"
	"fmt"
	"io"
	"os"

	"github.com/tarpush/tarpush/types"
)

// Validate checks the structure of a docker-save tar without decoding blob
// bytes: manifest.json parses, and every Config and Layers path the first
// entry references exists in the archive. It performs no network I/O.
func (f *File) Validate() error {
	entries, err := f.manifestEntries()
	if err != nil {
		return err
	}
	entry := entries[0]
	if entry.Config == "" {
		return fmt.Errorf("manifest entry missing Config: %w", types.ErrInvalidImageTar)
	}

	members, err := f.memberNames()
	if err != nil {
		return err
	}
	if !members[normName(entry.Config)] {
		return fmt.Errorf("config entry missing: %s: %w", entry.Config, types.ErrInvalidImageTar)
	}
	for _, lp := range entry.Layers {
		if !members[normName(lp)] {
			return fmt.Errorf("layer entry missing: %s: %w", lp, types.ErrInvalidImageTar)
		}
	}
	return nil
}

// memberNames lists the regular file entries in the archive
func (f *File) memberNames() (map[string]bool, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v: %w", f.path, err, types.ErrTarRead)
	}
	defer fh.Close()
	members := map[string]bool{}
	tr := tar.NewReader(fh)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed reading %s: %v: %w", f.path, err, types.ErrTarRead)
		}
		if hdr.Typeflag == tar.TypeReg {
			members[normName(hdr.Name)] = true
		}
	}
	return members, nil
}
