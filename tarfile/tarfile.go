// Package tarfile decodes docker-save tar archives into their
// content-addressed parts: the image config, the ordered layers, and the
// original repository tags. Layers are exposed as reopenable streams so an
// upload can replay a layer without holding it in memory.
package tarfile

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/tarpush/tarpush/types"
)

const manifestFile = "manifest.json"

// manifestEntry is one element of manifest.json inside a docker-save tar
type manifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Layer is one image layer inside the archive
type Layer struct {
	types.Descriptor
	// entry path inside the tar, the locator used to reopen the stream
	Path string

	tarPath string
}

// Open returns a fresh single-pass stream over the stored layer bytes.
// Each call opens its own file handle, so concurrent uploads never share
// a read offset.
func (l Layer) Open() (io.ReadCloser, error) {
	return openEntry(l.tarPath, l.Path)
}

// Bundle is the decoded content of one image inside a docker-save tar
type Bundle struct {
	Config       types.Descriptor
	ConfigBytes  []byte
	Layers       []Layer
	OriginalTags []string
}

// Blobs returns the unique blobs to transfer, config first, deduplicated by
// digest while layer order in the manifest is preserved separately.
func (b *Bundle) Blobs() []types.Descriptor {
	seen := map[digest.Digest]bool{b.Config.Digest: true}
	blobs := []types.Descriptor{b.Config}
	for _, l := range b.Layers {
		if seen[l.Digest] {
			continue
		}
		seen[l.Digest] = true
		blobs = append(blobs, l.Descriptor)
	}
	return blobs
}

// Opener returns the blob source for a digest in this bundle, or false when
// the digest is not part of the bundle.
func (b *Bundle) Opener(d digest.Digest) (func() (io.ReadCloser, error), bool) {
	if d == b.Config.Digest {
		raw := b.ConfigBytes
		return func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(raw)), nil
		}, true
	}
	for _, l := range b.Layers {
		if l.Digest == d {
			l := l
			return l.Open, true
		}
	}
	return nil, false
}

// File reads a docker-save tar from disk
type File struct {
	path string
	log  *logrus.Logger
}

// Opts is used to configure the reader
type Opts func(*File)

// New returns a reader for a docker-save tar on disk
func New(path string, opts ...Opts) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("tar file not found %s: %v: %w", path, err, types.ErrTarRead)
	}
	f := File{
		path: path,
		log:  &logrus.Logger{Out: io.Discard},
	}
	for _, opt := range opts {
		opt(&f)
	}
	return &f, nil
}

// WithLog injects a logrus Logger
func WithLog(log *logrus.Logger) Opts {
	return func(f *File) {
		f.log = log
	}
}

// Bundle decodes the first image in the archive. Digests for the config and
// every layer are computed in one sequential pass over the archive; layer
// bytes are not retained.
func (f *File) Bundle() (*Bundle, error) {
	entries, err := f.manifestEntries()
	if err != nil {
		return nil, err
	}
	if len(entries) > 1 {
		f.log.WithFields(logrus.Fields{
			"path":    f.path,
			"entries": len(entries),
		}).Debug("Tar contains multiple images, using the first")
	}
	entry := entries[0]
	if entry.Config == "" {
		return nil, fmt.Errorf("manifest entry missing Config: %w", types.ErrInvalidImageTar)
	}

	b := Bundle{
		OriginalTags: collectRepoTags(entries),
	}
	// archives written without RepoTags may still carry a legacy repositories file
	if len(b.OriginalTags) == 0 {
		tags, err := f.repositoriesTags()
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		b.OriginalTags = tags
	}

	// one sequential pass collects the config bytes and hashes every layer
	wantLayers := map[string]int{}
	for i, lp := range entry.Layers {
		if _, ok := wantLayers[normName(lp)]; !ok {
			wantLayers[normName(lp)] = i
		}
	}
	layerByPath := map[string]Layer{}

	fh, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v: %w", f.path, err, types.ErrTarRead)
	}
	defer fh.Close()
	tr := tar.NewReader(fh)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed reading %s: %v: %w", f.path, err, types.ErrTarRead)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := normName(hdr.Name)
		switch {
		case name == normName(entry.Config):
			raw, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("failed reading config %s: %v: %w", entry.Config, err, types.ErrTarRead)
			}
			b.ConfigBytes = raw
			b.Config = types.Descriptor{
				MediaType: types.MediaTypeDocker2ImageConfig,
				Size:      int64(len(raw)),
				Digest:    digest.FromBytes(raw),
			}
		default:
			if _, ok := wantLayers[name]; !ok {
				continue
			}
			l, err := f.hashLayer(tr, hdr, name)
			if err != nil {
				return nil, err
			}
			layerByPath[name] = l
		}
	}

	if b.ConfigBytes == nil {
		return nil, fmt.Errorf("config entry missing: %s: %w", entry.Config, types.ErrInvalidImageTar)
	}
	// layer order matches the manifest.json Layers array, including repeats
	for _, lp := range entry.Layers {
		l, ok := layerByPath[normName(lp)]
		if !ok {
			return nil, fmt.Errorf("layer entry missing: %s: %w", lp, types.ErrInvalidImageTar)
		}
		b.Layers = append(b.Layers, l)
	}

	f.log.WithFields(logrus.Fields{
		"path":   f.path,
		"config": b.Config.Digest,
		"layers": len(b.Layers),
		"tags":   b.OriginalTags,
	}).Debug("Decoded image tar")
	return &b, nil
}

// hashLayer digests a layer in a streaming pass and sniffs its compression
func (f *File) hashLayer(tr *tar.Reader, hdr *tar.Header, name string) (Layer, error) {
	digester := digest.Canonical.Digester()
	head := make([]byte, 512)
	n, err := io.ReadFull(tr, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Layer{}, fmt.Errorf("failed reading layer %s: %v: %w", name, err, types.ErrTarRead)
	}
	head = head[:n]
	if _, err := digester.Hash().Write(head); err != nil {
		return Layer{}, fmt.Errorf("failed hashing layer %s: %w", name, err)
	}
	rest, err := io.Copy(digester.Hash(), tr)
	if err != nil {
		return Layer{}, fmt.Errorf("failed hashing layer %s: %v: %w", name, err, types.ErrTarRead)
	}
	size := int64(n) + rest
	if size != hdr.Size {
		return Layer{}, fmt.Errorf("layer %s size %d, header declares %d: %w", name, size, hdr.Size, types.ErrInvalidImageTar)
	}
	return Layer{
		Descriptor: types.Descriptor{
			MediaType: layerMediaType(name, head),
			Size:      size,
			Digest:    digester.Digest(),
		},
		Path:    name,
		tarPath: f.path,
	}, nil
}

// layerMediaType picks the schema2 layer media type from the entry path
// extension, falling back to sniffing the gzip header.
func layerMediaType(name string, head []byte) string {
	if strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz") {
		return types.MediaTypeDocker2Layer
	}
	if _, err := gzip.NewReader(bytes.NewReader(head)); err == nil {
		return types.MediaTypeDocker2Layer
	}
	return types.MediaTypeDocker2LayerUncompressed
}

// manifestEntries locates and parses manifest.json at the archive root
func (f *File) manifestEntries() ([]manifestEntry, error) {
	raw, err := readEntry(f.path, manifestFile)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("manifest.json missing: %w", types.ErrInvalidImageTar)
		}
		return nil, err
	}
	var entries []manifestEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse manifest.json: %v: %w", err, types.ErrInvalidImageTar)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("manifest.json is empty: %w", types.ErrInvalidImageTar)
	}
	return entries, nil
}

// collectRepoTags concatenates RepoTags across entries, deduplicated while
// preserving first occurrence
func collectRepoTags(entries []manifestEntry) []string {
	seen := map[string]bool{}
	tags := []string{}
	for _, e := range entries {
		for _, t := range e.RepoTags {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			tags = append(tags, t)
		}
	}
	return tags
}

// normName strips the leading "./" some tar writers add to entry names
func normName(name string) string {
	return strings.TrimPrefix(name, "./")
}

// readEntry returns the full content of one archive entry
func readEntry(tarPath, name string) ([]byte, error) {
	rc, err := openEntry(tarPath, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed reading %s from %s: %v: %w", name, tarPath, err, types.ErrTarRead)
	}
	return raw, nil
}

// entryReader streams one tar entry and closes the underlying file
type entryReader struct {
	fh *os.File
	tr io.Reader
}

func (er *entryReader) Read(b []byte) (int, error) {
	return er.tr.Read(b)
}

func (er *entryReader) Close() error {
	return er.fh.Close()
}

// openEntry scans the archive for a named entry and returns its stream
func openEntry(tarPath, name string) (io.ReadCloser, error) {
	fh, err := os.Open(tarPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v: %w", tarPath, err, types.ErrTarRead)
	}
	tr := tar.NewReader(fh)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			_ = fh.Close()
			return nil, fmt.Errorf("entry %s: %w", name, types.ErrNotFound)
		}
		if err != nil {
			_ = fh.Close()
			return nil, fmt.Errorf("failed reading %s: %v: %w", tarPath, err, types.ErrTarRead)
		}
		if hdr.Typeflag == tar.TypeReg && normName(hdr.Name) == name {
			return &entryReader{fh: fh, tr: tr}, nil
		}
	}
}
