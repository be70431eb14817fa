// Package manifest builds and parses docker schema2 image manifests.
// The raw serialized bytes are authoritative: the digest of a manifest is
// computed over the exact bytes sent to or received from the registry.
package manifest

import (
	"encoding/json"
	"fmt"
	"net/http"

	dockerDistribution "github.com/docker/distribution"
	dockerManifest "github.com/docker/distribution/manifest"
	dockerSchema2 "github.com/docker/distribution/manifest/schema2"
	digest "github.com/opencontainers/go-digest"

	"github.com/tarpush/tarpush/types"
)

// Manifest is a docker schema2 image manifest with its canonical bytes.
type Manifest struct {
	manifSet  bool
	rawBody   []byte
	rawHeader http.Header
	desc      types.Descriptor
	orig      dockerSchema2.Manifest
}

type manifestConfig struct {
	raw    []byte
	header http.Header
	orig   *dockerSchema2.Manifest
}

// Opts is used by New to configure the manifest
type Opts func(*manifestConfig)

// New creates a manifest from raw bytes, response headers, or an original struct
func New(opts ...Opts) (*Manifest, error) {
	mc := manifestConfig{}
	for _, opt := range opts {
		opt(&mc)
	}
	m := Manifest{
		rawHeader: mc.header,
	}
	if mc.orig != nil {
		mj, err := json.Marshal(mc.orig)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal manifest: %w", err)
		}
		mc.raw = mj
	}
	if mc.raw == nil {
		return nil, fmt.Errorf("manifest requires raw bytes or an original struct: %w", types.ErrParsingFailed)
	}
	if err := json.Unmarshal(mc.raw, &m.orig); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %v: %w", err, types.ErrParsingFailed)
	}
	if m.orig.Versioned.SchemaVersion != 2 {
		return nil, fmt.Errorf("unsupported manifest schema version %d: %w", m.orig.Versioned.SchemaVersion, types.ErrParsingFailed)
	}
	m.rawBody = mc.raw
	m.manifSet = true
	m.desc = types.Descriptor{
		MediaType: types.MediaTypeDocker2Manifest,
		Size:      int64(len(mc.raw)),
		Digest:    digest.FromBytes(mc.raw),
	}
	// a digest echoed in the header must match the body bytes
	if mc.header != nil {
		hd := mc.header.Get("Docker-Content-Digest")
		if hd != "" && hd != m.desc.Digest.String() {
			return nil, fmt.Errorf("registry digest %s, computed %s: %w", hd, m.desc.Digest, types.ErrDigestMismatch)
		}
	}
	return &m, nil
}

// WithRaw provides the manifest bytes or HTTP response body
func WithRaw(raw []byte) Opts {
	return func(mc *manifestConfig) {
		mc.raw = raw
	}
}

// WithHeader provides the headers from the response when pulling the manifest
func WithHeader(header http.Header) Opts {
	return func(mc *manifestConfig) {
		mc.header = header
	}
}

// WithOrig provides the original manifest struct
func WithOrig(orig dockerSchema2.Manifest) Opts {
	return func(mc *manifestConfig) {
		mc.orig = &orig
	}
}

// Build assembles a schema2 manifest from a config descriptor and ordered
// layer descriptors. Layer order is preserved as given, including repeats.
func Build(config types.Descriptor, layers []types.Descriptor) (*Manifest, error) {
	if err := config.Valid(); err != nil {
		return nil, fmt.Errorf("manifest config: %w", err)
	}
	dLayers := make([]dockerDistribution.Descriptor, 0, len(layers))
	for _, l := range layers {
		if err := l.Valid(); err != nil {
			return nil, fmt.Errorf("manifest layer: %w", err)
		}
		dLayers = append(dLayers, dockerDistribution.Descriptor{
			MediaType: l.MediaType,
			Size:      l.Size,
			Digest:    l.Digest,
		})
	}
	orig := dockerSchema2.Manifest{
		Versioned: dockerManifest.Versioned{
			SchemaVersion: 2,
			MediaType:     types.MediaTypeDocker2Manifest,
		},
		Config: dockerDistribution.Descriptor{
			MediaType: config.MediaType,
			Size:      config.Size,
			Digest:    config.Digest,
		},
		Layers: dLayers,
	}
	return New(WithOrig(orig))
}

// GetDigest returns the digest of the canonical manifest bytes
func (m *Manifest) GetDigest() digest.Digest {
	return m.desc.Digest
}

// GetDescriptor returns a descriptor for this manifest
func (m *Manifest) GetDescriptor() types.Descriptor {
	return m.desc
}

// GetMediaType returns the manifest media type
func (m *Manifest) GetMediaType() string {
	return m.desc.MediaType
}

// GetConfig returns the config descriptor
func (m *Manifest) GetConfig() types.Descriptor {
	return types.Descriptor{
		MediaType: m.orig.Config.MediaType,
		Size:      m.orig.Config.Size,
		Digest:    m.orig.Config.Digest,
	}
}

// GetLayers returns the ordered layer descriptors
func (m *Manifest) GetLayers() []types.Descriptor {
	layers := make([]types.Descriptor, 0, len(m.orig.Layers))
	for _, l := range m.orig.Layers {
		layers = append(layers, types.Descriptor{
			MediaType: l.MediaType,
			Size:      l.Size,
			Digest:    l.Digest,
		})
	}
	return layers
}

// GetOrig returns the underlying schema2 struct
func (m *Manifest) GetOrig() dockerSchema2.Manifest {
	return m.orig
}

// RawBody returns the exact serialized bytes
func (m *Manifest) RawBody() ([]byte, error) {
	if !m.manifSet {
		return nil, fmt.Errorf("manifest unavailable: %w", types.ErrNotFound)
	}
	return m.rawBody, nil
}

// RawHeaders returns the response headers the manifest was pulled with
func (m *Manifest) RawHeaders() http.Header {
	return m.rawHeader
}

// MarshalJSON returns the canonical bytes, never a re-encoded form
func (m *Manifest) MarshalJSON() ([]byte, error) {
	return m.RawBody()
}
