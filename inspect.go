package tarpush

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tarpush/tarpush/types"
	"github.com/tarpush/tarpush/types/ref"
)

// ImageInfo describes an image stored on the registry
type ImageInfo struct {
	Ref          ref.Ref
	Digest       digest.Digest
	Architecture string
	OS           string
	Created      string
	Size         int64
	Config       ociv1.Image
	Layers       []types.Descriptor
}

// ImageInspect fetches the manifest and config blob for a reference and
// summarizes the image: platform, creation time, and total size of the
// config plus all layers.
func (c *Client) ImageInspect(ctx context.Context, r ref.Ref) (*ImageInfo, error) {
	m, err := c.reg.ManifestGet(ctx, r)
	if err != nil {
		return nil, err
	}
	confDesc := m.GetConfig()
	rdr, err := c.reg.BlobGet(ctx, r.Repository, confDesc.Digest)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	confRaw, err := io.ReadAll(rdr)
	if err != nil {
		return nil, fmt.Errorf("failed reading config for %s: %w", r.CommonName(), err)
	}
	var conf ociv1.Image
	if err := json.Unmarshal(confRaw, &conf); err != nil {
		return nil, fmt.Errorf("failed to parse config for %s: %v: %w", r.CommonName(), err, types.ErrParsingFailed)
	}

	info := ImageInfo{
		Ref:          r,
		Digest:       m.GetDigest(),
		Architecture: conf.Architecture,
		OS:           conf.OS,
		Config:       conf,
		Layers:       m.GetLayers(),
		Size:         confDesc.Size,
	}
	if conf.Created != nil {
		info.Created = conf.Created.String()
	}
	for _, l := range info.Layers {
		info.Size += l.Size
	}
	return &info, nil
}
