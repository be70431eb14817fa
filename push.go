package tarpush

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tarpush/tarpush/tarfile"
	"github.com/tarpush/tarpush/types"
	"github.com/tarpush/tarpush/types/manifest"
	"github.com/tarpush/tarpush/types/ref"
)

// TagResult is the outcome of one manifest put in a multi-tag push
type TagResult struct {
	Ref    ref.Ref
	Digest digest.Digest
	Err    error
}

// ImagePush uploads a decoded bundle under one reference and returns the
// manifest digest. Blob uploads fan out under the configured concurrency
// bound; a blob already present on the registry is skipped, so repeating a
// push re-uploads nothing. The manifest is only put after every blob landed.
func (c *Client) ImagePush(ctx context.Context, bundle *tarfile.Bundle, r ref.Ref) (digest.Digest, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	if err := c.Ping(ctx); err != nil {
		return "", err
	}
	m, err := c.pushBlobs(ctx, bundle, r.Repository)
	if err != nil {
		return "", err
	}
	return c.reg.ManifestPut(ctx, r, m)
}

// ImagePushFirstTag pushes under the first original tag stored in the tar,
// with the tag defaulting to "latest" when the RepoTags entry carries none.
func (c *Client) ImagePushFirstTag(ctx context.Context, bundle *tarfile.Bundle) (digest.Digest, error) {
	if len(bundle.OriginalTags) == 0 {
		return "", fmt.Errorf("bundle carries no RepoTags: %w", types.ErrNoOriginalTag)
	}
	r, err := ref.ParseRepoTag(bundle.OriginalTags[0])
	if err != nil {
		return "", err
	}
	return c.ImagePush(ctx, bundle, r)
}

// ImagePushAllTags pushes blobs once and puts the manifest under every
// original tag in the tar. Results are returned per tag; when some tags fail
// the error aggregates the per-tag failures and the successes remain valid.
func (c *Client) ImagePushAllTags(ctx context.Context, bundle *tarfile.Bundle) ([]TagResult, error) {
	if len(bundle.OriginalTags) == 0 {
		return nil, fmt.Errorf("bundle carries no RepoTags: %w", types.ErrNoOriginalTag)
	}
	refs := make([]ref.Ref, 0, len(bundle.OriginalTags))
	for _, rt := range bundle.OriginalTags {
		r, err := ref.ParseRepoTag(rt)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}

	// blobs are shared between tags and only transfer once
	m, err := c.pushBlobs(ctx, bundle, refs[0].Repository)
	if err != nil {
		return nil, err
	}

	results := make([]TagResult, len(refs))
	var errs *multierror.Error
	for i, r := range refs {
		d, err := c.reg.ManifestPut(ctx, r, m)
		results[i] = TagResult{Ref: r, Digest: d, Err: err}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("tag %s: %w", r.CommonName(), err))
		}
	}
	return results, errs.ErrorOrNil()
}

// pushBlobs uploads every unique blob of the bundle and assembles the
// manifest in the original layer order.
func (c *Client) pushBlobs(ctx context.Context, bundle *tarfile.Bundle, repository string) (*manifest.Manifest, error) {
	blobs := bundle.Blobs()
	c.log.WithFields(logrus.Fields{
		"repo":  repository,
		"blobs": len(blobs),
	}).Debug("Uploading blobs")

	sem := semaphore.NewWeighted(int64(c.host.BlobConcurrency))
	eg, egCtx := errgroup.WithContext(ctx)
	for _, b := range blobs {
		b := b
		eg.Go(func() error {
			if err := sem.Acquire(egCtx, 1); err != nil {
				return fmt.Errorf("blob %s: %w", b.Digest, types.ErrCanceled)
			}
			defer sem.Release(1)
			src, ok := bundle.Opener(b.Digest)
			if !ok {
				return fmt.Errorf("blob %s not present in bundle: %w", b.Digest, types.ErrInvalidImageTar)
			}
			return c.reg.BlobPut(egCtx, repository, b.Digest, b.Size, src)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	layers := make([]types.Descriptor, 0, len(bundle.Layers))
	for _, l := range bundle.Layers {
		layers = append(layers, l.Descriptor)
	}
	return manifest.Build(bundle.Config, layers)
}
