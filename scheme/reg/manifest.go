package reg

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/tarpush/tarpush/internal/reghttp"
	"github.com/tarpush/tarpush/types"
	"github.com/tarpush/tarpush/types/manifest"
	"github.com/tarpush/tarpush/types/ref"
)

// ManifestGet retrieves a manifest from the registry
func (reg *Reg) ManifestGet(ctx context.Context, r ref.Ref) (*manifest.Manifest, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	headers := http.Header{
		"Accept": []string{types.MediaTypeDocker2Manifest},
	}
	req := &reghttp.Req{
		Method:     "GET",
		Repository: r.Repository,
		Path:       "manifests/" + r.TagOrDigest(),
		Headers:    headers,
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest %s: %w", r.CommonName(), err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get manifest %s: %w", r.CommonName(), reghttp.StatusError(resp))
	}

	rawBody, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest for %s: %w", r.CommonName(), err)
	}

	return manifest.New(
		manifest.WithRaw(rawBody),
		manifest.WithHeader(resp.HTTPResponse().Header),
	)
}

// ManifestPut uploads a manifest, returning the digest the tag now points at.
// When the registry echoes a Docker-Content-Digest it must match the digest
// computed over the body; registries that omit the header fall back to the
// computed digest.
func (reg *Reg) ManifestPut(ctx context.Context, r ref.Ref, m *manifest.Manifest) (digest.Digest, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	mj, err := m.RawBody()
	if err != nil {
		return "", fmt.Errorf("error marshalling manifest for %s: %w", r.CommonName(), err)
	}

	headers := http.Header{
		"Content-Type": []string{m.GetMediaType()},
	}
	req := &reghttp.Req{
		Method:     "PUT",
		Repository: r.Repository,
		Path:       "manifests/" + r.TagOrDigest(),
		Headers:    headers,
		BodyBytes:  mj,
		BodyLen:    int64(len(mj)),
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to put manifest %s: %w", r.CommonName(), err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusCreated {
		return "", fmt.Errorf("failed to put manifest %s: %w", r.CommonName(), reghttp.StatusError(resp))
	}

	respDigest := resp.HTTPResponse().Header.Get("Docker-Content-Digest")
	if respDigest == "" {
		reg.log.WithFields(logrus.Fields{
			"ref":    r.CommonName(),
			"digest": "computed",
		}).Debug("Registry did not echo a manifest digest")
		return m.GetDigest(), nil
	}
	if respDigest != m.GetDigest().String() {
		return "", fmt.Errorf("manifest put %s: registry digest %s, computed %s: %w",
			r.CommonName(), respDigest, m.GetDigest(), types.ErrDigestMismatch)
	}
	return m.GetDigest(), nil
}

// ManifestDelete removes a manifest by digest from a registry.
// This will implicitly delete all tags pointing to that manifest.
func (reg *Reg) ManifestDelete(ctx context.Context, r ref.Ref) error {
	if r.Digest == "" {
		return fmt.Errorf("digest required to delete manifest, reference %s: %w", r.CommonName(), types.ErrMissingDigest)
	}
	req := &reghttp.Req{
		Method:     "DELETE",
		Repository: r.Repository,
		Path:       "manifests/" + r.Digest,
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to delete manifest %s: %w", r.CommonName(), err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusAccepted {
		return fmt.Errorf("failed to delete manifest %s: %w", r.CommonName(), reghttp.StatusError(resp))
	}
	return nil
}
