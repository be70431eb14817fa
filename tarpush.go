// Package tarpush pushes docker-save tar archives into an unauthenticated
// v2 image registry and exposes the read and delete operations that share
// the same protocol engine.
package tarpush

import (
	"context"
	"io"
	"time"

	// crypto libraries included for go-digest
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/tarpush/tarpush/config"
	"github.com/tarpush/tarpush/scheme"
	"github.com/tarpush/tarpush/scheme/reg"
	"github.com/tarpush/tarpush/types/manifest"
	"github.com/tarpush/tarpush/types/ref"
	"github.com/tarpush/tarpush/types/repo"
	"github.com/tarpush/tarpush/types/tag"
)

// DefaultUserAgent sets the header on http requests
const DefaultUserAgent = "tarpush/tarpush"

// Client is a registry client for one endpoint
type Client struct {
	host *config.Host
	log  *logrus.Logger
	reg  *reg.Reg
}

// Opt functions are used to configure New
type Opt func(*Client)

// New returns a registry client
func New(opts ...Opt) (*Client, error) {
	c := Client{
		host: config.HostNew(),
		// logging is disabled by default
		log: &logrus.Logger{Out: io.Discard},
	}
	for _, opt := range opts {
		opt(&c)
	}
	c.host.Normalize()
	r, err := reg.New(
		reg.WithConfigHost(c.host),
		reg.WithLog(c.log),
		reg.WithUserAgent(DefaultUserAgent),
	)
	if err != nil {
		return nil, err
	}
	c.reg = r
	c.log.WithFields(logrus.Fields{
		"baseURL":     c.host.BaseURL,
		"blobChunk":   c.host.BlobChunk,
		"blobMax":     c.host.BlobMax,
		"concurrency": c.host.BlobConcurrency,
	}).Debug("tarpush client initialized")
	return &c, nil
}

// WithConfigHost sets the full host configuration
func WithConfigHost(host *config.Host) Opt {
	return func(c *Client) {
		if host != nil {
			c.host = host
		}
	}
}

// WithBaseURL sets the registry root, e.g. "http://localhost:5000"
func WithBaseURL(baseURL string) Opt {
	return func(c *Client) {
		c.host.BaseURL = baseURL
	}
}

// WithLog injects a logrus Logger configuration
func WithLog(log *logrus.Logger) Opt {
	return func(c *Client) {
		c.log = log
	}
}

// WithBlobSize overrides default blob chunk size and monolithic threshold
func WithBlobSize(chunk, max int64) Opt {
	return func(c *Client) {
		if chunk > 0 {
			c.host.BlobChunk = chunk
		}
		if max > 0 {
			c.host.BlobMax = max
		}
	}
}

// WithBlobConcurrency bounds concurrent blob uploads within one push
func WithBlobConcurrency(n int) Opt {
	return func(c *Client) {
		if n > 0 {
			c.host.BlobConcurrency = n
		}
	}
}

// WithRetry overrides the attempt limit and initial backoff delay
func WithRetry(limit int, delay time.Duration) Opt {
	return func(c *Client) {
		if limit > 0 {
			c.host.RetryLimit = limit
		}
		if delay > 0 {
			c.host.RetryDelay = config.Duration(delay)
		}
	}
}

// Close releases the connection pool held by the client
func (c *Client) Close(ctx context.Context) error {
	return c.reg.Close(ctx)
}

// Ping verifies the registry answers the v2 API probe
func (c *Client) Ping(ctx context.Context) error {
	return c.reg.Ping(ctx)
}

// BlobHead reports whether a blob exists in a repository
func (c *Client) BlobHead(ctx context.Context, repository string, d digest.Digest) (bool, error) {
	return c.reg.BlobHead(ctx, repository, d)
}

// BlobGet retrieves a blob, returning a reader that verifies the digest at EOF
func (c *Client) BlobGet(ctx context.Context, repository string, d digest.Digest) (io.ReadCloser, error) {
	return c.reg.BlobGet(ctx, repository, d)
}

// BlobDelete removes a blob from a repository
func (c *Client) BlobDelete(ctx context.Context, repository string, d digest.Digest) error {
	return c.reg.BlobDelete(ctx, repository, d)
}

// ManifestGet retrieves a manifest by tag or digest
func (c *Client) ManifestGet(ctx context.Context, r ref.Ref) (*manifest.Manifest, error) {
	return c.reg.ManifestGet(ctx, r)
}

// ManifestPut uploads a manifest under a tag or digest reference
func (c *Client) ManifestPut(ctx context.Context, r ref.Ref, m *manifest.Manifest) (digest.Digest, error) {
	return c.reg.ManifestPut(ctx, r, m)
}

// ManifestDelete removes a manifest by digest
func (c *Client) ManifestDelete(ctx context.Context, r ref.Ref) error {
	return c.reg.ManifestDelete(ctx, r)
}

// TagDelete removes a tag by resolving its digest and deleting the manifest
func (c *Client) TagDelete(ctx context.Context, r ref.Ref) error {
	return c.reg.TagDelete(ctx, r)
}

// TagList returns the tags in a repository
func (c *Client) TagList(ctx context.Context, repository string, opts ...scheme.TagOpts) (*tag.List, error) {
	return c.reg.TagList(ctx, repository, opts...)
}

// RepoList returns the repository catalog of the registry
func (c *Client) RepoList(ctx context.Context, opts ...scheme.RepoOpts) (*repo.List, error) {
	return c.reg.RepoList(ctx, opts...)
}
