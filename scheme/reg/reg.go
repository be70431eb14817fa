// Package reg implements the v2 registry protocol against a single endpoint
package reg

import (
	"context"
	"io"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/tarpush/tarpush/config"
	"github.com/tarpush/tarpush/internal/reghttp"
)

// Reg drives the distribution API for one registry host
type Reg struct {
	reghttp       *reghttp.Client
	host          *config.Host
	blobChunkSize int64
	blobMaxPut    int64
	useragent     string
	log           *logrus.Logger
}

// Opts provides options to access registries
type Opts func(*Reg)

// New returns a Reg for a host configuration
func New(opts ...Opts) (*Reg, error) {
	r := Reg{
		host:          config.HostNew(),
		blobChunkSize: config.DefaultBlobChunk,
		blobMaxPut:    config.DefaultBlobMax,
		useragent:     "tarpush/tarpush",
		log:           &logrus.Logger{Out: io.Discard},
	}
	for _, opt := range opts {
		opt(&r)
	}
	rhc, err := reghttp.NewClient(
		reghttp.WithBaseURL(r.host.BaseURL),
		reghttp.WithReqTimeout(r.host.ReqTimeout.Duration()),
		reghttp.WithRetryLimit(r.host.RetryLimit),
		reghttp.WithDelay(r.host.RetryDelay.Duration(), 0),
		reghttp.WithLog(r.log),
		reghttp.WithUserAgent(r.useragent),
	)
	if err != nil {
		return nil, err
	}
	r.reghttp = rhc
	return &r, nil
}

// WithConfigHost sets the host configuration
func WithConfigHost(host *config.Host) Opts {
	return func(r *Reg) {
		host.Normalize()
		r.host = host
		r.blobChunkSize = host.BlobChunk
		r.blobMaxPut = host.BlobMax
	}
}

// WithLog injects a logrus Logger
func WithLog(log *logrus.Logger) Opts {
	return func(r *Reg) {
		r.log = log
	}
}

// WithUserAgent sets the user agent header on requests
func WithUserAgent(ua string) Opts {
	return func(r *Reg) {
		if ua != "" {
			r.useragent = ua
		}
	}
}

// WithBlobSize overrides default blob sizes
func WithBlobSize(chunk, max int64) Opts {
	return func(r *Reg) {
		if chunk >= config.MinBlobChunk {
			r.blobChunkSize = chunk
		}
		if max > 0 {
			r.blobMaxPut = max
		}
	}
}

// Host returns the host configuration
func (reg *Reg) Host() *config.Host {
	return reg.host
}

// resolveLink resolves a pagination Link target against the registry root
func (reg *Reg) resolveLink(link string) (*url.URL, error) {
	next, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	if next.IsAbs() {
		return next, nil
	}
	base, err := url.Parse(reg.host.BaseURL)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(next), nil
}

// Close releases the connection pool
func (reg *Reg) Close(ctx context.Context) error {
	reg.reghttp.Close()
	return nil
}
