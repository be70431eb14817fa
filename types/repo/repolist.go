// Package repo handles the _catalog api response.
package repo

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// List is returned from the _catalog API
type List struct {
	Repositories []string `json:"repositories"`

	rawHeader http.Header
	rawBody   []byte
}

type listConfig struct {
	raw    []byte
	header http.Header
}

type Opts func(*listConfig)

// New parses a _catalog response body
func New(opts ...Opts) (*List, error) {
	conf := listConfig{}
	for _, opt := range opts {
		opt(&conf)
	}
	l := List{
		rawHeader: conf.header,
		rawBody:   conf.raw,
	}
	if err := json.Unmarshal(conf.raw, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal repo list: %w", err)
	}
	if l.Repositories == nil {
		l.Repositories = []string{}
	}
	return &l, nil
}

// WithRaw provides the response body
func WithRaw(raw []byte) Opts {
	return func(conf *listConfig) {
		conf.raw = raw
	}
}

// WithHeaders provides the response headers
func WithHeaders(header http.Header) Opts {
	return func(conf *listConfig) {
		conf.header = header
	}
}

// RawBody returns the unparsed response body
func (l *List) RawBody() []byte {
	return l.rawBody
}

// Link returns the URL of the next page from an RFC5988 Link header, or an
// empty string when the listing is complete.
func (l *List) Link() string {
	if l.rawHeader == nil {
		return ""
	}
	for _, lh := range l.rawHeader.Values("Link") {
		for _, entry := range strings.Split(lh, ",") {
			parts := strings.Split(entry, ";")
			if len(parts) < 2 {
				continue
			}
			urlPart := strings.Trim(strings.TrimSpace(parts[0]), "<>")
			for _, param := range parts[1:] {
				if strings.EqualFold(strings.TrimSpace(param), `rel="next"`) {
					return urlPart
				}
			}
		}
	}
	return ""
}
