package reg

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tarpush/tarpush/internal/reghttp"
	"github.com/tarpush/tarpush/scheme"
	"github.com/tarpush/tarpush/types"
	"github.com/tarpush/tarpush/types/ref"
	"github.com/tarpush/tarpush/types/tag"
)

// TagList returns the listing of tags from a repository, following Link
// headers across pages when the registry paginates.
func (reg *Reg) TagList(ctx context.Context, repository string, opts ...scheme.TagOpts) (*tag.List, error) {
	var config scheme.TagConfig
	for _, opt := range opts {
		opt(&config)
	}

	query := url.Values{}
	if config.Last != "" {
		query.Set("last", config.Last)
	}
	if config.Limit > 0 {
		query.Set("n", strconv.Itoa(config.Limit))
	}

	tl, err := reg.tagPage(ctx, repository, &reghttp.Req{
		Method:     "GET",
		Repository: repository,
		Path:       "tags/list",
		Query:      query,
	})
	if err != nil {
		return nil, err
	}
	// a limited listing is a single page
	if config.Limit > 0 {
		return tl, nil
	}
	allTags := tl.Tags
	for link := tl.Link(); link != ""; link = tl.Link() {
		next, err := reg.resolveLink(link)
		if err != nil {
			return nil, fmt.Errorf("failed to parse link header for %s: %w", repository, err)
		}
		tl, err = reg.tagPage(ctx, repository, &reghttp.Req{
			Method:    "GET",
			DirectURL: next,
		})
		if err != nil {
			return nil, err
		}
		allTags = append(allTags, tl.Tags...)
	}
	tl.Tags = allTags
	return tl, nil
}

func (reg *Reg) tagPage(ctx context.Context, repository string, req *reghttp.Req) (*tag.List, error) {
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags for %s: %w", repository, err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list tags for %s: %w", repository, reghttp.StatusError(resp))
	}
	respBody, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read tags for %s: %w", repository, err)
	}
	return tag.New(
		tag.WithRaw(respBody),
		tag.WithHeaders(resp.HTTPResponse().Header),
	)
}

// TagDelete removes a tag by resolving its digest and deleting the manifest.
// Other tags pointing at the same manifest are removed with it.
func (reg *Reg) TagDelete(ctx context.Context, r ref.Ref) error {
	if r.Tag == "" && r.Digest == "" {
		return fmt.Errorf("tag required to delete %s: %w", r.CommonName(), types.ErrMissingTag)
	}
	if r.Digest == "" {
		m, err := reg.ManifestGet(ctx, r)
		if err != nil {
			return err
		}
		r.Digest = m.GetDigest().String()
		r.Tag = ""
	}
	return reg.ManifestDelete(ctx, r)
}
