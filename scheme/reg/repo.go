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
	"github.com/tarpush/tarpush/types/repo"
)

// RepoList returns the catalog of repositories on the registry
func (reg *Reg) RepoList(ctx context.Context, opts ...scheme.RepoOpts) (*repo.List, error) {
	var config scheme.RepoConfig
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

	rl, err := reg.repoPage(ctx, &reghttp.Req{
		Method: "GET",
		Path:   "_catalog",
		Query:  query,
	})
	if err != nil {
		return nil, err
	}
	if config.Limit > 0 {
		return rl, nil
	}
	allRepos := rl.Repositories
	for link := rl.Link(); link != ""; link = rl.Link() {
		next, err := reg.resolveLink(link)
		if err != nil {
			return nil, fmt.Errorf("failed to parse link header for catalog: %w", err)
		}
		rl, err = reg.repoPage(ctx, &reghttp.Req{
			Method:    "GET",
			DirectURL: next,
		})
		if err != nil {
			return nil, err
		}
		allRepos = append(allRepos, rl.Repositories...)
	}
	rl.Repositories = allRepos
	return rl, nil
}

func (reg *Reg) repoPage(ctx context.Context, req *reghttp.Req) (*repo.List, error) {
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list repositories: %w", reghttp.StatusError(resp))
	}
	respBody, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository list: %w", err)
	}
	return repo.New(
		repo.WithRaw(respBody),
		repo.WithHeaders(resp.HTTPResponse().Header),
	)
}
