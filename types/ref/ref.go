// Package ref parses and validates registry repository and tag references.
package ref

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/docker/distribution/reference"

	"github.com/tarpush/tarpush/types"
)

var tagRE = regexp.MustCompile(`^[\w][\w.-]{0,127}$`)

// Ref addresses a manifest in a repository by tag or digest.
type Ref struct {
	Repository string
	Tag        string
	Digest     string
}

// New builds a validated reference from a repository and a tag or digest.
func New(repository, tagOrDigest string) (Ref, error) {
	r := Ref{Repository: repository}
	if strings.Contains(tagOrDigest, ":") {
		r.Digest = tagOrDigest
	} else {
		r.Tag = tagOrDigest
	}
	if err := r.Validate(); err != nil {
		return Ref{}, err
	}
	return r, nil
}

// ParseRepoTag splits a "repo:tag" string on the last colon, matching the
// format of RepoTags entries in a docker-save tar. The tag defaults to
// "latest" when absent. A colon inside a port ("localhost:5000/app") is not
// treated as a tag separator.
func ParseRepoTag(repoTag string) (Ref, error) {
	repo := repoTag
	tag := "latest"
	if i := strings.LastIndex(repoTag, ":"); i >= 0 && !strings.Contains(repoTag[i:], "/") {
		repo = repoTag[:i]
		if i+1 < len(repoTag) {
			tag = repoTag[i+1:]
		}
	}
	return New(repo, tag)
}

// Validate checks the repository against distribution naming rules and the
// tag against the v2 tag grammar. This runs before any HTTP request.
func (r Ref) Validate() error {
	if r.Repository == "" {
		return fmt.Errorf("repository is empty: %w", types.ErrInvalidReference)
	}
	if _, err := reference.ParseNormalizedNamed(r.Repository); err != nil {
		return fmt.Errorf("invalid repository %q: %v: %w", r.Repository, err, types.ErrInvalidReference)
	}
	if r.Tag == "" && r.Digest == "" {
		return fmt.Errorf("reference %q missing tag and digest: %w", r.Repository, types.ErrInvalidReference)
	}
	if r.Tag != "" && !tagRE.MatchString(r.Tag) {
		return fmt.Errorf("invalid tag %q: %w", r.Tag, types.ErrInvalidReference)
	}
	if r.Digest != "" {
		if !strings.HasPrefix(r.Digest, "sha256:") && !strings.HasPrefix(r.Digest, "sha512:") {
			return fmt.Errorf("invalid digest %q: %w", r.Digest, types.ErrInvalidReference)
		}
	}
	return nil
}

// TagOrDigest returns the reference portion of the manifest URL, preferring
// the digest when both are set.
func (r Ref) TagOrDigest() string {
	if r.Digest != "" {
		return r.Digest
	}
	return r.Tag
}

// CommonName outputs a parsable name from a reference
func (r Ref) CommonName() string {
	if r.Repository == "" {
		return ""
	}
	if r.Digest != "" {
		return r.Repository + "@" + r.Digest
	}
	if r.Tag != "" {
		return r.Repository + ":" + r.Tag
	}
	return r.Repository
}
