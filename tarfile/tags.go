package tarfile

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tarpush/tarpush/types"
)

const repositoriesFile = "repositories"

// ExtractTags returns the original repository tags stored in a docker-save
// tar. RepoTags from manifest.json are preferred; the legacy repositories
// file is the fallback for archives written without RepoTags.
func (f *File) ExtractTags() ([]string, error) {
	entries, err := f.manifestEntries()
	if err != nil {
		return nil, err
	}
	tags := collectRepoTags(entries)
	if len(tags) > 0 {
		return tags, nil
	}
	tags, err = f.repositoriesTags()
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	return tags, nil
}

// repositoriesTags reads the legacy repositories file, format
// {"repo/name": {"tag": "layer_id"}}
func (f *File) repositoriesTags() ([]string, error) {
	raw, err := readEntry(f.path, repositoriesFile)
	if err != nil {
		return nil, err
	}
	var repos map[string]map[string]string
	if err := json.Unmarshal(raw, &repos); err != nil {
		return nil, fmt.Errorf("failed to parse repositories file: %v: %w", err, types.ErrInvalidImageTar)
	}
	tags := []string{}
	for repoName, tagMap := range repos {
		for tagName := range tagMap {
			tags = append(tags, repoName+":"+tagName)
		}
	}
	return tags, nil
}
