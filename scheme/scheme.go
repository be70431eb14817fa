// Package scheme defines the listing options shared by API implementations
package scheme

// TagConfig is configuration for a tag listing
type TagConfig struct {
	Limit int
	Last  string
}

// TagOpts is used to set tag listing options
type TagOpts func(*TagConfig)

// WithTagLimit requests a single page of at most limit tags
func WithTagLimit(limit int) TagOpts {
	return func(config *TagConfig) {
		config.Limit = limit
	}
}

// WithTagLast passes the last received tag for pagination
func WithTagLast(last string) TagOpts {
	return func(config *TagConfig) {
		config.Last = last
	}
}

// RepoConfig is configuration for a catalog listing
type RepoConfig struct {
	Limit int
	Last  string
}

// RepoOpts is used to set catalog listing options
type RepoOpts func(*RepoConfig)

// WithRepoLimit requests a single page of at most limit repositories
func WithRepoLimit(limit int) RepoOpts {
	return func(config *RepoConfig) {
		config.Limit = limit
	}
}

// WithRepoLast passes the last received repository for pagination
func WithRepoLast(last string) RepoOpts {
	return func(config *RepoConfig) {
		config.Last = last
	}
}
