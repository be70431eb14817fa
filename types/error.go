package types

import "errors"

var (
	// ErrBackoffLimit maximum backoff attempts reached
	ErrBackoffLimit = errors.New("backoff limit reached")
	// ErrCanceled if the context was canceled
	ErrCanceled = errors.New("context was canceled")
	// ErrDeleteDisabled when the registry is built without delete support
	ErrDeleteDisabled = errors.New("deletion disabled on registry")
	// ErrDigestMismatch if the expected digest wasn't received
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrHTTPStatus if the http status code was unexpected
	ErrHTTPStatus = errors.New("unexpected http status code")
	// ErrInvalidImageTar for structural defects in a docker-save tar
	ErrInvalidImageTar = errors.New("invalid image tar")
	// ErrInvalidReference for repository names or tags that fail validation
	ErrInvalidReference = errors.New("invalid reference")
	// ErrMissingDigest returned when image reference does not include a digest
	ErrMissingDigest = errors.New("digest missing from image reference")
	// ErrMissingLocation returned when the location header is missing
	ErrMissingLocation = errors.New("location header missing")
	// ErrMissingTag returned when image reference does not include a tag
	ErrMissingTag = errors.New("tag missing from image reference")
	// ErrNoOriginalTag when a tar carries no RepoTags to push under
	ErrNoOriginalTag = errors.New("no original tag in image tar")
	// ErrNotFound isn't there, search for your value elsewhere
	ErrNotFound = errors.New("not found")
	// ErrParsingFailed when a string cannot be parsed
	ErrParsingFailed = errors.New("parsing failed")
	// ErrRegistryUnreachable when the registry cannot be reached or does not speak v2
	ErrRegistryUnreachable = errors.New("registry unreachable")
	// ErrTarRead for I/O failures against the tar source
	ErrTarRead = errors.New("failed reading image tar")
	// ErrTimeout when a request exceeds the configured deadline
	ErrTimeout = errors.New("request timed out")
	// ErrUploadFailed wraps a failure in one phase of a blob upload
	ErrUploadFailed = errors.New("blob upload failed")
)
