package types

import (
	// crypto libraries included for go-digest
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Descriptor is used in manifests to refer to content by media type, size, and digest.
type Descriptor struct {
	// MediaType describes the type of the content.
	MediaType string `json:"mediaType"`

	// Size in bytes of content.
	Size int64 `json:"size"`

	// Digest uniquely identifies the content.
	Digest digest.Digest `json:"digest"`
}

// Valid checks the invariants every descriptor carries.
func (d Descriptor) Valid() error {
	if err := d.Digest.Validate(); err != nil {
		return fmt.Errorf("descriptor digest %q: %w", d.Digest, ErrParsingFailed)
	}
	if d.Size < 0 {
		return fmt.Errorf("descriptor size %d: %w", d.Size, ErrParsingFailed)
	}
	if d.MediaType == "" {
		return fmt.Errorf("descriptor media type empty: %w", ErrParsingFailed)
	}
	return nil
}

// Equal compares digest, size, and media type.
func (d Descriptor) Equal(d2 Descriptor) bool {
	return d.Digest == d2.Digest && d.Size == d2.Size && d.MediaType == d2.MediaType
}
