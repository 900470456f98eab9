package docker

import (
	"fmt"

	"github.com/distribution/reference"
)

// Image is a built or pulled artifact, identified by name and tag.
type Image struct {
	ID   string
	Name string
	Tag  string
	Size int64
}

func (i Image) Ref() string {
	return i.Name + ":" + i.Tag
}

func (i Image) String() string {
	return i.Ref()
}

// ParseRef splits ref into its familiar name and tag, defaulting the tag to
// "latest". "docker.io/library/nginx" comes back as ("nginx", "latest").
func ParseRef(ref string) (name, tag string, err error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %w", ErrInvalidReference, ref, err)
	}

	named = reference.TagNameOnly(named)
	tagged, ok := named.(reference.Tagged)
	if !ok {
		return "", "", fmt.Errorf("%w: %q has no tag", ErrInvalidReference, ref)
	}

	return reference.FamiliarName(named), tagged.Tag(), nil
}

// LatestOf returns ref with its tag replaced by "latest".
func LatestOf(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidReference, ref, err)
	}

	latest, err := reference.WithTag(reference.TrimNamed(named), "latest")
	if err != nil {
		return "", err
	}

	return reference.FamiliarString(latest), nil
}
