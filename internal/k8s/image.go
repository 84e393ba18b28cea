package k8s

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// ResolveImageDigest pins a tag reference to its immutable digest so every
// sandbox in the pool runs the exact same image, even if the tag moves.
// References that already carry a digest are returned unchanged.
func ResolveImageDigest(image string) (string, error) {
	if strings.Contains(image, "@sha256:") {
		return image, nil
	}

	ref, err := name.ParseReference(image)
	if err != nil {
		return "", fmt.Errorf("failed to parse image reference %q: %w", image, err)
	}

	desc, err := remote.Head(ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve digest for %q: %w", image, err)
	}

	return fmt.Sprintf("%s@%s", ref.Context().Name(), desc.Digest.String()), nil
}
