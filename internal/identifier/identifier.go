// Package identifier issues the stable, typed identifiers that travel
// between federation nodes. Identifiers are not row keys: content can be
// re-imported on another node and keep the same identifier.
package identifier

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns a random identifier of the given kind, e.g. "share-5f3a...".
func New(kind string) string {
	return fmt.Sprintf("%s-%s", kind, uuid.New().String())
}

// Kind returns the kind prefix of an identifier, or "" if it has none.
func Kind(id string) string {
	idx := strings.IndexByte(id, '-')
	if idx <= 0 {
		return ""
	}
	// the UUID part itself contains dashes, so only the first segment counts
	rest := id[idx+1:]
	if _, err := uuid.Parse(rest); err != nil {
		return ""
	}
	return id[:idx]
}

// IsKind reports whether an identifier carries the given kind prefix.
func IsKind(id, kind string) bool {
	return Kind(id) == kind
}
