// Package version allocates fresh random version identifiers.
package version

import (
	"crypto/rand"
	"fmt"

	"github.com/i5heu/perspectivedb/pkg/item"
)

// Allocator hands out version identifiers of a fixed size for one store,
// configured per-db via mergeTree.vSize.
type Allocator struct {
	size int
}

// New returns an Allocator producing versions of size bytes. size <= 0
// falls back to item.DefaultVersionSize.
func New(size int) *Allocator {
	if size <= 0 {
		size = item.DefaultVersionSize
	}
	return &Allocator{size: size}
}

// Size returns the configured version size in bytes.
func (a *Allocator) Size() int { return a.size }

// Fresh generates a new random version identifier. Collisions within a
// tree are caught by the Tree's duplicate-version check on write, not
// here.
func (a *Allocator) Fresh() (item.Version, error) {
	buf := make([]byte, a.size)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("allocate version: %w", err)
	}
	return item.Version(buf), nil
}
