// Package item defines the canonical record carried across perspectives:
// the Item, its Header, and the opaque Document body it wraps.
package item

import (
	"encoding/base64"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// DefaultVersionSize is the number of random bytes used to build a Version
// when a db's mergeTree.vSize is not configured. 3 bytes gives 24 bits of
// randomness, base64-encoded as 4 characters on the wire.
const DefaultVersionSize = 3

// MaxParents is the number of ordered parent entries a header may carry.
const MaxParents = 2

// Version is an opaque, randomly-chosen identifier, unique within a tree
// with overwhelming probability. It carries no causal information itself;
// causality lives in Header.Pa.
type Version []byte

// String renders the version the way it travels on the wire: base64.
func (v Version) String() string {
	if len(v) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(v)
}

// Equal reports whether two versions refer to the same identifier.
func (v Version) Equal(o Version) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if v[i] != o[i] {
			return false
		}
	}
	return true
}

// IsZero reports whether v carries no bytes at all.
func (v Version) IsZero() bool { return len(v) == 0 }

// Key returns a value usable as a map key for this version.
func (v Version) Key() string { return string(v) }

// Document is the opaque body of an item. Field-level three-way merge
// operates directly on this map; nested values (maps, slices) are treated
// as opaque and never deep-merged.
type Document = bson.M

// Header carries identity, ancestry and bookkeeping for an Item.
type Header struct {
	Id []byte    `bson:"id"`
	V  Version   `bson:"v"`
	Pa []Version `bson:"pa"`
	Pe string    `bson:"pe,omitempty"`
	I  uint64    `bson:"i"`
	D  bool      `bson:"d,omitempty"`
	C  bool      `bson:"c,omitempty"`
}

// IsRoot reports whether the header introduces a new root for its id.
func (h Header) IsRoot() bool { return len(h.Pa) == 0 }

// Item is the canonical record carried over BSON streams and stored in
// every Tree index.
type Item struct {
	H Header   `bson:"h"`
	B Document `bson:"b,omitempty"`
	M Document `bson:"m,omitempty"`
}

// Encode marshals the item to its canonical BSON wire/storage representation.
func Encode(it Item) ([]byte, error) {
	buf, err := bson.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	return buf, nil
}

// Decode unmarshals an item from its canonical BSON representation.
func Decode(raw []byte) (Item, error) {
	var it Item
	if err := bson.Unmarshal(raw, &it); err != nil {
		return Item{}, fmt.Errorf("decode item: %w", err)
	}
	return it, nil
}

// Validate checks the header shape: an id must be present, the version
// must be exactly vSize bytes once assigned, and at most MaxParents
// ancestors may be named. It does not check parent existence; that is a
// Tree-level, storage-backed invariant.
func (it Item) Validate(vSize int) error {
	if len(it.H.Id) == 0 {
		return fmt.Errorf("item header: empty id")
	}
	if len(it.H.Pa) > MaxParents {
		return fmt.Errorf("item header: %d parents exceeds maximum of %d", len(it.H.Pa), MaxParents)
	}
	if !it.H.V.IsZero() && vSize > 0 && len(it.H.V) != vSize {
		return fmt.Errorf("item header: version length %d does not match configured vSize %d", len(it.H.V), vSize)
	}
	if it.H.D && it.B != nil {
		return fmt.Errorf("item header: tombstone carries a body")
	}
	return nil
}
