// Package merge implements the three-way merge engine: lowest common
// ancestor discovery across the per-perspective and local trees under a
// remoteToLocal equivalence, fast-forward detection, and per-field
// last-writer-wins body merge.
package merge

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/i5heu/perspectivedb/pkg/item"
)

// MetaStore is the subset of internal/tree.Tree used to persist the
// remoteToLocal equivalence durably.
type MetaStore interface {
	SetMeta(key string, value []byte) error
	GetMeta(key string) ([]byte, error)
}

// EquivCache fronts the durable meta.remoteToLocal mapping with a bounded
// in-memory LRU. The mapping records, per perspective, which local version
// an adopted or merged remote version corresponds to; the LCA walk reads
// it once per remote ancestor.
type EquivCache struct {
	local *lru.Cache[string, item.Version]
	meta  MetaStore
}

// NewEquivCache builds a cache of the given capacity backed by meta.
func NewEquivCache(meta MetaStore, capacity int) (*EquivCache, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	c, err := lru.New[string, item.Version](capacity)
	if err != nil {
		return nil, err
	}
	return &EquivCache{local: c, meta: meta}, nil
}

func equivKey(pe string, remote item.Version) string {
	return "r2l:" + pe + ":" + remote.Key()
}

// Record stores that remote version remoteV (from perspective pe) was
// adopted into the local tree as localV, in its own batch. Callers that
// must land the row atomically with the local item itself use Row and
// NoteCommitted instead.
func (e *EquivCache) Record(pe string, remoteV, localV item.Version) error {
	k := equivKey(pe, remoteV)
	e.local.Add(k, localV)
	return e.meta.SetMeta(k, localV)
}

// Row returns the durable meta row recording that remoteV (from pe)
// became localV, for callers that commit it in the same batch as the
// local item. NoteCommitted must follow once that batch has applied.
func (e *EquivCache) Row(pe string, remoteV, localV item.Version) (key string, value []byte) {
	return equivKey(pe, remoteV), localV
}

// NoteCommitted updates the in-memory cache after a Row handed out by Row
// has been durably committed by the caller.
func (e *EquivCache) NoteCommitted(pe string, remoteV, localV item.Version) {
	e.local.Add(equivKey(pe, remoteV), localV)
}

// Lookup returns the local version equivalent to remoteV from pe, if any
// has been recorded.
func (e *EquivCache) Lookup(pe string, remoteV item.Version) (item.Version, bool) {
	k := equivKey(pe, remoteV)
	if v, ok := e.local.Get(k); ok {
		return v, true
	}
	raw, err := e.meta.GetMeta(k)
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	v := item.Version(raw)
	e.local.Add(k, v)
	return v, true
}
