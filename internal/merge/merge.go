package merge

import (
	"errors"
	"fmt"

	"github.com/i5heu/perspectivedb/pkg/item"
	"github.com/i5heu/perspectivedb/pkg/perrors"
)

// maxAncestorWalk bounds the ancestor BFS so a corrupt parent cycle (which
// should never occur given the append-only write discipline) cannot spin
// forever.
const maxAncestorWalk = 1 << 20

// AncestorSource is the read surface the merge engine needs from a tree,
// satisfied by *internal/tree.Tree without an import cycle.
type AncestorSource interface {
	GetByVersion(v item.Version) (item.Item, error)
}

// Outcome classifies the result of Compute.
type Outcome int

const (
	// FastForward means the remote head is a descendant of the local head
	// (or there is no local head at all) and can be adopted as-is.
	FastForward Outcome = iota
	// ThreeWay means a common ancestor was found and a field-level merge
	// was computed.
	ThreeWay
	// RootConflict means no common ancestor exists between two non-empty
	// histories for this id.
	RootConflict
	// FieldConflict means the three-way body/tombstone merge could not be
	// resolved automatically.
	FieldConflict
)

// Result is what Compute hands back to pkg/mergetree to turn into either a
// local write or a conflict-store record.
type Result struct {
	Outcome       Outcome
	Merged        item.Document // valid for FastForward (= remote body) and ThreeWay
	Deleted       bool
	ConflictField string // valid for FieldConflict
	LCA           *item.Item
}

// Compute finds the LCA of local and remote (mapped through the pe
// equivalence), then classifies: fast-forward, field-merge, or conflict.
//
// local is nil when there is no local head for this id yet; a remote item
// with no local counterpart is always adopted, regardless of its own
// ancestry.
func Compute(localSrc, remoteSrc AncestorSource, equiv *EquivCache, pe string, local, remote *item.Item) (Result, error) {
	if local == nil {
		return Result{Outcome: FastForward, Merged: remote.B, Deleted: remote.H.D}, nil
	}

	localAncestors, err := collectAncestors(localSrc, local.H.V)
	if err != nil {
		return Result{}, fmt.Errorf("merge: collect local ancestors: %w", err)
	}

	remoteAncestors, err := collectAncestorVersions(remoteSrc, remote.H.V)
	if err != nil {
		return Result{}, fmt.Errorf("merge: collect remote ancestors: %w", err)
	}

	lca, err := findLCA(localSrc, localAncestors, remoteAncestors, equiv, pe)
	if err != nil {
		return Result{}, err
	}

	if lca == nil {
		return Result{Outcome: RootConflict}, nil
	}

	if lca.H.V.Equal(local.H.V) {
		return Result{Outcome: FastForward, Merged: remote.B, Deleted: remote.H.D, LCA: lca}, nil
	}

	merged, field, conflict := fieldMerge(lca.B, local.B, remote.B)
	if conflict {
		return Result{Outcome: FieldConflict, ConflictField: field, LCA: lca}, nil
	}
	deleted, tombConflict := tombstoneMerge(lca.B, local.B, remote.B, local.H.D, remote.H.D)
	if tombConflict {
		return Result{Outcome: FieldConflict, ConflictField: "<tombstone>", LCA: lca}, nil
	}
	if deleted {
		// tombstones carry no body
		merged = nil
	}
	return Result{Outcome: ThreeWay, Merged: merged, Deleted: deleted, LCA: lca}, nil
}

// collectAncestors walks local's parent chain, returning a map of version
// key -> item for every ancestor including local itself.
func collectAncestors(src AncestorSource, start item.Version) (map[string]item.Item, error) {
	seen := make(map[string]item.Item)
	queue := []item.Version{start}
	for len(queue) > 0 && len(seen) < maxAncestorWalk {
		v := queue[0]
		queue = queue[1:]
		if _, ok := seen[v.Key()]; ok {
			continue
		}
		it, err := src.GetByVersion(v)
		if err != nil {
			if errors.Is(err, perrors.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", perrors.ErrMissingParent, v)
			}
			return nil, fmt.Errorf("merge: read ancestor %s: %w", v, err)
		}
		seen[v.Key()] = it
		queue = append(queue, it.H.Pa...)
	}
	return seen, nil
}

// collectAncestorVersions walks remote's parent chain, returning the items
// reachable from start (including start) in BFS order, without needing to
// read local's store.
func collectAncestorVersions(src AncestorSource, start item.Version) ([]item.Item, error) {
	var order []item.Item
	seen := make(map[string]struct{})
	queue := []item.Version{start}
	for len(queue) > 0 && len(order) < maxAncestorWalk {
		v := queue[0]
		queue = queue[1:]
		if _, ok := seen[v.Key()]; ok {
			continue
		}
		it, err := src.GetByVersion(v)
		if err != nil {
			if errors.Is(err, perrors.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", perrors.ErrMissingParent, v)
			}
			return nil, fmt.Errorf("merge: read ancestor %s: %w", v, err)
		}
		seen[v.Key()] = struct{}{}
		order = append(order, it)
		queue = append(queue, it.H.Pa...)
	}
	return order, nil
}

// findLCA maps each remote ancestor (nearest-first, since
// collectAncestorVersions is a BFS) through the pe equivalence table and
// picks the match with the largest local insertion sequence, the nearest
// common ancestor on the local side.
func findLCA(localSrc AncestorSource, localAncestors map[string]item.Item, remoteAncestors []item.Item, equiv *EquivCache, pe string) (*item.Item, error) {
	var best *item.Item
	for _, r := range remoteAncestors {
		localV, ok := equiv.Lookup(pe, r.H.V)
		if !ok {
			continue
		}
		candidate, ok := localAncestors[localV.Key()]
		if !ok {
			continue
		}
		if best == nil || candidate.H.I > best.H.I {
			c := candidate
			best = &c
		}
	}
	return best, nil
}
