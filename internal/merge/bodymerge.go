package merge

import (
	"reflect"

	"github.com/i5heu/perspectivedb/pkg/item"
)

// fieldMerge computes the per-top-level-field three-way merge of l and r
// relative to their common ancestor lca. Nested maps/slices are treated as
// opaque values compared with reflect.DeepEqual, never deep-merged.
func fieldMerge(lca, l, r item.Document) (merged item.Document, conflictField string, isConflict bool) {
	merged = item.Document{}
	keys := map[string]struct{}{}
	for k := range lca {
		keys[k] = struct{}{}
	}
	for k := range l {
		keys[k] = struct{}{}
	}
	for k := range r {
		keys[k] = struct{}{}
	}

	for k := range keys {
		baseVal, baseOk := lca[k]
		lVal, lOk := l[k]
		rVal, rOk := r[k]

		changedL := !equalField(baseVal, baseOk, lVal, lOk)
		changedR := !equalField(baseVal, baseOk, rVal, rOk)

		switch {
		case !changedL && !changedR:
			if baseOk {
				merged[k] = baseVal
			}
		case changedL && !changedR:
			if lOk {
				merged[k] = lVal
			}
		case !changedL && changedR:
			if rOk {
				merged[k] = rVal
			}
		default: // changed on both sides
			if !lOk && !rOk {
				// deleted on both sides
				continue
			}
			if lOk && rOk && reflect.DeepEqual(lVal, rVal) {
				merged[k] = lVal
				continue
			}
			return nil, k, true
		}
	}
	return merged, "", false
}

func equalField(baseVal interface{}, baseOk bool, val interface{}, ok bool) bool {
	if baseOk != ok {
		return false
	}
	if !ok {
		return true
	}
	return reflect.DeepEqual(baseVal, val)
}

// tombstoneMerge resolves item-level deletion against the field merge:
// delete vs delete deletes, delete vs modify conflicts. A tombstone is
// folded in only when the non-deleted side's body is unchanged from the
// LCA, the item-level counterpart of a field deleted on one side and
// untouched on the other.
func tombstoneMerge(lca, l, r item.Document, lDeleted, rDeleted bool) (deleted bool, conflict bool) {
	if lDeleted && rDeleted {
		return true, false
	}
	if lDeleted && !rDeleted {
		if reflect.DeepEqual(lca, r) {
			return true, false
		}
		return false, true
	}
	if !lDeleted && rDeleted {
		if reflect.DeepEqual(lca, l) {
			return true, false
		}
		return false, true
	}
	return false, false
}
