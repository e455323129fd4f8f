package tree

import (
	"encoding/binary"

	"github.com/i5heu/perspectivedb/pkg/item"
)

// Key layout: every key starts with a length-prefixed tree name so two
// tree names can never be byte-prefixes of one another,
// followed by a one-byte index marker, followed by index-specific content.
// byId and heads keys end in a fixed-width trailing field (an 8-byte
// insertion sequence or a vSize-byte version) so a raw id can be used as
// the scan prefix and still unambiguously recovered by trimming that
// trailing field off a matched key. This is what lets getHeads's
// `prefix` option do a genuine byte-prefix match over ids while an exact
// `id` lookup can still filter out any longer id that happens to share
// the same leading bytes.
const (
	markerVersion byte = 'v'
	markerById    byte = 'd'
	markerByI     byte = 'i'
	markerHeads   byte = 'h'
	markerMeta    byte = 'm'
)

func treeFrame(tree string) []byte {
	b := []byte(tree)
	out := make([]byte, 1+len(b))
	out[0] = byte(len(b))
	copy(out[1:], b)
	return out
}

func u64be(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func keyByVersion(tree string, v item.Version) []byte {
	return concat(treeFrame(tree), []byte{markerVersion}, v)
}

func keyById(tree string, id []byte, i uint64) []byte {
	return concat(treeFrame(tree), []byte{markerById}, id, u64be(i))
}

func keyByIdScanPrefix(tree string, id []byte) []byte {
	return concat(treeFrame(tree), []byte{markerById}, id)
}

func keyByI(tree string, i uint64) []byte {
	return concat(treeFrame(tree), []byte{markerByI}, u64be(i))
}

func keyByIPrefix(tree string) []byte {
	return concat(treeFrame(tree), []byte{markerByI})
}

func keyHeads(tree string, id []byte, v item.Version) []byte {
	return concat(treeFrame(tree), []byte{markerHeads}, id, v)
}

func keyHeadsIdScanPrefix(tree string, id []byte) []byte {
	return concat(treeFrame(tree), []byte{markerHeads}, id)
}

func keyHeadsAllPrefix(tree string) []byte {
	return concat(treeFrame(tree), []byte{markerHeads})
}

func keyMeta(tree string, k string) []byte {
	return concat(treeFrame(tree), []byte{markerMeta}, []byte(k))
}

func keyMetaPrefix(tree string) []byte {
	return concat(treeFrame(tree), []byte{markerMeta})
}

// splitTrailing returns key with the last n bytes removed, and those last
// n bytes, for recovering the id portion of a byId/heads key after a
// prefix scan.
func splitTrailing(key []byte, n int) (head, tail []byte) {
	if len(key) < n {
		return key, nil
	}
	cut := len(key) - n
	return key[:cut], key[cut:]
}

func concat(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
