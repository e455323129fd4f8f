// Package oplog is the change-log adapter: it turns records of a foreign
// change log (a MongoDB oplog) into canonical items, using a requester to
// materialize the pre-state of an "update-modifier" record.
package oplog

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/i5heu/perspectivedb/pkg/item"
	"github.com/i5heu/perspectivedb/pkg/perrors"
	"github.com/i5heu/perspectivedb/pkg/version"
)

// Op names the foreign change kind.
type Op string

const (
	OpInsert         Op = "insert"
	OpUpdateFullDoc  Op = "update-full-doc"
	OpUpdateModifier Op = "update-modifier"
	OpDelete         Op = "delete"
)

// ChangeEvent is one record from the foreign change log.
type ChangeEvent struct {
	Op Op
	Id []byte

	// Ts is the source oplog timestamp of the record; when set it is
	// carried through as adapter-private meta on the emitted item.
	Ts primitive.Timestamp

	// FullDoc is set for insert/update-full-doc: the complete new body.
	FullDoc item.Document

	// Modifier is set for update-modifier: a sparse set of field changes to
	// apply over the previously materialized state (itself treated
	// opaquely; callers are expected to have already resolved $set/$unset
	// style operators into a flat field map before calling Transform).
	Modifier item.Document
}

// LookupRequester materializes the pre-state of an item: it writes a
// lookup request for id onto the head-lookup channel and awaits the last
// known local item. The concrete LDJSON/BSON channel plumbing is the
// networking collaborator's concern; this interface is what Transform
// needs from it.
type LookupRequester interface {
	Lookup(id []byte) (*item.Item, error)
}

// Transform is side-effect-free on ev: it only reads through requester
// (for update-full-doc, update-modifier and delete) and returns the canonical item to be written by the
// caller into a local or remote write stream.
func Transform(ev ChangeEvent, pe string, alloc *version.Allocator, requester LookupRequester) (item.Item, error) {
	v, err := alloc.Fresh()
	if err != nil {
		return item.Item{}, fmt.Errorf("oplog: allocate version: %w", err)
	}
	meta := metaFor(ev)

	switch ev.Op {
	case OpInsert:
		return item.Item{H: item.Header{Id: ev.Id, V: v, Pe: pe}, B: ev.FullDoc, M: meta}, nil

	case OpUpdateFullDoc:
		prev, err := requester.Lookup(ev.Id)
		if err != nil {
			return item.Item{}, fmt.Errorf("oplog: lookup previous state: %w", err)
		}
		var pa []item.Version
		if prev != nil {
			pa = []item.Version{prev.H.V}
		}
		return item.Item{H: item.Header{Id: ev.Id, V: v, Pa: pa, Pe: pe}, B: ev.FullDoc, M: meta}, nil

	case OpUpdateModifier:
		prev, err := requester.Lookup(ev.Id)
		if err != nil {
			return item.Item{}, fmt.Errorf("oplog: lookup previous state: %w", err)
		}
		if prev == nil {
			return item.Item{}, fmt.Errorf("oplog: id %x: %w", ev.Id, perrors.ErrPreviousVersionNotFound)
		}
		merged := item.Document{}
		for k, val := range prev.B {
			merged[k] = val
		}
		for k, val := range ev.Modifier {
			merged[k] = val
		}
		return item.Item{H: item.Header{Id: ev.Id, V: v, Pa: []item.Version{prev.H.V}, Pe: pe}, B: merged, M: meta}, nil

	case OpDelete:
		prev, err := requester.Lookup(ev.Id)
		if err != nil {
			return item.Item{}, fmt.Errorf("oplog: lookup previous state: %w", err)
		}
		var pa []item.Version
		if prev != nil {
			pa = []item.Version{prev.H.V}
		}
		return item.Item{H: item.Header{Id: ev.Id, V: v, Pa: pa, Pe: pe, D: true}, M: meta}, nil

	default:
		return item.Item{}, fmt.Errorf("oplog: unknown op %q", ev.Op)
	}
}

// metaFor builds the adapter-private meta document for ev: the source
// oplog timestamp, when the record carries one.
func metaFor(ev ChangeEvent) item.Document {
	if ev.Ts.T == 0 && ev.Ts.I == 0 {
		return nil
	}
	return item.Document{"ts": ev.Ts}
}
