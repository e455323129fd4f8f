// Package conflictstore is a durable, append-only queue of unresolved
// merge conflicts, keyed by a monotonic integer handed out by the
// underlying store's own sequence counter.
package conflictstore

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/i5heu/perspectivedb/internal/kvstore"
	"github.com/i5heu/perspectivedb/pkg/item"
)

// Record is one stored conflict: the incoming remote item, the local head
// it collided with (if any), the partial merge attempt (if any), the LCA
// versions involved, the source perspective and the reason.
type Record struct {
	N    item.Item      `bson:"n"`
	L    *item.Item     `bson:"l,omitempty"`
	C    *item.Item     `bson:"c,omitempty"`
	LCAs []item.Version `bson:"lcas,omitempty"`
	Pe   string         `bson:"pe"`
	Err  string         `bson:"err"`
}

const keyPrefix = "conflict!"

// Store is one tree's conflict queue, namespaced within the shared
// kvstore.Store.
type Store struct {
	tree  string
	store *kvstore.Store
	seq   *badger.Sequence
}

// Open opens (or creates) the conflict queue for tree, reserving sequence
// numbers in blocks of 100.
func Open(treeName string, store *kvstore.Store) (*Store, error) {
	seq, err := store.Sequence([]byte(keyPrefix+treeName+"!seq"), 100)
	if err != nil {
		return nil, fmt.Errorf("conflictstore %s: open sequence: %w", treeName, err)
	}
	return &Store{tree: treeName, store: store, seq: seq}, nil
}

func (s *Store) key(n uint64) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(s.tree)+1+8)
	k = append(k, keyPrefix...)
	k = append(k, s.tree...)
	k = append(k, '!')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return append(k, buf[:]...)
}

func (s *Store) prefix() []byte {
	return []byte(keyPrefix + s.tree + "!")
}

// Put appends rec under a freshly allocated key, returning it.
func (s *Store) Put(rec Record) (uint64, error) {
	n, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("conflictstore %s: next: %w", s.tree, err)
	}
	raw, err := bson.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("conflictstore %s: marshal: %w", s.tree, err)
	}
	b := s.store.NewBatch()
	if err := b.Set(s.key(n), raw); err != nil {
		b.Discard()
		return 0, err
	}
	if err := b.Commit(); err != nil {
		return 0, fmt.Errorf("conflictstore %s: put: %w", s.tree, err)
	}
	return n, nil
}

// Get fetches a single conflict record by key, or perrors.ErrNotFound.
func (s *Store) Get(n uint64) (Record, error) {
	raw, err := s.store.Get(s.key(n))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := bson.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("conflictstore %s: unmarshal: %w", s.tree, err)
	}
	return rec, nil
}

// VisitFunc is called once per conflict during Visit; returning false
// aborts iteration.
type VisitFunc func(n uint64, rec Record) (bool, error)

// Visit iterates every stored conflict in key order.
func (s *Store) Visit(visit VisitFunc) error {
	prefixLen := len(s.prefix())
	return s.store.ScanPrefix(s.prefix(), false, func(key, val []byte) (bool, error) {
		if len(key) != prefixLen+8 {
			// the sequence counter's own key shares this prefix
			return true, nil
		}
		n := binary.BigEndian.Uint64(key[prefixLen:])
		var rec Record
		if err := bson.Unmarshal(val, &rec); err != nil {
			// a corrupt row should not halt the whole scan
			return true, nil
		}
		return visit(n, rec)
	})
}

// Delete removes a resolved conflict row; ResolveConflict clears it after
// recording the chosen outcome into the local tree.
func (s *Store) Delete(n uint64) error {
	b := s.store.NewBatch()
	if err := b.Delete(s.key(n)); err != nil {
		b.Discard()
		return err
	}
	return b.Commit()
}

// Close releases the sequence's reserved id block back to the store.
func (s *Store) Close() error {
	return s.seq.Release()
}
