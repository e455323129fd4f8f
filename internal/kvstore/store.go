// Package kvstore is the ordered byte-key / byte-value store abstraction
// wrapping a single badger LSM instance: point reads, prefix scans and
// atomic batches.
package kvstore

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/perspectivedb/pkg/perrors"
)

// Config configures a Store. Only Path is required; Logger defaults to a
// fresh logrus.Logger when nil.
type Config struct {
	Path   string
	Logger *logrus.Logger
}

// Store is a single badger-backed, ordered byte-key/byte-value store
// shared by every Tree of one db (local, staging, and all perspectives),
// each scoped into its own key namespace.
type Store struct {
	log *logrus.Logger
	db  *badger.DB

	reads, writes uint64
}

// Open opens (or creates) the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("kvstore: empty path")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", cfg.Path, err)
	}

	return &Store{log: cfg.Logger, db: db}, nil
}

// Close flushes and closes the underlying store. It is the caller's
// responsibility to call this at most once; badger itself rejects a
// double Close.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.log.WithError(err).Warn("kvstore: sync before close failed")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("kvstore: close: %w", err)
	}
	return nil
}

// Get returns the value for key, or perrors.ErrNotFound. Any other badger
// failure is classified as perrors.ErrStoreIOError so owners can
// transition to their closed state.
func (s *Store) Get(key []byte) ([]byte, error) {
	atomic.AddUint64(&s.reads, 1)
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = it.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, perrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: get: %w: %v", perrors.ErrStoreIOError, err)
	}
	return value, nil
}

// Has reports whether key exists, without copying its value.
func (s *Store) Has(key []byte) (bool, error) {
	atomic.AddUint64(&s.reads, 1)
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kvstore: has: %w: %v", perrors.ErrStoreIOError, err)
	}
	return true, nil
}

// Batch accumulates writes to be committed atomically.
type Batch struct {
	store *Store
	txn   *badger.Txn
	n     int
}

// NewBatch starts a new atomic batch. The batch must be committed or
// discarded by the caller.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s, txn: s.db.NewTransaction(true)}
}

// Set stages a key/value write.
func (b *Batch) Set(key, value []byte) error {
	b.n++
	if err := b.txn.Set(key, value); err != nil {
		return fmt.Errorf("kvstore: batch set: %w", err)
	}
	return nil
}

// Delete stages a key deletion.
func (b *Batch) Delete(key []byte) error {
	b.n++
	if err := b.txn.Delete(key); err != nil {
		return fmt.Errorf("kvstore: batch delete: %w", err)
	}
	return nil
}

// Len returns the number of staged operations.
func (b *Batch) Len() int { return b.n }

// Commit atomically applies every staged write. A crash between Set calls
// and Commit is impossible to observe: badger's transaction either applies
// in full or not at all.
func (b *Batch) Commit() error {
	defer b.txn.Discard()
	atomic.AddUint64(&b.store.writes, uint64(b.n))
	if err := b.txn.Commit(); err != nil {
		return fmt.Errorf("kvstore: commit: %w: %v", perrors.ErrStoreIOError, err)
	}
	return nil
}

// Discard abandons the batch without applying any staged write.
func (b *Batch) Discard() {
	b.txn.Discard()
}

// VisitFunc is called once per matching key/value pair during a prefix
// scan. Returning false aborts the scan early without error.
type VisitFunc func(key, value []byte) (bool, error)

// ScanPrefix iterates every key with the given prefix in lexicographic
// (or, if reverse is true, reverse-lexicographic) order, calling visit for
// each. It stops at the first error or the first false return from visit.
func (s *Store) ScanPrefix(prefix []byte, reverse bool, visit VisitFunc) error {
	atomic.AddUint64(&s.reads, 1)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Reverse = reverse

		seek := prefix
		if reverse {
			// badger's reverse iteration seeks to the largest key <=
			// seek, so append 0xff to reach past every key sharing the
			// prefix.
			seek = append(append([]byte{}, prefix...), 0xff)
		}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			i := it.Item()
			k := i.KeyCopy(nil)
			v, err := i.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("kvstore: scan value: %w: %v", perrors.ErrStoreIOError, err)
			}
			cont, err := visit(k, v)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("kvstore: scan: %w: %v", perrors.ErrStoreIOError, err)
	}
	return err
}

// DeletePrefix bulk-deletes every key under prefix in one atomic batch;
// used by Tree.Delete to drop an entire remote perspective.
func (s *Store) DeletePrefix(prefix []byte) (int, error) {
	var keys [][]byte
	err := s.ScanPrefix(prefix, false, func(key, _ []byte) (bool, error) {
		keys = append(keys, append([]byte{}, key...))
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	b := s.NewBatch()
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			b.Discard()
			return 0, err
		}
	}
	if err := b.Commit(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Sequence returns a badger monotonic counter backed by key, pre-allocated
// in blocks of bandwidth, used by the conflict store for its
// auto-increment keys.
func (s *Store) Sequence(key []byte, bandwidth uint64) (*badger.Sequence, error) {
	seq, err := s.db.GetSequence(key, bandwidth)
	if err != nil {
		return nil, fmt.Errorf("kvstore: sequence: %w", err)
	}
	return seq, nil
}

// Stats returns cumulative read/write operation counts for diagnostics.
func (s *Store) Stats() (reads, writes uint64) {
	return atomic.LoadUint64(&s.reads), atomic.LoadUint64(&s.writes)
}
