// Package tree implements the append-only, per-perspective versioned log:
// one log with four indices (by version, by id, by insertion sequence,
// heads) plus a meta index, a single-writer write queue, and restartable
// read streams.
package tree

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/perspectivedb/internal/kvstore"
	"github.com/i5heu/perspectivedb/pkg/item"
	"github.com/i5heu/perspectivedb/pkg/perrors"
)

// waitForFlushBudget bounds how long a head lookup will wait for an
// in-flight write to commit before giving up.
const waitForFlushBudget = 100 * time.Millisecond

// GetHeadsOptions controls a GetHeads scan.
type GetHeadsOptions struct {
	Id            []byte
	Prefix        []byte
	SkipConflicts bool
	SkipDeletes   bool
	Limit         int
}

// VisitFunc is called once per matching head. Returning false aborts the
// scan early.
type VisitFunc func(it item.Item) (bool, error)

// pendingWrite is the exact, deterministic record of a write that has been
// accepted into the queue but not yet committed to the store.
type pendingWrite struct {
	idKey string
	it    item.Item
}

// Tree is one append-only versioned log. Every Tree of the same db shares
// a common kvstore.Store, each scoped into its own key namespace by name.
type Tree struct {
	name  string
	store *kvstore.Store
	vSize int
	log   *logrus.Logger

	cache *ristretto.Cache

	writeMu sync.Mutex // serializes writes; single-writer-per-tree discipline
	nextI   uint64

	pendingMu sync.Mutex
	pending   map[string][]pendingWrite // id key -> in-flight writes, in submission order

	notifyMu sync.Mutex
	waiters  []chan struct{} // closed and replaced on every successful commit, wakes tailing read streams
}

// Config configures a new Tree.
type Config struct {
	Name   string
	Store  *kvstore.Store
	VSize  int
	Logger *logrus.Logger
}

// New opens (or resumes) a Tree. It scans the byI index once to recover
// the next insertion sequence.
func New(cfg Config) (*Tree, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.VSize <= 0 {
		cfg.VSize = item.DefaultVersionSize
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     16 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("tree %s: new cache: %w", cfg.Name, err)
	}

	t := &Tree{
		name:    cfg.Name,
		store:   cfg.Store,
		vSize:   cfg.VSize,
		log:     cfg.Logger,
		cache:   cache,
		pending: make(map[string][]pendingWrite),
	}

	last, err := t.lastVersionFromStore()
	if err != nil {
		return nil, err
	}
	if last != nil {
		t.nextI = last.H.I + 1
	}
	return t, nil
}

// Name returns the tree's namespace within the shared store.
func (t *Tree) Name() string { return t.name }

func cacheKey(tree string, v item.Version) string {
	return tree + ":" + v.Key()
}

// Write validates, assigns i, and atomically persists a single item plus
// all of its index rows and head-set update in one batch.
func (t *Tree) Write(it item.Item) (item.Item, error) {
	return t.WriteWithMeta(it, nil)
}

// WriteWithMeta is Write plus arbitrary meta rows landing in the same
// batch as the item, for state that must never be observed apart from the
// write it belongs to: the merge engine's remoteToLocal equivalence rides
// along with the adopted or merged item here.
func (t *Tree) WriteWithMeta(it item.Item, meta map[string][]byte) (item.Item, error) {
	if err := it.Validate(t.vSize); err != nil {
		return item.Item{}, fmt.Errorf("tree %s: %w: %v", t.name, perrors.ErrMalformedItem, err)
	}

	idKey := string(it.H.Id)
	t.markPending(idKey, it)
	defer t.unmarkPending(idKey, it.H.V)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if ok, err := t.store.Has(keyByVersion(t.name, it.H.V)); err != nil {
		return item.Item{}, fmt.Errorf("tree %s: check duplicate: %w", t.name, err)
	} else if ok {
		return item.Item{}, fmt.Errorf("tree %s: version %s: %w", t.name, it.H.V, perrors.ErrDuplicateVersion)
	}

	var oldHeadKeys [][]byte
	for _, pa := range it.H.Pa {
		parent, err := t.getByVersionLocked(pa)
		if err != nil {
			if errors.Is(err, perrors.ErrNotFound) {
				return item.Item{}, fmt.Errorf("tree %s: parent %s: %w", t.name, pa, perrors.ErrMissingParent)
			}
			return item.Item{}, fmt.Errorf("tree %s: parent %s: %w", t.name, pa, err)
		}
		oldHeadKeys = append(oldHeadKeys, keyHeads(t.name, parent.H.Id, parent.H.V))
	}

	it.H.I = t.nextI

	raw, err := encodeBody(it)
	if err != nil {
		return item.Item{}, fmt.Errorf("tree %s: encode: %w", t.name, err)
	}

	b := t.store.NewBatch()
	if err := b.Set(keyByVersion(t.name, it.H.V), raw); err != nil {
		b.Discard()
		return item.Item{}, err
	}
	if err := b.Set(keyById(t.name, it.H.Id, it.H.I), it.H.V); err != nil {
		b.Discard()
		return item.Item{}, err
	}
	if err := b.Set(keyByI(t.name, it.H.I), it.H.V); err != nil {
		b.Discard()
		return item.Item{}, err
	}
	for _, k := range oldHeadKeys {
		if err := b.Delete(k); err != nil {
			b.Discard()
			return item.Item{}, err
		}
	}
	if err := b.Set(keyHeads(t.name, it.H.Id, it.H.V), []byte{}); err != nil {
		b.Discard()
		return item.Item{}, err
	}
	for k, v := range meta {
		if err := b.Set(keyMeta(t.name, k), v); err != nil {
			b.Discard()
			return item.Item{}, err
		}
	}

	if err := b.Commit(); err != nil {
		return item.Item{}, fmt.Errorf("tree %s: %w", t.name, err)
	}

	t.nextI++
	t.cache.Set(cacheKey(t.name, it.H.V), it, int64(len(raw)))
	t.notifyWaiters()
	return it, nil
}

func (t *Tree) markPending(idKey string, it item.Item) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	t.pending[idKey] = append(t.pending[idKey], pendingWrite{idKey: idKey, it: it})
}

func (t *Tree) unmarkPending(idKey string, v item.Version) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	list := t.pending[idKey]
	for i, p := range list {
		if p.it.H.V.Equal(v) {
			t.pending[idKey] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.pending[idKey]) == 0 {
		delete(t.pending, idKey)
	}
}

// InBuffer reports whether a write for id is enqueued but not yet
// flushed.
func (t *Tree) InBuffer(id []byte) bool {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending[string(id)]) > 0
}

// InBufferPrefix reports whether any enqueued write's id starts with
// prefix, backing prefix head lookups the same way InBuffer backs exact
// ones.
func (t *Tree) InBufferPrefix(prefix []byte) bool {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	p := string(prefix)
	for k := range t.pending {
		if strings.HasPrefix(k, p) {
			return true
		}
	}
	return false
}

// WaitForFlush blocks until InBuffer(id) is false or waitForFlushBudget
// elapses, whichever comes first. Head lookup calls it before scanning so
// a write that is enqueued but not yet on disk cannot produce a stale
// not-found answer.
func (t *Tree) WaitForFlush(ctx context.Context, id []byte) {
	t.waitPending(ctx, func() bool { return t.InBuffer(id) })
}

// WaitForFlushPrefix is WaitForFlush for prefix lookups.
func (t *Tree) WaitForFlushPrefix(ctx context.Context, prefix []byte) {
	t.waitPending(ctx, func() bool { return t.InBufferPrefix(prefix) })
}

func (t *Tree) waitPending(ctx context.Context, pending func() bool) {
	deadline := time.Now().Add(waitForFlushBudget)
	for pending() {
		if time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// GetByVersion returns the item for v, or perrors.ErrNotFound.
func (t *Tree) GetByVersion(v item.Version) (item.Item, error) {
	if cached, ok := t.cache.Get(cacheKey(t.name, v)); ok {
		return cached.(item.Item), nil
	}
	return t.getByVersionLocked(v)
}

func (t *Tree) getByVersionLocked(v item.Version) (item.Item, error) {
	raw, err := t.store.Get(keyByVersion(t.name, v))
	if err != nil {
		return item.Item{}, err
	}
	it, err := decodeBody(raw)
	if err != nil {
		return item.Item{}, fmt.Errorf("tree %s: %w", t.name, err)
	}
	t.cache.Set(cacheKey(t.name, v), it, int64(len(raw)))
	return it, nil
}

// LastVersion returns the item with the largest i, or nil (with a nil
// error) if the tree is empty.
func (t *Tree) LastVersion() (*item.Item, error) {
	return t.lastVersionFromStore()
}

func (t *Tree) lastVersionFromStore() (*item.Item, error) {
	var v item.Version
	err := t.store.ScanPrefix(keyByIPrefix(t.name), true, func(_, val []byte) (bool, error) {
		v = append(item.Version{}, val...)
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("tree %s: last version: %w", t.name, err)
	}
	if v == nil {
		return nil, nil
	}
	it, err := t.getByVersionLocked(v)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// GetHeads yields heads matching opts to visit, in no particular order
// when opts.Id is given (callers assert at most one), or heads whose id
// starts with opts.Prefix when Prefix is set.
func (t *Tree) GetHeads(opts GetHeadsOptions, visit VisitFunc) error {
	var scanPrefix []byte
	var exactID []byte
	switch {
	case opts.Id != nil:
		scanPrefix = keyHeadsIdScanPrefix(t.name, opts.Id)
		exactID = opts.Id
	case opts.Prefix != nil:
		scanPrefix = keyHeadsIdScanPrefix(t.name, opts.Prefix)
	default:
		scanPrefix = keyHeadsAllPrefix(t.name)
	}

	yielded := 0
	return t.store.ScanPrefix(scanPrefix, false, func(key, _ []byte) (bool, error) {
		headPrefixLen := len(keyHeadsAllPrefix(t.name))
		rest := key[headPrefixLen:]
		idBytes, vBytes := splitTrailing(rest, t.vSize)
		if exactID != nil && string(idBytes) != string(exactID) {
			return true, nil
		}

		it, err := t.getByVersionLocked(item.Version(vBytes))
		if err != nil {
			if errors.Is(err, perrors.ErrStoreIOError) {
				return false, err
			}
			// a head row whose item vanished mid-scan is a transient
			// race with Delete; skip it
			return true, nil
		}
		if opts.SkipConflicts && it.H.C {
			return true, nil
		}
		if opts.SkipDeletes && it.H.D {
			return true, nil
		}

		cont, err := visit(it)
		if err != nil {
			return false, err
		}
		if cont {
			yielded++
		}
		if opts.Limit > 0 && yielded >= opts.Limit {
			return false, nil
		}
		return cont, nil
	})
}

// ReadStreamOptions configures CreateReadStream.
type ReadStreamOptions struct {
	Since         item.Version // resume point
	IncludeOffset bool         // include Since itself rather than starting after it
	Tail          bool         // keep polling for new items instead of returning when drained
}

// CreateReadStream returns a channel of items in i order, starting after
// (or at, with IncludeOffset) opts.Since. In non-tail mode the channel
// closes once every currently-committed item has been delivered; in tail
// mode it stays open, re-checking for new items after each drain.
func (t *Tree) CreateReadStream(ctx context.Context, opts ReadStreamOptions) <-chan item.Item {
	out := make(chan item.Item)
	go func() {
		defer close(out)

		startI := uint64(0)
		if !opts.Since.IsZero() {
			since, err := t.getByVersionLocked(opts.Since)
			if err != nil {
				t.log.WithError(err).Warn("tree: read stream: since version not found")
				return
			}
			startI = since.H.I
			if !opts.IncludeOffset {
				startI++
			}
		}

		for {
			delivered, err := t.deliverFrom(ctx, startI, out)
			if err != nil {
				t.log.WithError(err).Warn("tree: read stream: scan failed")
				return
			}
			startI += uint64(delivered)

			if !opts.Tail {
				return
			}

			wait := t.subscribe()
			select {
			case <-ctx.Done():
				return
			case <-wait:
			}
		}
	}()
	return out
}

func (t *Tree) deliverFrom(ctx context.Context, startI uint64, out chan<- item.Item) (int, error) {
	delivered := 0
	err := t.store.ScanPrefix(keyByIPrefix(t.name), false, func(key, val []byte) (bool, error) {
		prefixLen := len(keyByIPrefix(t.name))
		iBytes := key[prefixLen:]
		i := beToU64(iBytes)
		if i < startI {
			return true, nil
		}
		it, err := t.getByVersionLocked(item.Version(val))
		if err != nil {
			return true, nil
		}
		select {
		case out <- it:
			delivered++
		case <-ctx.Done():
			return false, nil
		}
		return true, nil
	})
	return delivered, err
}

func (t *Tree) subscribe() <-chan struct{} {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	return ch
}

func (t *Tree) notifyWaiters() {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	for _, ch := range t.waiters {
		close(ch)
	}
	t.waiters = nil
}

// Delete bulk-removes every index row for this tree. The rmpe tool uses
// it to drop an entire remote perspective.
func (t *Tree) Delete() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for _, prefix := range [][]byte{
		keyByIdScanPrefix(t.name, nil),
		keyByIPrefix(t.name),
		keyHeadsAllPrefix(t.name),
		keyMetaPrefix(t.name),
	} {
		if _, err := t.store.DeletePrefix(prefix); err != nil {
			return fmt.Errorf("tree %s: delete: %w", t.name, err)
		}
	}
	// byVersion keys share the 'v' marker with no further structure, same
	// treeFrame+marker prefix covers them all.
	if _, err := t.store.DeletePrefix(concat(treeFrame(t.name), []byte{markerVersion})); err != nil {
		return fmt.Errorf("tree %s: delete: %w", t.name, err)
	}
	t.cache.Clear()
	return nil
}

// SetMeta persists an arbitrary per-tree metadata value, used by the
// merge engine for the remoteToLocal equivalence table and for its
// per-perspective resume cursor.
func (t *Tree) SetMeta(key string, value []byte) error {
	b := t.store.NewBatch()
	if err := b.Set(keyMeta(t.name, key), value); err != nil {
		b.Discard()
		return err
	}
	return b.Commit()
}

// GetMeta reads a per-tree metadata value.
func (t *Tree) GetMeta(key string) ([]byte, error) {
	return t.store.Get(keyMeta(t.name, key))
}

func beToU64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
