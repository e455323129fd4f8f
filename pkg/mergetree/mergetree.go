// Package mergetree owns the local tree, the staging tree and one tree per
// configured perspective, and exposes the write streams, merge stream,
// conflict store and head lookup built on top of them.
package mergetree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/perspectivedb/internal/conflictstore"
	"github.com/i5heu/perspectivedb/internal/kvstore"
	"github.com/i5heu/perspectivedb/internal/merge"
	"github.com/i5heu/perspectivedb/internal/tree"
	"github.com/i5heu/perspectivedb/pkg/item"
	"github.com/i5heu/perspectivedb/pkg/perrors"
	"github.com/i5heu/perspectivedb/pkg/version"
)

const localTreeName = "l"
const stageTreeName = "stage"

func perspectiveTreeName(pe string) string { return "pe_" + pe }

// Config configures a MergeTree.
type Config struct {
	Store         *kvstore.Store
	VSize         int
	Perspectives  []string
	Logger        *logrus.Logger
	EquivCacheCap int
}

// MergeTree owns the local tree l, the staging tree, and one tree per
// configured perspective.
type MergeTree struct {
	store *kvstore.Store
	log   *logrus.Logger
	alloc *version.Allocator
	equiv *merge.EquivCache

	l     *tree.Tree
	stage *tree.Tree
	pe    map[string]*tree.Tree

	conflicts *conflictstore.Store

	writerMu    sync.Mutex
	localOpen   bool
	autoMerging bool

	closeMu  sync.Mutex
	closed   bool // no further operations accepted
	shutdown bool // conflict sequence and store released
}

// New opens the local tree, the staging tree and every configured
// perspective tree over the same underlying store.
func New(cfg Config) (*MergeTree, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.VSize <= 0 {
		cfg.VSize = item.DefaultVersionSize
	}

	l, err := tree.New(tree.Config{Name: localTreeName, Store: cfg.Store, VSize: cfg.VSize, Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("mergetree: open local tree: %w", err)
	}
	stage, err := tree.New(tree.Config{Name: stageTreeName, Store: cfg.Store, VSize: cfg.VSize, Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("mergetree: open stage tree: %w", err)
	}

	mt := &MergeTree{
		store: cfg.Store,
		log:   cfg.Logger,
		alloc: version.New(cfg.VSize),
		l:     l,
		stage: stage,
		pe:    make(map[string]*tree.Tree),
	}

	for _, pe := range cfg.Perspectives {
		t, err := tree.New(tree.Config{Name: perspectiveTreeName(pe), Store: cfg.Store, VSize: cfg.VSize, Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("mergetree: open perspective %s: %w", pe, err)
		}
		mt.pe[pe] = t
	}

	equiv, err := merge.NewEquivCache(l, cfg.EquivCacheCap)
	if err != nil {
		return nil, fmt.Errorf("mergetree: open equivalence cache: %w", err)
	}
	mt.equiv = equiv

	conflicts, err := conflictstore.Open(localTreeName, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("mergetree: open conflict store: %w", err)
	}
	mt.conflicts = conflicts

	return mt, nil
}

// isClosed reports whether the MergeTree stopped accepting operations,
// either via Close or after a fatal store error.
func (mt *MergeTree) isClosed() bool {
	mt.closeMu.Lock()
	defer mt.closeMu.Unlock()
	return mt.closed
}

// noteFatal transitions the MergeTree to its closed state when err marks
// the underlying store as broken. Streams already running drain out; new
// operations are rejected with ErrClosed.
func (mt *MergeTree) noteFatal(err error) {
	if !errors.Is(err, perrors.ErrStoreIOError) {
		return
	}
	mt.closeMu.Lock()
	already := mt.closed
	mt.closed = true
	mt.closeMu.Unlock()
	if !already {
		mt.log.WithError(err).Error("mergetree: fatal store error, rejecting further operations")
	}
}

func (mt *MergeTree) perspectiveTree(pe string) (*tree.Tree, error) {
	t, ok := mt.pe[pe]
	if !ok {
		return nil, fmt.Errorf("mergetree: %w: %s", perrors.ErrUnknownPerspective, pe)
	}
	return t, nil
}

// CreateRemoteWriteStream accepts decoded items destined for perspective pe,
// validating that each item's header names pe before writing into that
// perspective's tree.
func (mt *MergeTree) CreateRemoteWriteStream(ctx context.Context, pe string, in <-chan item.Item) <-chan error {
	errs := make(chan error, 1)
	if mt.isClosed() {
		errs <- fmt.Errorf("mergetree: %w", perrors.ErrClosed)
		close(errs)
		return errs
	}
	t, err := mt.perspectiveTree(pe)
	if err != nil {
		errs <- err
		close(errs)
		return errs
	}

	go func() {
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case it, ok := <-in:
				if !ok {
					return
				}
				if it.H.Pe != pe {
					errs <- fmt.Errorf("mergetree: %w: item.h.pe %q does not match stream perspective %q", perrors.ErrMalformedItem, it.H.Pe, pe)
					return
				}
				if _, err := t.Write(it); err != nil {
					mt.noteFatal(err)
					errs <- err
					return
				}
			}
		}
	}()
	return errs
}

// CreateLocalWriteStream accepts merge-confirmations or locally-authored
// items and writes them into l. At most one may be open at a time, and
// never while autoMerge is engaged.
func (mt *MergeTree) CreateLocalWriteStream(ctx context.Context, in <-chan item.Item) (<-chan error, error) {
	if mt.isClosed() {
		return nil, fmt.Errorf("mergetree: %w", perrors.ErrClosed)
	}
	mt.writerMu.Lock()
	if mt.autoMerging {
		mt.writerMu.Unlock()
		return nil, fmt.Errorf("mergetree: %w", perrors.ErrAlreadyAutoMerging)
	}
	if mt.localOpen {
		mt.writerMu.Unlock()
		return nil, fmt.Errorf("mergetree: %w", perrors.ErrLocalWriterBusy)
	}
	mt.localOpen = true
	mt.writerMu.Unlock()

	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer func() {
			mt.writerMu.Lock()
			mt.localOpen = false
			mt.writerMu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case it, ok := <-in:
				if !ok {
					return
				}
				if _, err := mt.l.Write(it); err != nil {
					mt.noteFatal(err)
					errs <- err
					return
				}
			}
		}
	}()
	return errs, nil
}

// MergeOutcome mirrors merge.Outcome for the public candidate stream.
type MergeOutcome = merge.Outcome

const (
	FastForward   = merge.FastForward
	ThreeWay      = merge.ThreeWay
	RootConflict  = merge.RootConflict
	FieldConflict = merge.FieldConflict
)

// MergeCandidate is one outcome of the merge stream: a remote head paired
// with the local head of the same id, classified.
type MergeCandidate struct {
	Outcome       MergeOutcome
	Item          item.Item // populated for FastForward/ThreeWay
	ConflictField string
	Perspective   string
	RemoteHead    item.Item
	LocalHead     *item.Item
}

// StartMerge returns a lazy stream of merge candidates: for every new head
// in any perspective tree, pair it with the current local head of the same
// id and compute a three-way merge. It never writes into l itself, and it
// records no equivalence either: a caller consuming this stream acts as
// the external local writer and commits accepted candidates through
// ConfirmMerge, which lands the item and its remoteToLocal row together.
// StartAutoMerge is the alternative, engine-driven arrangement; the two
// are mutually exclusive.
func (mt *MergeTree) StartMerge(ctx context.Context) <-chan MergeCandidate {
	if mt.isClosed() {
		out := make(chan MergeCandidate)
		close(out)
		return out
	}
	return mt.startMerge(ctx, false)
}

// StartAutoMerge engages autoMerge: it drains the merge stream internally,
// committing fast-forward/three-way results into l itself before they are
// emitted on the returned channel. While engaged, no external local writer
// may attach.
func (mt *MergeTree) StartAutoMerge(ctx context.Context) (<-chan MergeCandidate, error) {
	if mt.isClosed() {
		return nil, fmt.Errorf("mergetree: %w", perrors.ErrClosed)
	}
	mt.writerMu.Lock()
	if mt.localOpen {
		mt.writerMu.Unlock()
		return nil, fmt.Errorf("mergetree: %w", perrors.ErrLocalWriterBusy)
	}
	if mt.autoMerging {
		mt.writerMu.Unlock()
		return nil, fmt.Errorf("mergetree: %w", perrors.ErrAlreadyAutoMerging)
	}
	mt.autoMerging = true
	mt.writerMu.Unlock()

	out := make(chan MergeCandidate)
	candidates := mt.startMerge(ctx, true)

	go func() {
		defer close(out)
		defer func() {
			mt.writerMu.Lock()
			mt.autoMerging = false
			mt.writerMu.Unlock()
		}()
		for c := range candidates {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// startMerge fans out one tailing goroutine per perspective, each feeding
// a shared candidate channel. autoWrite controls whether computeOne
// commits fast-forward/three-way results into l itself before returning;
// see StartMerge vs StartAutoMerge.
func (mt *MergeTree) startMerge(ctx context.Context, autoWrite bool) <-chan MergeCandidate {
	out := make(chan MergeCandidate)

	go func() {
		defer close(out)
		var wg sync.WaitGroup
		for pe, t := range mt.pe {
			wg.Add(1)
			go func(pe string, t *tree.Tree) {
				defer wg.Done()
				mt.mergeFromPerspective(ctx, pe, t, out, autoWrite)
			}(pe, t)
		}
		wg.Wait()
	}()
	return out
}

// mergeCursorKey is the pe tree's own meta row recording the last remote
// version this perspective's merge loop has already turned into a
// candidate, whether adopted, merged, or filed as a conflict. Without it,
// re-engaging the merge stream after a pause would replay the whole
// perspective history and re-evaluate remote heads the local tree has
// since diverged past.
const mergeCursorKey = "mergeCursor"

func (mt *MergeTree) mergeFromPerspective(ctx context.Context, pe string, t *tree.Tree, out chan<- MergeCandidate, autoWrite bool) {
	var since item.Version
	if raw, err := t.GetMeta(mergeCursorKey); err == nil && len(raw) > 0 {
		since = item.Version(raw)
	}

	heads := t.CreateReadStream(ctx, tree.ReadStreamOptions{Since: since, Tail: true})
	for remote := range heads {
		// computeOne (and, when autoWrite is set, its commit into l) runs
		// to completion before the next item is pulled from this
		// perspective's stream, so a second head for the same id always
		// observes the previous one's outcome; the LCA walk would
		// otherwise race a not-yet-committed sibling merge.
		candidate, err := mt.computeOne(pe, t, remote, autoWrite)
		if err != nil {
			mt.noteFatal(err)
			mt.log.WithError(err).WithFields(logrus.Fields{"pe": pe, "id": string(remote.H.Id)}).Error("mergetree: merge compute failed")
			continue
		}
		if err := t.SetMeta(mergeCursorKey, remote.H.V); err != nil {
			mt.log.WithError(err).WithFields(logrus.Fields{"pe": pe}).Error("mergetree: advance merge cursor failed")
			return
		}
		select {
		case out <- candidate:
		case <-ctx.Done():
			return
		}
	}
}

// computeOne pairs one remote head with the current local head of the same
// id, resolves the merge, and, for conflicts, records a conflict row
// instead of returning an emittable item. When autoWrite is set, a
// fast-forward or three-way result is committed into l before being
// returned.
func (mt *MergeTree) computeOne(pe string, remoteTree *tree.Tree, remote item.Item, autoWrite bool) (MergeCandidate, error) {
	var localHead *item.Item
	err := mt.l.GetHeads(tree.GetHeadsOptions{Id: remote.H.Id, SkipConflicts: true, Limit: 1}, func(it item.Item) (bool, error) {
		h := it
		localHead = &h
		return false, nil
	})
	if err != nil {
		return MergeCandidate{}, fmt.Errorf("mergetree: local head lookup: %w", err)
	}

	if equivLocal, ok := mt.equiv.Lookup(pe, remote.H.V); ok && localHead != nil && equivLocal.Equal(localHead.H.V) {
		// already adopted; re-ingesting the same remote head is a no-op
		return MergeCandidate{Outcome: FastForward, Item: *localHead, Perspective: pe, RemoteHead: remote, LocalHead: localHead}, nil
	}

	res, err := merge.Compute(mt.l, remoteTree, mt.equiv, pe, localHead, &remote)
	if err != nil {
		return MergeCandidate{}, err
	}

	switch res.Outcome {
	case merge.FastForward:
		nv, err := mt.alloc.Fresh()
		if err != nil {
			return MergeCandidate{}, fmt.Errorf("mergetree: allocate version: %w", err)
		}
		var pa []item.Version
		if localHead != nil {
			pa = []item.Version{localHead.H.V}
		}
		synth := item.Item{H: item.Header{Id: remote.H.Id, V: nv, Pa: pa, D: res.Deleted}, B: res.Merged}
		if autoWrite {
			if synth, err = mt.commitMerged(pe, remote, synth); err != nil {
				return MergeCandidate{}, err
			}
		}
		return MergeCandidate{Outcome: FastForward, Item: synth, Perspective: pe, RemoteHead: remote, LocalHead: localHead}, nil

	case merge.ThreeWay:
		nv, err := mt.alloc.Fresh()
		if err != nil {
			return MergeCandidate{}, fmt.Errorf("mergetree: allocate version: %w", err)
		}
		synth := item.Item{
			H: item.Header{Id: remote.H.Id, V: nv, Pa: []item.Version{localHead.H.V, remote.H.V}, D: res.Deleted},
			B: res.Merged,
		}
		if autoWrite {
			if synth, err = mt.commitMerged(pe, remote, synth); err != nil {
				return MergeCandidate{}, err
			}
		}
		return MergeCandidate{Outcome: ThreeWay, Item: synth, Perspective: pe, RemoteHead: remote, LocalHead: localHead}, nil

	default: // RootConflict, FieldConflict
		var lcas []item.Version
		if res.LCA != nil {
			lcas = []item.Version{res.LCA.H.V}
		}
		rec := conflictstore.Record{
			N:    remote,
			L:    localHead,
			Pe:   pe,
			LCAs: lcas,
			Err:  conflictReason(res),
		}
		if _, err := mt.conflicts.Put(rec); err != nil {
			return MergeCandidate{}, fmt.Errorf("mergetree: record conflict: %w", err)
		}
		return MergeCandidate{Outcome: res.Outcome, ConflictField: res.ConflictField, Perspective: pe, RemoteHead: remote, LocalHead: localHead}, nil
	}
}

// commitMerged writes a fast-forward or three-way result into l together
// with its remoteToLocal equivalence row in one batch, so a crash cannot
// leave an adopted item whose remote origin is forgotten (which would turn
// the reprocessed remote head into a spurious root conflict on restart).
func (mt *MergeTree) commitMerged(pe string, remote, synth item.Item) (item.Item, error) {
	k, v := mt.equiv.Row(pe, remote.H.V, synth.H.V)
	written, err := mt.l.WriteWithMeta(synth, map[string][]byte{k: v})
	if err != nil {
		return item.Item{}, fmt.Errorf("mergetree: commit merged item: %w", err)
	}
	mt.equiv.NoteCommitted(pe, remote.H.V, written.H.V)
	return written, nil
}

func conflictReason(res merge.Result) string {
	if res.Outcome == merge.RootConflict {
		return "root conflict: no common ancestor"
	}
	return fmt.Sprintf("field conflict: %s", res.ConflictField)
}

// ConfirmMerge commits a candidate produced by StartMerge into l together
// with its remoteToLocal equivalence row in one batch. A candidate whose
// outcome was a conflict has already been recorded in the conflict store;
// asking to confirm one returns ErrConflictRecorded.
func (mt *MergeTree) ConfirmMerge(c MergeCandidate) error {
	if mt.isClosed() {
		return fmt.Errorf("mergetree: %w", perrors.ErrClosed)
	}
	switch c.Outcome {
	case FastForward, ThreeWay:
	default:
		return fmt.Errorf("mergetree: confirm merge: %w", perrors.ErrConflictRecorded)
	}
	if _, err := mt.commitMerged(c.Perspective, c.RemoteHead, c.Item); err != nil {
		mt.noteFatal(err)
		return err
	}
	return nil
}

// GetConflicts iterates stored conflicts in key order.
func (mt *MergeTree) GetConflicts(visit func(n uint64, rec conflictstore.Record) (bool, error)) error {
	return mt.conflicts.Visit(visit)
}

// GetConflict fetches a single conflict row by key.
func (mt *MergeTree) GetConflict(n uint64) (conflictstore.Record, error) {
	return mt.conflicts.Get(n)
}

// ResolveConflict records the chosen outcome into l and clears the
// conflict row. The engine never retries a stored conflict on its own.
func (mt *MergeTree) ResolveConflict(n uint64, resolution item.Item) error {
	if mt.isClosed() {
		return fmt.Errorf("mergetree: %w", perrors.ErrClosed)
	}
	if _, err := mt.l.Write(resolution); err != nil {
		mt.noteFatal(err)
		return fmt.Errorf("mergetree: resolve conflict %d: %w", n, err)
	}
	if err := mt.conflicts.Delete(n); err != nil {
		mt.noteFatal(err)
		return fmt.Errorf("mergetree: resolve conflict %d: clear row: %w", n, err)
	}
	return nil
}

// HeadLookupOptions selects either an exact id or an id prefix.
type HeadLookupOptions struct {
	Id     []byte
	Prefix []byte
}

// HeadLookup performs a single-item lookup over l only, quiescing the
// write buffer first so a just-submitted write is observed rather than a
// stale not-found answer. More than one matching non-conflict head is
// refused with ErrHeadAmbiguous.
func (mt *MergeTree) HeadLookup(ctx context.Context, opts HeadLookupOptions) (*item.Item, error) {
	if mt.isClosed() {
		return nil, fmt.Errorf("mergetree: %w", perrors.ErrClosed)
	}
	switch {
	case opts.Id != nil:
		mt.l.WaitForFlush(ctx, opts.Id)
	case opts.Prefix != nil:
		mt.l.WaitForFlushPrefix(ctx, opts.Prefix)
	}

	var found []item.Item
	err := mt.l.GetHeads(tree.GetHeadsOptions{
		Id:            opts.Id,
		Prefix:        opts.Prefix,
		SkipConflicts: true,
		SkipDeletes:   true,
	}, func(it item.Item) (bool, error) {
		found = append(found, it)
		return len(found) < 2, nil
	})
	if err != nil {
		mt.noteFatal(err)
		return nil, fmt.Errorf("mergetree: head lookup: %w", err)
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	default:
		return nil, fmt.Errorf("mergetree: head lookup id=%x: %w", opts.Id, perrors.ErrHeadAmbiguous)
	}
}

// Stats is the per-tree diagnostics snapshot returned by ComputeStats and
// printed by mergetreectl's info subcommand. No signal handler in this
// module dumps it.
type Stats struct {
	Perspectives map[string]TreeStats
	Local        TreeStats
	Stage        TreeStats
	Conflicts    int
}

// TreeStats counts items and heads in one tree.
type TreeStats struct {
	Items uint64
	Heads int
}

func treeStats(t *tree.Tree) (TreeStats, error) {
	last, err := t.LastVersion()
	if err != nil {
		return TreeStats{}, err
	}
	var items uint64
	if last != nil {
		items = last.H.I + 1
	}
	heads := 0
	err = t.GetHeads(tree.GetHeadsOptions{}, func(item.Item) (bool, error) {
		heads++
		return true, nil
	})
	if err != nil {
		return TreeStats{}, err
	}
	return TreeStats{Items: items, Heads: heads}, nil
}

// ComputeStats gathers a diagnostics snapshot across every owned tree.
func (mt *MergeTree) ComputeStats() (Stats, error) {
	l, err := treeStats(mt.l)
	if err != nil {
		return Stats{}, err
	}
	stage, err := treeStats(mt.stage)
	if err != nil {
		return Stats{}, err
	}
	pe := make(map[string]TreeStats, len(mt.pe))
	for name, t := range mt.pe {
		s, err := treeStats(t)
		if err != nil {
			return Stats{}, err
		}
		pe[name] = s
	}
	conflicts := 0
	if err := mt.conflicts.Visit(func(uint64, conflictstore.Record) (bool, error) {
		conflicts++
		return true, nil
	}); err != nil {
		return Stats{}, err
	}
	return Stats{Perspectives: pe, Local: l, Stage: stage, Conflicts: conflicts}, nil
}

// DeletePerspective bulk-deletes a remote perspective's tree, backing the
// rmpe tool.
func (mt *MergeTree) DeletePerspective(pe string) error {
	t, err := mt.perspectiveTree(pe)
	if err != nil {
		return err
	}
	return t.Delete()
}

// LocalReadStream exposes l's read stream to external adapters (e.g. the
// oplog transform materializing a full document from a sequence of items).
func (mt *MergeTree) LocalReadStream(ctx context.Context, opts tree.ReadStreamOptions) <-chan item.Item {
	return mt.l.CreateReadStream(ctx, opts)
}

// PerspectiveReadStream exposes one perspective tree's read stream, the
// export side of a remote data channel.
func (mt *MergeTree) PerspectiveReadStream(ctx context.Context, pe string, opts tree.ReadStreamOptions) (<-chan item.Item, error) {
	t, err := mt.perspectiveTree(pe)
	if err != nil {
		return nil, err
	}
	return t.CreateReadStream(ctx, opts), nil
}

// Close marks the MergeTree closed, releases the conflict sequence and
// closes the underlying store. It does not wait for write or merge streams
// that are still running; their next store access fails. It is idempotent,
// and it still releases the store after a fatal store error already marked
// the MergeTree closed.
func (mt *MergeTree) Close() error {
	mt.closeMu.Lock()
	defer mt.closeMu.Unlock()
	mt.closed = true
	if mt.shutdown {
		return nil
	}
	mt.shutdown = true
	if err := mt.conflicts.Close(); err != nil {
		mt.log.WithError(err).Warn("mergetree: close conflict sequence")
	}
	return mt.store.Close()
}
