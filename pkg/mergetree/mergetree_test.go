package mergetree

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/perspectivedb/internal/conflictstore"
	"github.com/i5heu/perspectivedb/internal/kvstore"
	"github.com/i5heu/perspectivedb/internal/tree"
	"github.com/i5heu/perspectivedb/pkg/item"
	"github.com/i5heu/perspectivedb/pkg/perrors"
)

func newTestMergeTree(t *testing.T, perspectives ...string) *MergeTree {
	t.Helper()
	store, err := kvstore.Open(kvstore.Config{Path: t.TempDir()})
	require.NoError(t, err)

	mt, err := New(Config{Store: store, VSize: 3, Perspectives: perspectives})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mt.Close() })
	return mt
}

func drainErrs(t *testing.T, errs <-chan error, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			require.NoError(t, err)
		case <-deadline:
			t.Fatal("timed out draining error channel")
		}
	}
}

func waitAutoMergeStopped(t *testing.T, mt *MergeTree) {
	t.Helper()
	require.Eventually(t, func() bool {
		mt.writerMu.Lock()
		defer mt.writerMu.Unlock()
		return !mt.autoMerging
	}, 2*time.Second, 5*time.Millisecond)
}

// Two-item remote import: after flush, the perspective's own read stream
// yields exactly the two items in submission order, and autoMerge
// fast-forwards both into the local tree preserving the pa chain.
func TestTwoItemRemoteImportAutoMerges(t *testing.T) {
	mt := newTestMergeTree(t, "someClient")

	in := make(chan item.Item, 2)
	itemA := item.Item{H: item.Header{Id: []byte("abc"), V: item.Version{0xAA, 0xAA, 0xAA}, Pe: "someClient"}, B: item.Document{"some": true}}
	itemB := item.Item{H: item.Header{Id: []byte("abc"), V: item.Version{0xBB, 0xBB, 0xBB}, Pa: []item.Version{itemA.H.V}, Pe: "someClient"}, B: item.Document{"some": "other"}}

	ctxRemote, cancelRemote := context.WithCancel(context.Background())
	defer cancelRemote()
	errs := mt.CreateRemoteWriteStream(ctxRemote, "someClient", in)
	in <- itemA
	in <- itemB
	close(in)
	drainErrs(t, errs, 2*time.Second)

	readCtx, cancelRead := context.WithTimeout(context.Background(), time.Second)
	defer cancelRead()
	peStream, err := mt.PerspectiveReadStream(readCtx, "someClient", tree.ReadStreamOptions{})
	require.NoError(t, err)

	var got []item.Item
	for it := range peStream {
		got = append(got, it)
	}
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].H.I)
	assert.Equal(t, uint64(1), got[1].H.I)
	assert.Equal(t, "someClient", got[0].H.Pe)
	assert.Equal(t, "someClient", got[1].H.Pe)

	mergeCtx, cancelMerge := context.WithCancel(context.Background())
	candidates, err := mt.StartAutoMerge(mergeCtx)
	require.NoError(t, err)

	c1 := <-candidates
	c2 := <-candidates
	assert.Equal(t, FastForward, c1.Outcome)
	assert.Equal(t, FastForward, c2.Outcome)
	assert.Nil(t, c1.Item.H.Pa)
	require.Len(t, c2.Item.H.Pa, 1)
	assert.True(t, c2.Item.H.Pa[0].Equal(c1.Item.H.V))

	go func() {
		for range candidates {
		}
	}()
	cancelMerge()
	waitAutoMergeStopped(t, mt)

	localCtx, cancelLocal := context.WithTimeout(context.Background(), time.Second)
	defer cancelLocal()
	var local []item.Item
	for it := range mt.LocalReadStream(localCtx, tree.ReadStreamOptions{}) {
		local = append(local, it)
	}
	require.Len(t, local, 2)
	assert.False(t, local[0].H.V.Equal(itemA.H.V), "local items get fresh versions, not remote ones")
}

// A field changed on both sides to different values produces a conflict
// row rather than a merged item, and the local tree is not advanced for
// that id.
func TestFieldConflictIsRecordedNotApplied(t *testing.T) {
	mt := newTestMergeTree(t, "peer1")

	ctx1, cancel1 := context.WithCancel(context.Background())
	candidates1, err := mt.StartAutoMerge(ctx1)
	require.NoError(t, err)

	in := make(chan item.Item, 1)
	rootV := item.Version{1, 1, 1}
	root := item.Item{H: item.Header{Id: []byte("x"), V: rootV, Pe: "peer1"}, B: item.Document{"a": int32(1)}}
	remoteErrs := mt.CreateRemoteWriteStream(ctx1, "peer1", in)
	in <- root
	close(in)
	drainErrs(t, remoteErrs, 2*time.Second)

	adopted := <-candidates1
	require.Equal(t, FastForward, adopted.Outcome)
	localRootV := adopted.Item.H.V

	go func() {
		for range candidates1 {
		}
	}()
	cancel1()
	waitAutoMergeStopped(t, mt)

	localIn := make(chan item.Item, 1)
	localCtx, cancelLocalWriter := context.WithCancel(context.Background())
	localErrs, err := mt.CreateLocalWriteStream(localCtx, localIn)
	require.NoError(t, err)
	localEdit := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{2, 2, 2}, Pa: []item.Version{localRootV}}, B: item.Document{"a": int32(2)}}
	localIn <- localEdit
	close(localIn)
	drainErrs(t, localErrs, 2*time.Second)
	cancelLocalWriter()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	candidates2, err := mt.StartAutoMerge(ctx2)
	require.NoError(t, err)

	in2 := make(chan item.Item, 1)
	remoteEdit := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{3, 3, 3}, Pa: []item.Version{rootV}, Pe: "peer1"}, B: item.Document{"a": int32(3)}}
	remoteErrs2 := mt.CreateRemoteWriteStream(ctx2, "peer1", in2)
	in2 <- remoteEdit
	close(in2)
	drainErrs(t, remoteErrs2, 2*time.Second)

	conflictCandidate := <-candidates2
	assert.Equal(t, FieldConflict, conflictCandidate.Outcome)
	assert.Equal(t, "a", conflictCandidate.ConflictField)

	var rows []uint64
	require.NoError(t, mt.GetConflicts(func(n uint64, rec conflictstore.Record) (bool, error) {
		rows = append(rows, n)
		assert.Equal(t, "peer1", rec.Pe)
		return true, nil
	}))
	assert.Len(t, rows, 1)
}

// The external-writer arrangement: candidates from StartMerge are
// committed through ConfirmMerge, which lands the item and its
// equivalence row together, so a follow-up remote child fast-forwards
// onto the confirmed local version instead of raising a root conflict.
func TestStartMergeWithConfirmMerge(t *testing.T) {
	mt := newTestMergeTree(t, "peer1")

	rootV := item.Version{1, 1, 1}
	ctx1, cancel1 := context.WithCancel(context.Background())
	in := make(chan item.Item, 1)
	errs := mt.CreateRemoteWriteStream(ctx1, "peer1", in)
	in <- item.Item{H: item.Header{Id: []byte("x"), V: rootV, Pe: "peer1"}, B: item.Document{"a": int32(1)}}
	close(in)
	drainErrs(t, errs, 2*time.Second)

	candidates := mt.StartMerge(ctx1)
	adopted := <-candidates
	require.Equal(t, FastForward, adopted.Outcome)
	require.NoError(t, mt.ConfirmMerge(adopted))
	cancel1()
	for range candidates {
		// drain until the first merge loop has fully stopped so it cannot
		// advance the perspective's cursor past the next remote write
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	in2 := make(chan item.Item, 1)
	errs2 := mt.CreateRemoteWriteStream(ctx2, "peer1", in2)
	in2 <- item.Item{H: item.Header{Id: []byte("x"), V: item.Version{2, 2, 2}, Pa: []item.Version{rootV}, Pe: "peer1"}, B: item.Document{"a": int32(2)}}
	close(in2)
	drainErrs(t, errs2, 2*time.Second)

	candidates2 := mt.StartMerge(ctx2)
	ff := <-candidates2
	require.Equal(t, FastForward, ff.Outcome)
	require.Len(t, ff.Item.H.Pa, 1)
	assert.True(t, ff.Item.H.Pa[0].Equal(adopted.Item.H.V))
	require.NoError(t, mt.ConfirmMerge(ff))
}

func TestConfirmMergeRejectsConflictCandidate(t *testing.T) {
	mt := newTestMergeTree(t)
	err := mt.ConfirmMerge(MergeCandidate{Outcome: FieldConflict, Perspective: "peer1"})
	assert.ErrorIs(t, err, perrors.ErrConflictRecorded)
}

// At most one open local-write stream exists at any moment, and engaging
// autoMerge while a local writer is open (or vice versa) fails.
func TestLocalWriterAndAutoMergeAreMutuallyExclusive(t *testing.T) {
	mt := newTestMergeTree(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in1 := make(chan item.Item)
	_, err := mt.CreateLocalWriteStream(ctx, in1)
	require.NoError(t, err)

	in2 := make(chan item.Item)
	_, err = mt.CreateLocalWriteStream(ctx, in2)
	assert.ErrorIs(t, err, perrors.ErrLocalWriterBusy)

	_, err = mt.StartAutoMerge(ctx)
	assert.ErrorIs(t, err, perrors.ErrLocalWriterBusy)

	close(in1)
}

func TestAutoMergeBlocksSecondAutoMerge(t *testing.T) {
	mt := newTestMergeTree(t, "peer1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := mt.StartAutoMerge(ctx)
	require.NoError(t, err)

	_, err = mt.StartAutoMerge(ctx)
	assert.ErrorIs(t, err, perrors.ErrAlreadyAutoMerging)

	in := make(chan item.Item)
	_, err = mt.CreateLocalWriteStream(ctx, in)
	assert.ErrorIs(t, err, perrors.ErrAlreadyAutoMerging)
}

// HeadLookup observes a just-written head rather than a stale not-found
// answer.
func TestHeadLookupSeesJustWrittenItem(t *testing.T) {
	mt := newTestMergeTree(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan item.Item, 1)
	errs, err := mt.CreateLocalWriteStream(ctx, in)
	require.NoError(t, err)
	in <- item.Item{H: item.Header{Id: []byte("y"), V: item.Version{1, 1, 1}}, B: item.Document{"v": int32(1)}}
	close(in)
	drainErrs(t, errs, 2*time.Second)

	got, err := mt.HeadLookup(context.Background(), HeadLookupOptions{Id: []byte("y")})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "y", string(got.H.Id))
}

func TestHeadLookupReturnsNilWhenAbsent(t *testing.T) {
	mt := newTestMergeTree(t)
	got, err := mt.HeadLookup(context.Background(), HeadLookupOptions{Id: []byte("missing")})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStatsCountsItemsAndConflicts(t *testing.T) {
	mt := newTestMergeTree(t, "peer1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan item.Item, 1)
	errs, err := mt.CreateLocalWriteStream(ctx, in)
	require.NoError(t, err)
	in <- item.Item{H: item.Header{Id: []byte("a"), V: item.Version{1, 0, 0}}, B: item.Document{"v": int32(1)}}
	close(in)
	drainErrs(t, errs, 2*time.Second)

	stats, err := mt.ComputeStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Local.Items)
	assert.Equal(t, 1, stats.Local.Heads)
	assert.Equal(t, 0, stats.Conflicts)
	assert.Contains(t, stats.Perspectives, "peer1")
}

func TestDeletePerspectiveWipesItsTree(t *testing.T) {
	mt := newTestMergeTree(t, "peer1")

	in := make(chan item.Item, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := mt.CreateRemoteWriteStream(ctx, "peer1", in)
	in <- item.Item{H: item.Header{Id: []byte("a"), V: item.Version{1, 0, 0}, Pe: "peer1"}, B: item.Document{"v": int32(1)}}
	close(in)
	drainErrs(t, errs, 2*time.Second)

	require.NoError(t, mt.DeletePerspective("peer1"))

	readCtx, cancelRead := context.WithTimeout(context.Background(), time.Second)
	defer cancelRead()
	stream, err := mt.PerspectiveReadStream(readCtx, "peer1", tree.ReadStreamOptions{})
	require.NoError(t, err)
	var got []item.Item
	for it := range stream {
		got = append(got, it)
	}
	assert.Empty(t, got)
}

func TestDeletePerspectiveUnknownPerspective(t *testing.T) {
	mt := newTestMergeTree(t)
	err := mt.DeletePerspective("nope")
	assert.ErrorIs(t, err, perrors.ErrUnknownPerspective)
}

func TestCloseIsIdempotent(t *testing.T) {
	mt := newTestMergeTree(t)
	require.NoError(t, mt.Close())
	require.NoError(t, mt.Close())
}

func TestClosedMergeTreeRejectsOperations(t *testing.T) {
	mt := newTestMergeTree(t, "peer1")
	require.NoError(t, mt.Close())

	_, err := mt.CreateLocalWriteStream(context.Background(), make(chan item.Item))
	assert.ErrorIs(t, err, perrors.ErrClosed)

	_, err = mt.StartAutoMerge(context.Background())
	assert.ErrorIs(t, err, perrors.ErrClosed)

	_, err = mt.HeadLookup(context.Background(), HeadLookupOptions{Id: []byte("x")})
	assert.ErrorIs(t, err, perrors.ErrClosed)

	errs := mt.CreateRemoteWriteStream(context.Background(), "peer1", make(chan item.Item))
	err, ok := <-errs
	require.True(t, ok)
	assert.ErrorIs(t, err, perrors.ErrClosed)
}
