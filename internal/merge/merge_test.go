package merge

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/perspectivedb/pkg/item"
	"github.com/i5heu/perspectivedb/pkg/perrors"
)

type fakeSource struct {
	byV map[string]item.Item
}

func newFakeSource() *fakeSource { return &fakeSource{byV: map[string]item.Item{}} }

func (f *fakeSource) put(it item.Item) { f.byV[it.H.V.Key()] = it }

func (f *fakeSource) GetByVersion(v item.Version) (item.Item, error) {
	it, ok := f.byV[v.Key()]
	if !ok {
		return item.Item{}, fmt.Errorf("%w: %x", perrors.ErrNotFound, v)
	}
	return it, nil
}

type fakeMeta struct {
	m map[string][]byte
}

func newFakeMeta() *fakeMeta { return &fakeMeta{m: map[string][]byte{}} }

func (f *fakeMeta) SetMeta(key string, value []byte) error {
	f.m[key] = append([]byte{}, value...)
	return nil
}

func (f *fakeMeta) GetMeta(key string) ([]byte, error) {
	v, ok := f.m[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func newEquiv(t *testing.T) *EquivCache {
	t.Helper()
	c, err := NewEquivCache(newFakeMeta(), 16)
	require.NoError(t, err)
	return c
}

const pe = "peer1"

// No local counterpart: always adopted regardless of remote's own ancestry.
func TestComputeAdoptsWhenNoLocalHead(t *testing.T) {
	remoteSrc := newFakeSource()
	remote := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{1}, Pe: pe}, B: item.Document{"a": int32(1)}}
	remoteSrc.put(remote)

	res, err := Compute(newFakeSource(), remoteSrc, newEquiv(t), pe, nil, &remote)
	require.NoError(t, err)
	assert.Equal(t, FastForward, res.Outcome)
	assert.Equal(t, remote.B, res.Merged)
}

// A remote head that descends from the current local head via a
// previously recorded equivalence fast-forwards.
func TestComputeFastForwardWhenRemoteDescendsLocal(t *testing.T) {
	localSrc := newFakeSource()
	remoteSrc := newFakeSource()
	equiv := newEquiv(t)

	localV1 := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{1}}, B: item.Document{"a": int32(1)}}
	localSrc.put(localV1)

	remoteV1 := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{101}, Pe: pe}, B: item.Document{"a": int32(1)}}
	remoteV2 := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{102}, Pa: []item.Version{remoteV1.H.V}, Pe: pe}, B: item.Document{"a": int32(2)}}
	remoteSrc.put(remoteV1)
	remoteSrc.put(remoteV2)

	require.NoError(t, equiv.Record(pe, remoteV1.H.V, localV1.H.V))

	res, err := Compute(localSrc, remoteSrc, equiv, pe, &localV1, &remoteV2)
	require.NoError(t, err)
	assert.Equal(t, FastForward, res.Outcome)
	assert.Equal(t, remoteV2.B, res.Merged)
}

// Concurrent divergent edits on distinct fields merge cleanly.
func TestComputeThreeWayMergesDisjointFields(t *testing.T) {
	localSrc := newFakeSource()
	remoteSrc := newFakeSource()
	equiv := newEquiv(t)

	lcaLocal := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{9}}, B: item.Document{"a": int32(1), "b": int32(1)}}
	localHead := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{8}, Pa: []item.Version{lcaLocal.H.V}}, B: item.Document{"a": int32(2), "b": int32(1)}}
	localSrc.put(lcaLocal)
	localSrc.put(localHead)

	lcaRemote := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{7}, Pe: pe}, B: item.Document{"a": int32(1), "b": int32(1)}}
	remoteHead := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{6}, Pa: []item.Version{lcaRemote.H.V}, Pe: pe}, B: item.Document{"a": int32(1), "b": int32(2)}}
	remoteSrc.put(lcaRemote)
	remoteSrc.put(remoteHead)

	require.NoError(t, equiv.Record(pe, lcaRemote.H.V, lcaLocal.H.V))

	res, err := Compute(localSrc, remoteSrc, equiv, pe, &localHead, &remoteHead)
	require.NoError(t, err)
	require.Equal(t, ThreeWay, res.Outcome)
	assert.Equal(t, item.Document{"a": int32(2), "b": int32(2)}, res.Merged)
	require.NotNil(t, res.LCA)
	assert.True(t, res.LCA.H.V.Equal(lcaLocal.H.V))
}

// A field changed on both sides to different values conflicts.
func TestComputeFieldConflict(t *testing.T) {
	localSrc := newFakeSource()
	remoteSrc := newFakeSource()
	equiv := newEquiv(t)

	lcaLocal := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{9}}, B: item.Document{"a": int32(1)}}
	localHead := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{8}, Pa: []item.Version{lcaLocal.H.V}}, B: item.Document{"a": int32(2)}}
	localSrc.put(lcaLocal)
	localSrc.put(localHead)

	lcaRemote := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{7}, Pe: pe}, B: item.Document{"a": int32(1)}}
	remoteHead := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{6}, Pa: []item.Version{lcaRemote.H.V}, Pe: pe}, B: item.Document{"a": int32(3)}}
	remoteSrc.put(lcaRemote)
	remoteSrc.put(remoteHead)

	require.NoError(t, equiv.Record(pe, lcaRemote.H.V, lcaLocal.H.V))

	res, err := Compute(localSrc, remoteSrc, equiv, pe, &localHead, &remoteHead)
	require.NoError(t, err)
	assert.Equal(t, FieldConflict, res.Outcome)
	assert.Equal(t, "a", res.ConflictField)
}

// A tombstone on one side against an unchanged other side resolves to a
// deletion, and the resulting item carries no body.
func TestComputeTombstoneVsUnchangedDeletes(t *testing.T) {
	localSrc := newFakeSource()
	remoteSrc := newFakeSource()
	equiv := newEquiv(t)

	lcaLocal := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{9}}, B: item.Document{"a": int32(1)}}
	localHead := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{8}, Pa: []item.Version{lcaLocal.H.V}, D: true}}
	localSrc.put(lcaLocal)
	localSrc.put(localHead)

	lcaRemote := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{7}, Pe: pe}, B: item.Document{"a": int32(1)}}
	remoteHead := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{6}, Pa: []item.Version{lcaRemote.H.V}, Pe: pe}, B: item.Document{"a": int32(1)}}
	remoteSrc.put(lcaRemote)
	remoteSrc.put(remoteHead)

	require.NoError(t, equiv.Record(pe, lcaRemote.H.V, lcaLocal.H.V))

	res, err := Compute(localSrc, remoteSrc, equiv, pe, &localHead, &remoteHead)
	require.NoError(t, err)
	require.Equal(t, ThreeWay, res.Outcome)
	assert.True(t, res.Deleted)
	assert.Nil(t, res.Merged)
}

// Two unrelated non-empty histories for the same id, no recorded
// equivalence: no common ancestor exists -> root conflict.
func TestComputeRootConflictWhenNoEquivalenceRecorded(t *testing.T) {
	localSrc := newFakeSource()
	remoteSrc := newFakeSource()
	equiv := newEquiv(t)

	localHead := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{8}}, B: item.Document{"a": int32(1)}}
	remoteHead := item.Item{H: item.Header{Id: []byte("x"), V: item.Version{6}, Pe: pe}, B: item.Document{"a": int32(3)}}
	localSrc.put(localHead)
	remoteSrc.put(remoteHead)

	res, err := Compute(localSrc, remoteSrc, equiv, pe, &localHead, &remoteHead)
	require.NoError(t, err)
	assert.Equal(t, RootConflict, res.Outcome)
}
