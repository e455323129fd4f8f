package item

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	it := Item{
		H: Header{Id: []byte("abc"), V: Version{1, 2, 3}, Pa: []Version{{9, 9, 9}}, I: 4},
		B: Document{"some": true},
	}

	raw, err := Encode(it)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, it.H.Id, got.H.Id)
	assert.True(t, it.H.V.Equal(got.H.V))
	assert.Equal(t, it.B["some"], got.B["some"])
}

func TestValidateRejectsTooManyParents(t *testing.T) {
	it := Item{H: Header{Id: []byte("x"), Pa: []Version{{1}, {2}, {3}}}}
	assert.Error(t, it.Validate(0))
}

func TestValidateRejectsEmptyId(t *testing.T) {
	it := Item{H: Header{V: Version{1, 2, 3}}}
	assert.Error(t, it.Validate(3))
}

func TestValidateRejectsWrongVersionSize(t *testing.T) {
	it := Item{H: Header{Id: []byte("x"), V: Version{1, 2}}}
	assert.Error(t, it.Validate(3))
}

func TestValidateRejectsTombstoneWithBody(t *testing.T) {
	it := Item{H: Header{Id: []byte("x"), D: true}, B: Document{"a": 1}}
	assert.Error(t, it.Validate(0))
}

func TestVersionEqual(t *testing.T) {
	a := Version{1, 2, 3}
	b := Version{1, 2, 3}
	c := Version{1, 2, 4}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, Version(nil).IsZero())
	assert.False(t, a.IsZero())
}
