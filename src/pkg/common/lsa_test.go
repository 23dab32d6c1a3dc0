package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLSAOrdering(t *testing.T) {
	a := NewLSA(10, 40)
	b := NewLSA(10, 80)
	c := NewLSA(11, 0)

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.Equal(t, 0, a.Compare(NewLSA(10, 40)))
	assert.True(t, NilLSA.Less(a))
	assert.Equal(t, c, MaxLSA(a, c))
}

func TestLSASerializedSize(t *testing.T) {
	l := NewLSA(1<<40, 77)
	b, err := l.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, SerializedLSASize, len(b))

	var got LSA
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, l, got)

	assert.Error(t, got.UnmarshalBinary(b[:5]))
}

func TestNilLSA(t *testing.T) {
	assert.True(t, NilLSA.IsNil())
	assert.Equal(t, "(nil)", NilLSA.String())
	assert.Equal(t, "(3|12)", NewLSA(3, 12).String())
}
