package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseRegistry_RegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("one", 1))
	require.NoError(t, r.Register("two", 2))

	v, ok := r.Get("one")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestBaseRegistry_DuplicateRejected(t *testing.T) {
	r := NewBaseRegistry[string]()

	require.NoError(t, r.Register("x", "a"))
	assert.Error(t, r.Register("x", "b"))
	assert.Error(t, r.Register("", "c"))
}

func TestBaseRegistry_NamesSorted(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("zebra", 1))
	require.NoError(t, r.Register("alpha", 2))
	require.NoError(t, r.Register("mid", 3))

	assert.Equal(t, []string{"alpha", "mid", "zebra"}, r.Names())
	assert.Equal(t, []int{2, 3, 1}, r.List())
}

func TestBaseRegistry_RemoveAndClear(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Remove("a"))
	assert.Error(t, r.Remove("a"))

	require.NoError(t, r.Register("b", 2))
	r.Clear()
	assert.Zero(t, r.Count())
}
