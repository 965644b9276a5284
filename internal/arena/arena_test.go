package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertGet(t *testing.T) {
	a := New[string](2)

	h1, err := a.Insert("one")
	require.NoError(t, err)
	h2, err := a.Insert("two")
	require.NoError(t, err)

	_, err = a.Insert("three")
	assert.ErrorIs(t, err, ErrFull)

	v, ok := a.Get(h1)
	assert.True(t, ok)
	assert.Equal(t, "one", v)
	v, ok = a.Get(h2)
	assert.True(t, ok)
	assert.Equal(t, "two", v)
	assert.Equal(t, 2, a.Len())
}

func TestStaleHandleRejected(t *testing.T) {
	a := New[int](4)
	h1, _ := a.Insert(1)
	h2, _ := a.Insert(2)

	_, ok := a.Remove(h1)
	require.True(t, ok)

	// The freed slot is reused, but the old handle must not resolve to it.
	h3, err := a.Insert(3)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	_, ok = a.Get(h1)
	assert.False(t, ok)
	_, ok = a.Remove(h1)
	assert.False(t, ok)

	// Removal does not move other entries.
	v, ok := a.Get(h2)
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestZeroHandle(t *testing.T) {
	a := New[int](1)
	_, _ = a.Insert(7)

	var h Handle
	assert.False(t, h.Valid())
	_, ok := a.Get(h)
	assert.False(t, ok)
}

func TestFindRange(t *testing.T) {
	a := New[int](8)
	for i := 0; i < 5; i++ {
		_, _ = a.Insert(i * 10)
	}

	h, v, ok := a.Find(func(v int) bool { return v == 30 })
	require.True(t, ok)
	assert.Equal(t, 30, v)
	got, _ := a.Get(h)
	assert.Equal(t, 30, got)

	_, _, ok = a.Find(func(v int) bool { return v == 31 })
	assert.False(t, ok)

	var seen []int
	a.Range(func(_ Handle, v int) bool {
		seen = append(seen, v)
		return len(seen) < 3
	})
	assert.Equal(t, []int{0, 10, 20}, seen)
}
