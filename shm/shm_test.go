package shm

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapMapperSharesByName(t *testing.T) {
	m := NewHeapMapper(64)

	a, err := m.Map("bulk")
	require.NoError(t, err)
	b, err := m.Map("bulk")
	require.NoError(t, err)
	other, err := m.Map("other")
	require.NoError(t, err)

	assert.Equal(t, 64, a.Size())
	assert.Equal(t, "bulk", a.Name())
	assert.Equal(t, uintptr(0), a.FD())

	copy(a.Bytes(), "TEST")
	assert.Equal(t, "TEST", string(b.Bytes()[:4]))
	assert.NotEqual(t, "TEST", string(other.Bytes()[:4]))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Nil(t, a.Bytes())

	// b still holds a reference, the bytes survive.
	assert.Equal(t, "TEST", string(b.Bytes()[:4]))
	require.NoError(t, b.Close())

	// Last reference gone: a fresh mapping starts zeroed.
	c, err := m.Map("bulk")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, c.Bytes()[:4])
}

func TestHeapMapperEmptyName(t *testing.T) {
	_, err := NewHeapMapper(0).Map("")
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestFileMapper(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "plan9" || runtime.GOOS == "js" {
		t.Skip("file mappings need a unix platform")
	}

	m := FileMapper{Dir: t.TempDir(), Size: 8192}

	a, err := m.Map("chan1")
	require.NoError(t, err)
	defer a.Close()
	b, err := m.Map("chan1")
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 8192, a.Size())
	assert.NotZero(t, a.FD())

	copy(a.Bytes()[100:], "shared")
	assert.Equal(t, "shared", string(b.Bytes()[100:106]))
}
