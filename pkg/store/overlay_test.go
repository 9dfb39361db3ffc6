package store

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTempFileStore(t *testing.T, pages int64) *File {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "overlay_store_test")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.Truncate(pages*testPageSize))

	return NewFile(f, 0, pages*testPageSize)
}

func TestOverlayReadsFallThroughToBase(t *testing.T) {
	t.Parallel()

	base := newTempFileStore(t, 4)
	local := newTempFileStore(t, 4)

	baseData := bytes.Repeat([]byte{0x77}, int(testPageSize))
	_, err := base.WriteAt(baseData, testPageSize)
	require.NoError(t, err)

	o := NewOverlay(base, local, testPageSize, false)

	got := make([]byte, testPageSize)
	_, err = o.ReadAt(got, testPageSize)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(baseData, got))
}

func TestOverlayWritesShadowBase(t *testing.T) {
	t.Parallel()

	base := newTempFileStore(t, 4)
	local := newTempFileStore(t, 4)

	baseData := bytes.Repeat([]byte{0x01}, int(testPageSize))
	_, err := base.WriteAt(baseData, 0)
	require.NoError(t, err)

	o := NewOverlay(base, local, testPageSize, false)

	localData := bytes.Repeat([]byte{0x02}, int(testPageSize))
	_, err = o.WriteAt(localData, 0)
	require.NoError(t, err)

	got := make([]byte, testPageSize)
	_, err = o.ReadAt(got, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(localData, got))

	// The base is untouched.
	_, err = base.ReadAt(got, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(baseData, got))
}

func TestOverlayCacheReadsPromote(t *testing.T) {
	t.Parallel()

	base := newTempFileStore(t, 4)
	local := newTempFileStore(t, 4)

	baseData := bytes.Repeat([]byte{0x99}, int(testPageSize))
	_, err := base.WriteAt(baseData, 2*testPageSize)
	require.NoError(t, err)

	o := NewOverlay(base, local, testPageSize, true)

	got := make([]byte, testPageSize)
	_, err = o.ReadAt(got, 2*testPageSize)
	require.NoError(t, err)

	// The page is now served from the local store.
	_, err = local.ReadAt(got, 2*testPageSize)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(baseData, got))
}
