package imagelayout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSizesNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")

	img, err := Open(path, 4096)
	require.NoError(t, err)
	defer img.File.Close()

	assert.False(t, img.ExistingFile)

	info, err := img.File.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size())
}

func TestOpenDetectsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))

	img, err := Open(path, 4096)
	require.NoError(t, err)
	defer img.File.Close()

	assert.True(t, img.ExistingFile)
}

func TestMapRangeWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	pageSize := os.Getpagesize()
	size := uint64(pageSize*2 + 37)

	img, err := Open(path, size)
	require.NoError(t, err)
	defer img.File.Close()

	offset := uint64(pageSize) + 13
	length := uint64(50)

	mapped, dataStart, err := img.MapRange(offset, length)
	require.NoError(t, err)

	payload := []byte("01234567890123456789012345678901234567890123456789")[:length]
	copy(mapped[dataStart:], payload)

	require.NoError(t, SyncRange(mapped, true))
	require.NoError(t, Unmap(mapped))

	roMapped, roStart, err := img.MapRangeReadOnly(offset, length)
	require.NoError(t, err)
	assert.Equal(t, payload, roMapped[roStart:roStart+int(length)])
	require.NoError(t, Unmap(roMapped))
}

func TestMapRangeRejectsZeroLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	img, err := Open(path, 4096)
	require.NoError(t, err)
	defer img.File.Close()

	_, _, err = img.MapRange(0, 0)
	assert.Error(t, err)
}
