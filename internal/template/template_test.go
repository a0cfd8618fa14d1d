package template

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/dadap/pigdo/internal/hashutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putU48LE(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:6]
}

// buildS1Template constructs the minimal one-Data-entry template
// described by the seed scenario: a single 5-byte "hello" verbatim
// region, zlib-compressed in the inner stream.
func buildS1Template(t *testing.T) []byte {
	t.Helper()

	var buf []byte
	buf = append(buf, []byte("JigsawDownload template 1.0\r\n\r\n\r\n")...)

	compressed := []byte{0x78, 0x9c, 0xcb, 0x48, 0xcd, 0xc9, 0xc9, 0x07, 0x00, 0x06, 0x2c, 0x02, 0x15}
	buf = append(buf, []byte("DATA")...)
	buf = append(buf, putU48LE(uint64(16+len(compressed)))...)
	buf = append(buf, putU48LE(5)...)
	buf = append(buf, compressed...)

	var entries []byte
	entries = append(entries, 2)
	entries = append(entries, putU48LE(5)...)

	entries = append(entries, 1)
	entries = append(entries, putU48LE(5)...)
	md5 := hashutil.MD5OfBytes([]byte("hello"))
	entries = append(entries, md5[:]...)

	tableSize := uint64(16 + len(entries))
	buf = append(buf, []byte("DESC")...)
	buf = append(buf, putU48LE(tableSize)...)
	buf = append(buf, entries...)
	buf = append(buf, putU48LE(tableSize)...)

	return buf
}

func TestDecoderS1MinimalOneDataEntry(t *testing.T) {
	raw := buildS1Template(t)

	f, err := os.CreateTemp(t.TempDir(), "template-")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(raw)
	require.NoError(t, err)

	dec := NewDecoder(f)
	require.NoError(t, dec.ValidateHeader())

	table, err := dec.ReadDescTable()
	require.NoError(t, err)

	require.Len(t, table.DataBlocks, 1)
	assert.Equal(t, uint64(0), table.DataBlocks[0].Offset)
	assert.Equal(t, uint64(5), table.DataBlocks[0].Size)
	assert.Equal(t, uint64(5), table.ImageInfo.Size)
	assert.Equal(t, hashutil.MD5OfBytes([]byte("hello")), table.ImageInfo.MD5)
	assert.Empty(t, table.Files)

	require.NoError(t, dec.ValidateHeader())
	decompressed, err := dec.DecodeDataStream(table.TotalSize())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(decompressed))

	out, err := os.CreateTemp(t.TempDir(), "image-")
	require.NoError(t, err)
	defer out.Close()
	require.NoError(t, out.Truncate(int64(table.ImageInfo.Size)))

	require.NoError(t, ScatterWrite(int(out.Fd()), table.DataBlocks, decompressed))

	contents := make([]byte, table.ImageInfo.Size)
	_, err = out.ReadAt(contents, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(contents))
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", hashutil.MD5OfBytes(contents).String())
}

func TestValidateHeaderRejectsWrongVersion(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "template-")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write([]byte("JigsawDownload template 2.0\r\n\r\n\r\n"))
	require.NoError(t, err)

	dec := NewDecoder(f)
	assert.Error(t, dec.ValidateHeader())
}

func TestReadDescTableRejectsUnknownEntryType(t *testing.T) {
	var entries []byte
	entries = append(entries, 7)
	entries = append(entries, putU48LE(5)...)

	tableSize := uint64(16 + len(entries))
	var buf []byte
	buf = append(buf, []byte("DESC")...)
	buf = append(buf, putU48LE(tableSize)...)
	buf = append(buf, entries...)
	buf = append(buf, putU48LE(tableSize)...)

	f, err := os.CreateTemp(t.TempDir(), "template-")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(buf)
	require.NoError(t, err)

	dec := NewDecoder(f)
	_, err = dec.ReadDescTable()
	assert.Error(t, err)
}

func TestReadDescTableRejectsZeroSizeEntry(t *testing.T) {
	var entries []byte
	entries = append(entries, 2)
	entries = append(entries, putU48LE(0)...)

	tableSize := uint64(16 + len(entries))
	var buf []byte
	buf = append(buf, []byte("DESC")...)
	buf = append(buf, putU48LE(tableSize)...)
	buf = append(buf, entries...)
	buf = append(buf, putU48LE(tableSize)...)

	f, err := os.CreateTemp(t.TempDir(), "template-")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(buf)
	require.NoError(t, err)

	dec := NewDecoder(f)
	_, err = dec.ReadDescTable()
	assert.Error(t, err)
}

func TestReadDescTableMixedLegacyAndModernEntries(t *testing.T) {
	var entries []byte

	// Legacy File entry (type 3): size + md5, no rsync64.
	entries = append(entries, 3)
	entries = append(entries, putU48LE(3)...)
	fileMD5 := hashutil.MD5OfBytes([]byte("abc"))
	entries = append(entries, fileMD5[:]...)

	// Modern ImageInfo entry (type 5): size + md5 + u32 block length.
	entries = append(entries, 5)
	entries = append(entries, putU48LE(3)...)
	imgMD5 := hashutil.MD5OfBytes([]byte("abc"))
	entries = append(entries, imgMD5[:]...)
	entries = append(entries, 0, 0, 0, 0)

	tableSize := uint64(16 + len(entries))
	var buf []byte
	buf = append(buf, []byte("DESC")...)
	buf = append(buf, putU48LE(tableSize)...)
	buf = append(buf, entries...)
	buf = append(buf, putU48LE(tableSize)...)

	f, err := os.CreateTemp(t.TempDir(), "template-")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(buf)
	require.NoError(t, err)

	dec := NewDecoder(f)
	table, err := dec.ReadDescTable()
	require.NoError(t, err)

	require.Len(t, table.Files, 1)
	assert.Equal(t, uint64(3), table.Files[0].Size)
	assert.Equal(t, fileMD5, table.Files[0].MD5)
	assert.Equal(t, uint64(3), table.ImageInfo.Size)
}

func TestCommitStatusEligibility(t *testing.T) {
	assert.True(t, NotStarted.Eligible())
	assert.True(t, Error.Eligible())
	assert.True(t, LocalCopy.Eligible())
	assert.False(t, Assigned.Eligible())
	assert.False(t, InProgress.Eligible())
	assert.False(t, Complete.Eligible())
	assert.False(t, FatalError.Eligible())

	assert.True(t, Complete.Terminal())
	assert.True(t, FatalError.Terminal())
	assert.False(t, Error.Terminal())
}
