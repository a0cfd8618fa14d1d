package hashutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMD5OfBytes(t *testing.T) {
	got := MD5OfBytes([]byte("abc"))
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", got.String())
}

func TestMD5DecodeJigdoAlphabet(t *testing.T) {
	got, err := MD5Decode("kA9tHRbytQQ-bdfqEx1WXg")
	require.NoError(t, err)
	assert.Equal(t, "900f6d1d16f2b5043e6dd7ea131d565e", got.String())
}

func TestMD5DecodeRoundTrip(t *testing.T) {
	digest := MD5OfBytes([]byte("the quick brown fox"))

	// Re-encode digest with the standard base64 alphabet, unpadded to
	// 22 characters, and confirm MD5Decode recovers the original bytes.
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	encode := func(d Md5) string {
		var out []byte
		for i := 0; i < 15; i += 3 {
			n := uint32(d[i])<<16 | uint32(d[i+1])<<8 | uint32(d[i+2])
			out = append(out, alphabet[(n>>18)&0x3f], alphabet[(n>>12)&0x3f], alphabet[(n>>6)&0x3f], alphabet[n&0x3f])
		}
		n := uint32(d[15]) << 16
		out = append(out, alphabet[(n>>18)&0x3f], alphabet[(n>>12)&0x3f])
		return string(out)
	}

	encoded := encode(digest)
	require.Len(t, encoded, 22)

	decoded, err := MD5Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, digest, decoded)
}

func TestMD5DecodeRejectsInvalidSymbol(t *testing.T) {
	_, err := MD5Decode("!!!!!!!!!!!!!!!!!!!!!!")
	assert.Error(t, err)
}

func TestMD5DecodeRejectsWrongLength(t *testing.T) {
	_, err := MD5Decode("tooshort")
	assert.Error(t, err)
}

func TestMD5OfFD(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "hashutil-")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)

	got := MD5OfFD(f)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", got.String())
	assert.False(t, got.IsSentinel())
}

func TestMD5OfFDLargerThanWindow(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "hashutil-")
	require.NoError(t, err)
	defer f.Close()

	pageSize := os.Getpagesize()
	data := make([]byte, pageSize*windowPages+17)
	for i := range data {
		data[i] = byte(i % 251)
	}
	_, err = f.Write(data)
	require.NoError(t, err)

	got := MD5OfFD(f)
	want := MD5OfBytes(data)
	assert.Equal(t, want, got)
}

func TestMd5CompareAndEqual(t *testing.T) {
	a := MD5OfBytes([]byte("a"))
	b := MD5OfBytes([]byte("b"))

	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
	assert.NotZero(t, a.Compare(b))
	assert.Zero(t, a.Compare(a))
}
