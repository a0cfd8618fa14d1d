// Package hashutil computes and decodes MD5 digests the way pigdo's
// reconstruction pipeline needs them: over in-memory buffers, over
// mmap-windowed file ranges, and from the 22-character unpadded base64
// encoding that jigdo manifests use.
package hashutil

import (
	"crypto/md5"
	"io"
	"os"

	"golang.org/x/sys/unix"

	pigdoerrors "github.com/dadap/pigdo/internal/errors"
)

// Size is the length in bytes of an MD5 digest.
const Size = md5.Size

// Md5 is a 16-byte MD5 digest with a total lexicographic ordering,
// letting a slice of FileEntry-like values be sorted and binary
// searched by digest.
type Md5 [Size]byte

// Compare returns -1, 0, or 1 as m is lexicographically less than,
// equal to, or greater than other, matching memcmp semantics.
func (m Md5) Compare(other Md5) int {
	for i := range m {
		if m[i] != other[i] {
			if m[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Equal reports whether m and other hold the same digest.
func (m Md5) Equal(other Md5) bool {
	return m == other
}

// String returns the lowercase hex representation of m.
func (m Md5) String() string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 0, Size*2)
	for _, b := range m {
		out = append(out, hexdigits[b>>4], hexdigits[b&0xf])
	}
	return string(out)
}

// IsSentinel reports whether m is the all-ones digest MD5OfFD returns
// on I/O failure. A real MD5 is astronomically unlikely to collide
// with it, so callers treat it as an error marker, not a valid sum.
func (m Md5) IsSentinel() bool {
	for _, b := range m {
		if b != 0xff {
			return false
		}
	}
	return true
}

func sentinel() Md5 {
	var m Md5
	for i := range m {
		m[i] = 0xff
	}
	return m
}

// MD5OfBytes returns the MD5 digest of b.
func MD5OfBytes(b []byte) Md5 {
	return Md5(md5.Sum(b))
}

// windowPages is the number of pages mapped per MD5OfFD window,
// matching the source's getpagesize()*1024 window size.
const windowPages = 1024

// MD5OfFD hashes the full contents of f using page-aligned mmap
// windows of windowPages pages each, falling back to buffered reads
// if mapping fails (e.g. on a filesystem that disallows mmap). It
// returns the all-ones sentinel digest if any I/O error occurs.
func MD5OfFD(f *os.File) Md5 {
	info, err := f.Stat()
	if err != nil {
		return sentinel()
	}

	size := info.Size()
	pageSize := int64(os.Getpagesize())
	windowSize := pageSize * windowPages

	h := md5.New()

	for pos := int64(0); pos < size; pos += windowSize {
		toRead := size - pos
		if toRead > windowSize {
			toRead = windowSize
		}

		buf, mmapErr := unix.Mmap(int(f.Fd()), pos, int(toRead), unix.PROT_READ, unix.MAP_PRIVATE)
		if mmapErr != nil {
			if bufErr := hashBuffered(h, f, pos, toRead); bufErr != nil {
				return sentinel()
			}
			continue
		}

		h.Write(buf)
		if unmapErr := unix.Munmap(buf); unmapErr != nil {
			return sentinel()
		}
	}

	var out Md5
	copy(out[:], h.Sum(nil))
	return out
}

// hashBuffered is the buffered-read fallback path used by MD5OfFD when
// mmap is unavailable for the window starting at pos.
func hashBuffered(h io.Writer, f *os.File, pos, length int64) error {
	sr := io.NewSectionReader(f, pos, length)
	_, err := io.Copy(h, sr)
	return err
}

// b64ValidSymbol and b64Symbol decode the jigdo/standard base64
// lookup table: high bit set means "assigned", low 6 bits are the
// symbol's value. Both '+' / '/' (standard) and '-' / '_' (jigdo) map
// to the same values 62 and 63 respectively, since the two alphabets
// never conflict on any other symbol.
var b64Table = func() [256]uint8 {
	var t [256]uint8
	assign := func(c byte, v uint8) { t[c] = 0x80 | v }
	assign('+', 62)
	assign('-', 62)
	assign('/', 63)
	assign('_', 63)
	for i, c := range "0123456789" {
		assign(byte(c), uint8(52+i))
	}
	for i, c := range "ABCDEFGHIJKLMNOPQRSTUVWXYZ" {
		assign(byte(c), uint8(i))
	}
	for i, c := range "abcdefghijklmnopqrstuvwxyz" {
		assign(byte(c), uint8(26+i))
	}
	return t
}()

func b64ValidSymbol(c byte) bool {
	return b64Table[c]&0x80 != 0
}

func b64Symbol(c byte) uint8 {
	return b64Table[c] & 0x3f
}

// base64To3ByteIntVal decodes up to four base64 symbols from in into
// the low 24 bits of an int32. Jigdo base64 is unpadded: if a NUL or
// '=' is hit before four symbols are consumed, the partially decoded
// value is left-shifted by 12 bits so the caller's 3-byte expansion
// lands where a full 4-symbol group would have put it. Returns -1 on
// any invalid symbol.
func base64To3ByteIntVal(in string) int32 {
	var val int32
	for i := 0; i < 4; i++ {
		if i >= len(in) || in[i] == 0 || in[i] == '=' {
			val <<= 12
			break
		}
		if !b64ValidSymbol(in[i]) {
			return -1
		}
		val = val*64 + int32(b64Symbol(in[i]))
	}
	return val
}

func getByteFromWord(word int32, byteIdx int) byte {
	shift := 8 * (2 - byteIdx)
	return byte((word >> shift) & 0xff)
}

// md5Base64Len is the length of an unpadded base64-encoded MD5 sum:
// ceil(16*4/3) rounded down to whole groups, i.e. 22 symbols encoding
// 16 bytes across 6 groups of up to 3 bytes (the last group supplies
// only 1 byte from its 12 usable bits).
const md5Base64Len = 22

// MD5Decode decodes a 22-character unpadded base64 string into an
// Md5, accepting both the standard ('+'/'/') and jigdo ('-'/'_')
// alphabets, including within the same string. Returns a FormatError
// if in is not exactly 22 characters or contains an invalid symbol.
func MD5Decode(in string) (Md5, error) {
	var out Md5

	if len(in) != md5Base64Len {
		return out, pigdoerrors.NewFormatError("md5 base64 length", errInvalidLength)
	}

	byteIdx := 0
	for i := 0; i < md5Base64Len && byteIdx < Size; i += 4 {
		end := i + 4
		if end > len(in) {
			end = len(in)
		}
		decoded := base64To3ByteIntVal(in[i:end])
		if decoded < 0 {
			return Md5{}, pigdoerrors.NewFormatError("md5 base64 symbol", errInvalidSymbol)
		}
		for j := 0; j < 3 && byteIdx < Size; j++ {
			out[byteIdx] = getByteFromWord(decoded, j)
			byteIdx++
		}
	}

	return out, nil
}

var (
	errInvalidLength = errInvalid("base64 md5 must be 22 characters")
	errInvalidSymbol = errInvalid("invalid base64 symbol")
)

type errInvalid string

func (e errInvalid) Error() string { return string(e) }
