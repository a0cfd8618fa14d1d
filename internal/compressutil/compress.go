// Package compressutil implements pigdo's one-shot decompression
// primitives: the zlib/bzip2 codecs used by the template's inner DATA
// stream, and whole-file gzip detection/inflation used when opening a
// textual manifest that arrived gzip-wrapped.
package compressutil

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	pigdoerrors "github.com/dadap/pigdo/internal/errors"
)

// Kind identifies which codec Decompress should use for a chunk.
type Kind int

const (
	Zlib Kind = iota
	Bzip2
)

// Decompress inflates in using the codec named by kind into a
// newly-allocated buffer of exactly outLen bytes. It returns a
// DecodeError if the underlying codec fails, if the input is
// truncated, or if the decompressed length does not equal outLen -
// the template format always tells the decoder exactly how many
// bytes a chunk should expand to, so any mismatch means either a
// corrupt template or a codec bug.
func Decompress(kind Kind, in []byte, outLen int) ([]byte, error) {
	switch kind {
	case Zlib:
		return decompressZlib(in, outLen)
	case Bzip2:
		return decompressBzip2(in, outLen)
	default:
		return nil, pigdoerrors.NewDecodeError("decompress", fmt.Errorf("unknown compression kind %d", kind))
	}
}

func decompressZlib(in []byte, outLen int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, pigdoerrors.NewDecodeError("zlib init", err)
	}
	defer r.Close()

	out := make([]byte, outLen)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, pigdoerrors.NewDecodeError("zlib inflate", err)
	}
	if n != outLen {
		return nil, pigdoerrors.NewDecodeError("zlib inflate", fmt.Errorf("expected %d bytes, got %d", outLen, n))
	}

	// Confirm the stream is actually exhausted: a chunk that claims
	// outLen bytes but inflates to more is as much a format violation
	// as inflating to fewer.
	var extra [1]byte
	if extraN, _ := r.Read(extra[:]); extraN > 0 {
		return nil, pigdoerrors.NewDecodeError("zlib inflate", fmt.Errorf("decompressed output exceeds expected %d bytes", outLen))
	}

	return out, nil
}

// bzip2 decompression has no one-shot API in the example pack's
// dependency set (klauspost/compress does not implement bzip2
// encoding or decoding, and no other vendored dependency does
// either), so this falls back to the standard library's compress/bzip2
// reader. See DESIGN.md for the justification.
func decompressBzip2(in []byte, outLen int) ([]byte, error) {
	r := newBzip2Reader(bytes.NewReader(in))

	out := make([]byte, outLen)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, pigdoerrors.NewDecodeError("bzip2 decompress", err)
	}
	if n != outLen {
		return nil, pigdoerrors.NewDecodeError("bzip2 decompress", fmt.Errorf("expected %d bytes, got %d", outLen, n))
	}

	var extra [1]byte
	if extraN, _ := r.Read(extra[:]); extraN > 0 {
		return nil, pigdoerrors.NewDecodeError("bzip2 decompress", fmt.Errorf("decompressed output exceeds expected %d bytes", outLen))
	}

	return out, nil
}

// GunzipResult is the outcome of MaybeGunzipInPlace: either the
// original path (untouched) or a scratch file holding the inflated
// contents, which the caller is responsible for removing.
type GunzipResult struct {
	Path      string
	Scratch   bool
	cleanupFn func() error
}

// Close removes the scratch file if one was created; it is a no-op
// when the original handle was returned unmodified.
func (g GunzipResult) Close() error {
	if g.cleanupFn != nil {
		return g.cleanupFn()
	}
	return nil
}

// MaybeGunzipInPlace inspects path and, if it is gzip-framed, inflates
// it into a uniquely-named scratch file and returns that file's path.
// Non-gzip files are returned unchanged. This is used only for
// textual manifests (.jigdo files); the .template's inner stream uses
// its own block framing and is never gzip-wrapped.
func MaybeGunzipInPlace(path string) (GunzipResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return GunzipResult{}, pigdoerrors.NewIoError("open for gzip detection", err)
	}
	defer f.Close()

	var magic [2]byte
	n, err := f.Read(magic[:])
	if err != nil && err != io.EOF {
		return GunzipResult{}, pigdoerrors.NewIoError("read gzip magic", err)
	}
	if n < 2 || magic[0] != 0x1f || magic[1] != 0x8b {
		return GunzipResult{Path: path}, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return GunzipResult{}, pigdoerrors.NewIoError("rewind for gzip", err)
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return GunzipResult{}, pigdoerrors.NewDecodeError("gzip open", err)
	}
	defer gz.Close()

	scratchPath := path + ".pigdo-" + uuid.NewString() + ".gunzip"
	scratch, err := os.Create(scratchPath)
	if err != nil {
		return GunzipResult{}, pigdoerrors.NewIoError("create gzip scratch file", err)
	}

	if _, err := io.Copy(scratch, gz); err != nil {
		scratch.Close()
		os.Remove(scratchPath)
		return GunzipResult{}, pigdoerrors.NewDecodeError("gzip inflate", err)
	}

	if err := scratch.Close(); err != nil {
		os.Remove(scratchPath)
		return GunzipResult{}, pigdoerrors.NewIoError("close gzip scratch file", err)
	}

	return GunzipResult{
		Path:    scratchPath,
		Scratch: true,
		cleanupFn: func() error {
			return os.Remove(scratchPath)
		},
	}, nil
}
