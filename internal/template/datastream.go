package template

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/dadap/pigdo/internal/compressutil"

	pigdoerrors "github.com/dadap/pigdo/internal/errors"
)

// chunkHeaderLen is the fixed framing size preceding a chunk's
// compressed payload: a 4-byte ASCII tag plus two 6-byte LE sizes.
const chunkHeaderLen = 4 + u48Len + u48Len

// DecodeDataStream reads the template's inner stream of compressed
// chunks, immediately following ValidateHeader's seek position, and
// returns their concatenated decompressed bytes. The caller must have
// already called ValidateHeader. Reading stops at the first "DESC"
// tag, which marks the start of the trailer-indexed table handled by
// ReadDescTable.
func (d *Decoder) DecodeDataStream(totalSize uint64) ([]byte, error) {
	out := make([]byte, 0, totalSize)

	for {
		var header [chunkHeaderLen]byte
		if _, err := io.ReadFull(d.f, header[:4]); err != nil {
			return nil, pigdoerrors.NewFormatError("data stream chunk tag", err)
		}

		tag := string(header[:4])
		if tag == descHeaderTag {
			break
		}

		var kind compressutil.Kind
		switch tag {
		case "DATA":
			kind = compressutil.Zlib
		case "BZIP":
			kind = compressutil.Bzip2
		default:
			return nil, pigdoerrors.NewFormatError("data stream chunk tag", fmt.Errorf("unrecognized chunk tag %q", tag))
		}

		var sizes [2 * u48Len]byte
		if _, err := io.ReadFull(d.f, sizes[:]); err != nil {
			return nil, pigdoerrors.NewFormatError("data stream chunk sizes", err)
		}
		framedBytes := readU48LE(sizes[:u48Len])
		decompressedBytes := readU48LE(sizes[u48Len:])

		if framedBytes < chunkHeaderLen {
			return nil, pigdoerrors.NewFormatError("data stream chunk framing", fmt.Errorf("framed size %d too small for header", framedBytes))
		}
		compressedLen := framedBytes - chunkHeaderLen

		compressed := make([]byte, compressedLen)
		if _, err := io.ReadFull(d.f, compressed); err != nil {
			return nil, pigdoerrors.NewFormatError("data stream chunk payload", err)
		}

		if uint64(len(out))+decompressedBytes > totalSize {
			return nil, pigdoerrors.NewFormatError("data stream size accounting", fmt.Errorf("decompressed bytes exceed sum of Data entry sizes"))
		}

		decompressed, err := compressutil.Decompress(kind, compressed, int(decompressedBytes))
		if err != nil {
			return nil, err
		}

		out = append(out, decompressed...)
	}

	if uint64(len(out)) != totalSize {
		return nil, pigdoerrors.NewFormatError("data stream size accounting",
			fmt.Errorf("decompressed %d bytes, expected %d", len(out), totalSize))
	}

	return out, nil
}

// ScatterWrite copies decompressed (the concatenated output of
// DecodeDataStream) into outFd at each DataBlock's offset, via a
// page-aligned shared writable mapping per block, matching the
// template's own page-alignment arithmetic.
func ScatterWrite(outFd int, blocks []DataBlock, decompressed []byte) error {
	pageSize := uint64(unix.Getpagesize())
	var copied uint64

	for _, block := range blocks {
		if copied+block.Size > uint64(len(decompressed)) {
			return pigdoerrors.NewFormatError("scatter write bounds", fmt.Errorf("data block exceeds decompressed buffer"))
		}

		pageBase := block.Offset - (block.Offset % pageSize)
		pageMod := block.Offset % pageSize
		mapLen := block.Size + pageMod

		mapped, err := unix.Mmap(outFd, int64(pageBase), int(mapLen), unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return pigdoerrors.NewIoError("mmap data block", err)
		}

		copy(mapped[pageMod:], decompressed[copied:copied+block.Size])

		if err := unix.Msync(mapped, unix.MS_ASYNC); err != nil {
			unix.Munmap(mapped)
			return pigdoerrors.NewIoError("msync data block", err)
		}

		if err := unix.Munmap(mapped); err != nil {
			return pigdoerrors.NewIoError("munmap data block", err)
		}

		copied += block.Size
	}

	return nil
}
