package template

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/dadap/pigdo/internal/hashutil"

	pigdoerrors "github.com/dadap/pigdo/internal/errors"
)

// versionHeader is the only major version pigdo understands. The
// rest of the version line (minor version, generator comment) is
// read but not interpreted.
const versionHeader = "JigsawDownload template 1."

const (
	descHeaderTag = "DESC"
	u48Len        = 6
)

// readU48LE decodes a 6-byte little-endian unsigned integer, the wire
// format the template uses for every size field.
func readU48LE(b []byte) uint64 {
	var v uint64
	for i := 0; i < u48Len; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// readU32LE decodes a 4-byte little-endian unsigned integer, used for
// the rsync64 block length trailing a modern ImageInfo entry.
func readU32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// readU64LE decodes an 8-byte little-endian unsigned integer, used
// for the rsync64 initial-block sum on a modern File entry.
func readU64LE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// Decoder reads the header and DESC table of an open .template file.
type Decoder struct {
	f *os.File
}

// NewDecoder wraps an already-open .template file handle.
func NewDecoder(f *os.File) *Decoder {
	return &Decoder{f: f}
}

// ValidateHeader checks the version line and skips to the start of
// the compressed data stream. It must be called before
// DecodeDataStream; ReadDescTable does not depend on it.
//
// The header is an exact ASCII version line terminated by CRLF,
// followed by a free-form comment block terminated by a blank line;
// pigdo tolerates any text in both and only checks the version
// prefix, consuming exactly three CRLF terminators in total (one ends
// the version line, two end the comment block).
func (d *Decoder) ValidateHeader() error {
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return pigdoerrors.NewIoError("seek to template start", err)
	}

	r := bufio.NewReader(d.f)

	prefix := make([]byte, len(versionHeader))
	if _, err := io.ReadFull(r, prefix); err != nil {
		return pigdoerrors.NewFormatError("template header truncated", err)
	}
	if string(prefix) != versionHeader {
		return pigdoerrors.NewFormatError("unsupported template version", fmt.Errorf("header does not start with %q", versionHeader))
	}

	for i := 0; i < 3; i++ {
		if err := skipToCRLF(r); err != nil {
			return pigdoerrors.NewFormatError("template header truncated", err)
		}
	}

	// bufio.Reader may have buffered bytes past the point we stopped
	// reading; resync the underlying file's offset to match.
	pos, err := d.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return pigdoerrors.NewIoError("seek after header", err)
	}
	buffered := int64(r.Buffered())
	if _, err := d.f.Seek(pos-buffered, io.SeekStart); err != nil {
		return pigdoerrors.NewIoError("seek after header", err)
	}

	return nil
}

// skipToCRLF advances r past the next CRLF sequence, matching the
// source's nextCRLF: it tracks the previous byte and stops the first
// time a '\n' is seen whose predecessor was '\r'.
func skipToCRLF(r *bufio.Reader) error {
	var prev byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			return err
		}
		if c == '\n' && prev == '\r' {
			return nil
		}
		prev = c
	}
}

// ReadDescTable locates the trailer-indexed DESC table, parses every
// entry, and returns the populated table. It reads with ReadAt and
// leaves the decoder's file offset unchanged, so it may be called
// before or after DecodeDataStream.
func (d *Decoder) ReadDescTable() (*DescTable, error) {
	info, err := d.f.Stat()
	if err != nil {
		return nil, pigdoerrors.NewIoError("stat template", err)
	}
	fileSize := info.Size()

	var trailer [u48Len]byte
	if _, err := d.f.ReadAt(trailer[:], fileSize-u48Len); err != nil {
		return nil, pigdoerrors.NewIoError("read DESC size trailer", err)
	}
	tableSize := readU48LE(trailer[:])

	tableStart := fileSize - int64(tableSize)
	if tableStart < 0 {
		return nil, pigdoerrors.NewFormatError("desc table size", fmt.Errorf("table size %d exceeds file size %d", tableSize, fileSize))
	}

	buf := make([]byte, tableSize)
	if _, err := d.f.ReadAt(buf, tableStart); err != nil {
		return nil, pigdoerrors.NewIoError("read DESC table", err)
	}

	if string(buf[:4]) != descHeaderTag {
		return nil, pigdoerrors.NewFormatError("desc table header", fmt.Errorf("expected %q tag", descHeaderTag))
	}
	if readU48LE(buf[4:10]) != tableSize {
		return nil, pigdoerrors.NewFormatError("desc table header", fmt.Errorf("duplicated size field does not match trailer"))
	}

	return parseDescEntries(buf[10:])
}

// parseDescEntries consumes DESC entries from body (the table with
// its leading "DESC" tag and size field already stripped, and its
// trailing size field still present but ignored by the loop bound).
func parseDescEntries(body []byte) (*DescTable, error) {
	table := &DescTable{}

	var offset uint64
	pos := 0

	// The trailing 6-byte size field that restates tableSize is not an
	// entry; stop once fewer than that many bytes remain.
	for len(body)-pos > u48Len {
		if pos+1 > len(body) {
			return nil, pigdoerrors.NewFormatError("desc entry truncated", io.ErrUnexpectedEOF)
		}
		entryType := body[pos]
		pos++

		if pos+u48Len > len(body) {
			return nil, pigdoerrors.NewFormatError("desc entry size truncated", io.ErrUnexpectedEOF)
		}
		entrySize := readU48LE(body[pos : pos+u48Len])
		pos += u48Len

		if entrySize == 0 {
			return nil, pigdoerrors.NewFormatError("desc entry size", fmt.Errorf("zero-size entry of type %d", entryType))
		}

		entryOffset := offset

		switch entryType {
		case wireImageInfoLegacy, wireImageInfo:
			if pos+hashutil.Size > len(body) {
				return nil, pigdoerrors.NewFormatError("image info md5 truncated", io.ErrUnexpectedEOF)
			}
			var md5 hashutil.Md5
			copy(md5[:], body[pos:pos+hashutil.Size])
			pos += hashutil.Size

			var blockLen uint32
			if entryType == wireImageInfo {
				if pos+4 > len(body) {
					return nil, pigdoerrors.NewFormatError("image info block length truncated", io.ErrUnexpectedEOF)
				}
				blockLen = readU32LE(body[pos : pos+4])
				pos += 4
			}

			if entryOffset != entrySize {
				return nil, pigdoerrors.NewFormatError("desc table size accounting",
					fmt.Errorf("image info offset %d does not equal its own size %d", entryOffset, entrySize))
			}

			table.ImageInfo = ImageInfoEntry{
				Offset:          entryOffset,
				Size:            entrySize,
				MD5:             md5,
				Rsync64BlockLen: blockLen,
			}

			// ImageInfo is always the terminal entry; nothing follows it
			// but the trailing size field.
			offset += entrySize
			if len(body)-pos > u48Len {
				return nil, pigdoerrors.NewFormatError("desc table trailer", fmt.Errorf("data follows terminal ImageInfo entry"))
			}
			return table, nil

		case wireData:
			table.DataBlocks = append(table.DataBlocks, DataBlock{
				Offset: entryOffset,
				Size:   entrySize,
			})
			offset += entrySize

		case wireFileLegacy, wireFile:
			var rsync64 uint64
			if entryType == wireFile {
				if pos+8 > len(body) {
					return nil, pigdoerrors.NewFormatError("file rsync64 truncated", io.ErrUnexpectedEOF)
				}
				rsync64 = readU64LE(body[pos : pos+8])
				pos += 8
			}

			if pos+hashutil.Size > len(body) {
				return nil, pigdoerrors.NewFormatError("file md5 truncated", io.ErrUnexpectedEOF)
			}
			var md5 hashutil.Md5
			copy(md5[:], body[pos:pos+hashutil.Size])
			pos += hashutil.Size

			table.Files = append(table.Files, &FileEntry{
				Offset:         entryOffset,
				Size:           entrySize,
				MD5:            md5,
				Rsync64Initial: rsync64,
				Status:         NotStarted,
			})
			offset += entrySize

		default:
			return nil, pigdoerrors.NewFormatError("desc entry type", fmt.Errorf("unrecognized type byte %d", entryType))
		}
	}

	return nil, pigdoerrors.NewFormatError("desc table", fmt.Errorf("missing terminal ImageInfo entry"))
}
