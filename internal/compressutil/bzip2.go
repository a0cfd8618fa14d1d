package compressutil

import (
	"compress/bzip2"
	"io"
)

// newBzip2Reader wraps the standard library's read-only bzip2
// decompressor. Isolated in its own file so the justification for
// reaching into compress/bzip2 (see DESIGN.md) stays next to the one
// call site that needs it.
func newBzip2Reader(r io.Reader) io.Reader {
	return bzip2.NewReader(r)
}
