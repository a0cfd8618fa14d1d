// Package imagelayout sizes and maps the on-disk image file that
// pigdo reconstructs in place. It owns the page-alignment arithmetic
// shared by the template decoder's scatter-write pass and the
// scheduler's per-file worker mappings.
package imagelayout

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	pigdoerrors "github.com/dadap/pigdo/internal/errors"
)

// Image owns the open output file descriptor and reports whether the
// file already existed at the target size when opened (which enables
// the scheduler's resume-verification pass).
type Image struct {
	File         *os.File
	ExistingFile bool
}

// Open ensures a regular file at path is at least size bytes long and
// returns a handle to it. If the file already had at least size bytes
// before this call, ExistingFile is set so the caller can run resume
// verification instead of treating every entry as empty.
//
// Sizing prefers a reserved (non-sparse) allocation via
// unix.Fallocate; when the underlying filesystem does not support
// fallocate (e.g. ENOTSUP, ENOSYS), it falls back to writing a single
// byte at size-1, leaving a sparse file, matching the source's
// posix_fallocate-or-sparse-write policy.
func Open(path string, size uint64) (*Image, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, pigdoerrors.NewIoError("open image file", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, pigdoerrors.NewIoError("stat image file", err)
	}

	existing := uint64(info.Size()) >= size

	if !existing {
		if err := ensureSize(f, size); err != nil {
			f.Close()
			return nil, err
		}
	}

	return &Image{File: f, ExistingFile: existing}, nil
}

func ensureSize(f *os.File, size uint64) error {
	if size == 0 {
		return nil
	}

	err := unix.Fallocate(int(f.Fd()), 0, 0, int64(size))
	if err == nil {
		return nil
	}

	// Fall back to a sparse write: seek to the last byte and write a
	// single zero byte, which extends the file length without
	// allocating the intervening blocks.
	if _, err := f.WriteAt([]byte{0}, int64(size-1)); err != nil {
		return pigdoerrors.NewIoError("sparse-extend image file", err)
	}
	return nil
}

// Close performs a final synchronous msync-equivalent (fsync) and
// closes the file. Call this once, after the final whole-image MD5
// check, not after each worker's individual write.
func (img *Image) Close() error {
	if err := img.File.Sync(); err != nil {
		img.File.Close()
		return pigdoerrors.NewIoError("final sync of image file", err)
	}
	if err := img.File.Close(); err != nil {
		return pigdoerrors.NewIoError("close image file", err)
	}
	return nil
}

// pageAlign computes the mmap base and length needed to cover
// [offset, offset+size) with a page-aligned mapping: base rounds
// offset down to the containing page, and length accounts for the
// resulting leading slack.
func pageAlign(offset, size uint64) (base int64, length int, pageMod uint64) {
	pageSize := uint64(unix.Getpagesize())
	pageMod = offset % pageSize
	base = int64(offset - pageMod)
	length = int(size + pageMod)
	return
}

// MapRange returns a page-aligned, shared, read-write mapping
// covering [offset, offset+size) of the image file, along with the
// byte index within the mapping where offset itself begins (the
// "pageMod" slack). Callers must release the returned slice (at its
// original bounds) exactly once, via Unmap or unix.Munmap.
func (img *Image) MapRange(offset, size uint64) (mapped []byte, dataStart int, err error) {
	if size == 0 {
		return nil, 0, pigdoerrors.NewFormatError("map range", fmt.Errorf("zero-length range at offset %d", offset))
	}

	base, length, pageMod := pageAlign(offset, size)

	mapped, mmapErr := unix.Mmap(int(img.File.Fd()), base, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if mmapErr != nil {
		return nil, 0, pigdoerrors.NewIoError("mmap image range", mmapErr)
	}

	return mapped, int(pageMod), nil
}

// MapRangeReadOnly is MapRange's read-only counterpart, used by resume
// verification to hash existing on-disk ranges without risking a
// write.
func (img *Image) MapRangeReadOnly(offset, size uint64) (mapped []byte, dataStart int, err error) {
	if size == 0 {
		return nil, 0, pigdoerrors.NewFormatError("map range", fmt.Errorf("zero-length range at offset %d", offset))
	}

	base, length, pageMod := pageAlign(offset, size)

	mapped, mmapErr := unix.Mmap(int(img.File.Fd()), base, length, unix.PROT_READ, unix.MAP_SHARED)
	if mmapErr != nil {
		return nil, 0, pigdoerrors.NewIoError("mmap image range (read-only)", mmapErr)
	}

	return mapped, int(pageMod), nil
}

// SyncRange flushes mapped back to disk. async selects MS_ASYNC
// (sufficient on a worker's own completion, per spec) versus MS_SYNC
// (required for the final pre-close flush).
func SyncRange(mapped []byte, async bool) error {
	flags := unix.MS_SYNC
	if async {
		flags = unix.MS_ASYNC
	}
	if err := unix.Msync(mapped, flags); err != nil {
		return pigdoerrors.NewIoError("msync image range", err)
	}
	return nil
}

// Unmap releases a mapping obtained from MapRange/MapRangeReadOnly.
func Unmap(mapped []byte) error {
	if err := unix.Munmap(mapped); err != nil {
		return pigdoerrors.NewIoError("munmap image range", err)
	}
	return nil
}
