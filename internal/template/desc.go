// Package template decodes a .template file: the version-tagged
// header, the trailer-indexed DESC table, and the compressed inner
// DATA stream that carries the image's verbatim regions.
package template

import (
	"github.com/dadap/pigdo/internal/hashutil"
)

// EntryType identifies which DESC table record variant a raw type
// byte names. Legacy (pre-rsync64) and modern forms of ImageInfo and
// File share a Go type each; which wire form produced a given Entry
// is not retained, since nothing downstream needs to know.
type EntryType int

const (
	EntryImageInfo EntryType = iota
	EntryData
	EntryFile
)

// Wire type bytes, per the .template DESC table format.
const (
	wireImageInfoLegacy = 1
	wireData            = 2
	wireFileLegacy      = 3
	wireImageInfo       = 5
	wireFile            = 6
)

// CommitStatus is the per-entry state machine the scheduler drives a
// FileEntry through. Data and ImageInfo entries do not use most of
// these states: Data entries are materialized once during template
// decoding and never revisited; ImageInfo carries no status at all.
type CommitStatus int

const (
	NotStarted CommitStatus = iota
	Assigned
	InProgress
	Complete
	Error
	LocalCopy
	FatalError
)

func (s CommitStatus) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Assigned:
		return "Assigned"
	case InProgress:
		return "InProgress"
	case Complete:
		return "Complete"
	case Error:
		return "Error"
	case LocalCopy:
		return "LocalCopy"
	case FatalError:
		return "FatalError"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is a state the scheduler will never
// transition out of.
func (s CommitStatus) Terminal() bool {
	return s == Complete || s == FatalError
}

// Eligible reports whether an entry in state s may be picked up by
// the scheduler's next assignment round.
func (s CommitStatus) Eligible() bool {
	return s == NotStarted || s == Error || s == LocalCopy
}

// ImageInfoEntry is the DESC table's terminal summary record.
type ImageInfoEntry struct {
	Offset          uint64
	Size            uint64
	MD5             hashutil.Md5
	Rsync64BlockLen uint32
}

// DataBlock is a verbatim image region supplied by the template's
// compressed inner stream, not fetched from any mirror.
type DataBlock struct {
	Offset uint64
	Size   uint64
}

// FileEntry is a component file to be fetched and verified against
// MD5, then written into the image at Offset.
type FileEntry struct {
	Offset         uint64
	Size           uint64
	MD5            hashutil.Md5
	Rsync64Initial uint64
	Status         CommitStatus

	// Attempts counts failed assignments (a failed fetch or verify, or
	// a pick that landed on a blacklisted mirror), for the scheduler's
	// bounded-retry budget. The source's worker loop has
	// no such bound and can spin forever on a persistently bad mirror.
	Attempts int
}

// DescTable is the fully parsed DESC table, split by variant for
// convenient access by ImageLayout and the scheduler. Files may be
// reordered (e.g. by descending size) after parsing to improve
// worker-pool parallelism; Data blocks retain parse order since they
// are consumed once, in order, during scatter-write.
type DescTable struct {
	ImageInfo  ImageInfoEntry
	DataBlocks []DataBlock
	Files      []*FileEntry
}

// TotalSize returns the image's target length, as declared in the
// terminal ImageInfo entry.
func (t *DescTable) TotalSize() uint64 {
	return t.ImageInfo.Size
}
