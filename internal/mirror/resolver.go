// Package mirror resolves a manifest file entry to a concrete
// fetchable location: a local on-disk copy if one validates, or a
// uniformly chosen remote mirror URL otherwise.
package mirror

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/avast/retry-go/v4"

	"github.com/dadap/pigdo/internal/hashutil"
	"github.com/dadap/pigdo/internal/manifest"

	pigdoerrors "github.com/dadap/pigdo/internal/errors"
)

// FindByMD5 returns every FileEntry in m whose MD5 equals key. The
// .jigdo format permits duplicate MD5 entries (identical file
// contents reachable under more than one name/server), so callers
// must be prepared for more than one result.
//
// Grounded on findFileByMD5: a binary search locates one match, then
// the run of entries with an identical key is expanded in both
// directions. Manifest.Files must already be sorted by MD5, which
// Parse guarantees.
func FindByMD5(m *manifest.Manifest, key hashutil.Md5) []*manifest.FileEntry {
	files := m.Files
	idx := sort.Search(len(files), func(i int) bool {
		return files[i].MD5.Compare(key) >= 0
	})
	if idx >= len(files) || files[idx].MD5.Compare(key) != 0 {
		return nil
	}

	lo := idx
	for lo > 0 && files[lo-1].MD5.Compare(key) == 0 {
		lo--
	}
	hi := idx
	for hi+1 < len(files) && files[hi+1].MD5.Compare(key) == 0 {
		hi++
	}

	return files[lo : hi+1]
}

// ResolveLocal checks each of entry's server's local directories, in
// order, for a file at RelativePath whose content MD5 matches. It
// returns the index into LocalDirs of the first validated match, or
// -1 if none validate.
//
// Grounded on findLocalCopy: a content hash is required, not just
// presence, since a stale or partial local copy must not be mistaken
// for a cache hit.
func ResolveLocal(server *manifest.Server, entry *manifest.FileEntry) (localMatch int, err error) {
	for i, dir := range server.LocalDirs {
		candidate := filepath.Join(dir, entry.RelativePath)

		sum, probeErr := probeLocalMD5(candidate)
		if probeErr != nil {
			continue
		}
		if sum.Equal(entry.MD5) {
			return i, nil
		}
	}

	return -1, nil
}

// probeLocalMD5 hashes the file at path, retrying a bounded number of
// times on a transient I/O error (e.g. a local mirror served over a
// flaky network filesystem) before giving up on this candidate.
func probeLocalMD5(path string) (hashutil.Md5, error) {
	var sum hashutil.Md5

	err := retry.Do(
		func() error {
			f, openErr := os.Open(path)
			if openErr != nil {
				if os.IsNotExist(openErr) {
					return retry.Unrecoverable(openErr)
				}
				return openErr
			}
			defer f.Close()

			s := hashutil.MD5OfFD(f)
			if s.IsSentinel() {
				return fmt.Errorf("failed to hash local candidate %s", path)
			}
			sum = s
			return nil
		},
		retry.Attempts(3),
		retry.LastErrorOnly(true),
	)

	return sum, err
}

// SelectSource returns the location entry should be fetched from: a
// local file:// path if ResolveLocal (run during the scheduler's
// setup pass and recorded in entry.LocalMatch) found one, otherwise a
// uniformly chosen remote mirror joined with entry's relative path.
//
// Grounded on selectMirror: a local match always wins over any remote
// mirror, and remote mirror choice among equals is uniform random
// with no performance-based weighting (the source's own TODO notes
// this is a known simplification, carried over unchanged here).
func SelectSource(server *manifest.Server, entry *manifest.FileEntry) (string, error) {
	if entry.LocalMatch >= 0 {
		if entry.LocalMatch >= len(server.LocalDirs) {
			return "", pigdoerrors.NewResolverError("select source", fmt.Errorf("localMatch index %d out of range", entry.LocalMatch))
		}
		return filepath.Join(server.LocalDirs[entry.LocalMatch], entry.RelativePath), nil
	}

	if len(server.RemoteMirrors) == 0 {
		return "", pigdoerrors.NewResolverError("select source", fmt.Errorf("server %q has no remote mirrors and no local match", server.Name))
	}

	n, err := randIntn(len(server.RemoteMirrors))
	if err != nil {
		return "", pigdoerrors.NewResolverError("select source", err)
	}

	return joinMirrorPath(server.RemoteMirrors[n], entry.RelativePath), nil
}

// randIntn returns a uniform random integer in [0, n) using a CSPRNG;
// the choice of mirror has no security sensitivity, but crypto/rand
// avoids seeding concerns that math/rand would otherwise require.
func randIntn(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("randIntn: n must be positive, got %d", n)
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// joinMirrorPath concatenates a mirror base (a URL or bare path) with
// a manifest-relative path, ensuring exactly one separating slash.
//
// Grounded on dircat's base+"/"+path concatenation.
func joinMirrorPath(base, relPath string) string {
	base = strings.TrimRight(base, "/")
	relPath = strings.TrimLeft(relPath, "/")
	return base + "/" + path.Clean("/"+relPath)[1:]
}
