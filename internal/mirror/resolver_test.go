package mirror

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dadap/pigdo/internal/hashutil"
	"github.com/dadap/pigdo/internal/manifest"
)

func md5Of(t *testing.T, s string) hashutil.Md5 {
	t.Helper()
	return hashutil.MD5OfBytes([]byte(s))
}

func TestFindByMD5ExpandsDuplicates(t *testing.T) {
	key := md5Of(t, "dup")
	other := md5Of(t, "other")

	m := &manifest.Manifest{
		Files: []*manifest.FileEntry{
			{MD5: key, RelativePath: "a"},
			{MD5: key, RelativePath: "b"},
			{MD5: key, RelativePath: "c"},
			{MD5: other, RelativePath: "z"},
		},
	}

	found := FindByMD5(m, key)
	require.Len(t, found, 3)
	for _, f := range found {
		assert.True(t, f.MD5.Equal(key))
	}
}

func TestFindByMD5NoMatch(t *testing.T) {
	m := &manifest.Manifest{
		Files: []*manifest.FileEntry{
			{MD5: md5Of(t, "a")},
			{MD5: md5Of(t, "b")},
		},
	}
	assert.Nil(t, FindByMD5(m, md5Of(t, "nope")))
}

func TestResolveLocalFindsValidatingCopy(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello world")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo.deb"), content, 0o644))

	server := &manifest.Server{LocalDirs: []string{dir}}
	entry := &manifest.FileEntry{MD5: hashutil.MD5OfBytes(content), RelativePath: "foo.deb"}

	idx, err := ResolveLocal(server, entry)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestResolveLocalRejectsMismatchedContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo.deb"), []byte("wrong content"), 0o644))

	server := &manifest.Server{LocalDirs: []string{dir}}
	entry := &manifest.FileEntry{MD5: hashutil.MD5OfBytes([]byte("hello world")), RelativePath: "foo.deb"}

	idx, err := ResolveLocal(server, entry)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestResolveLocalMissingFile(t *testing.T) {
	dir := t.TempDir()
	server := &manifest.Server{LocalDirs: []string{dir}}
	entry := &manifest.FileEntry{MD5: hashutil.MD5OfBytes([]byte("x")), RelativePath: "missing.deb"}

	idx, err := ResolveLocal(server, entry)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestSelectSourcePrefersLocalMatch(t *testing.T) {
	server := &manifest.Server{
		LocalDirs:     []string{"/srv/mirror"},
		RemoteMirrors: []string{"http://example.org/debian"},
	}
	entry := &manifest.FileEntry{RelativePath: "pool/foo.deb", LocalMatch: 0}

	src, err := SelectSource(server, entry)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/mirror", "pool/foo.deb"), src)
}

func TestSelectSourceUsesRemoteMirrorWhenNoLocalMatch(t *testing.T) {
	server := &manifest.Server{
		RemoteMirrors: []string{"http://example.org/debian"},
	}
	entry := &manifest.FileEntry{RelativePath: "pool/foo.deb", LocalMatch: -1}

	src, err := SelectSource(server, entry)
	require.NoError(t, err)
	assert.Equal(t, "http://example.org/debian/pool/foo.deb", src)
}

func TestSelectSourceErrorsWithNoMirrorsAvailable(t *testing.T) {
	server := &manifest.Server{}
	entry := &manifest.FileEntry{RelativePath: "pool/foo.deb", LocalMatch: -1}

	_, err := SelectSource(server, entry)
	assert.Error(t, err)
}

func TestJoinMirrorPathAvoidsDoubleSlash(t *testing.T) {
	assert.Equal(t, "http://example.org/debian/pool/foo.deb", joinMirrorPath("http://example.org/debian/", "/pool/foo.deb"))
	assert.Equal(t, "http://example.org/debian/pool/foo.deb", joinMirrorPath("http://example.org/debian", "pool/foo.deb"))
}
