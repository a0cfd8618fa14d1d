package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `[Jigdo]
Version=1.1
Generator=pigdo-test/1.0

[Image]
Filename=test.iso
Template=test.template
Template-MD5Sum=kA9tHRbytQQ-bdfqEx1WXg

[Parts]
kA9tHRbytQQ-bdfqEx1WXg=Debian:pool/main/f/foo/foo_1.0.deb
7FWYbC0cPeVIIMXiuoXoYA=Local:bar/bar_1.0.deb

[Servers]
Debian=http://mirror.example.org/debian/
Local=/srv/mirror/debian
`

func TestParseSampleManifest(t *testing.T) {
	m, err := Parse(strings.NewReader(sampleManifest))
	require.NoError(t, err)

	assert.Equal(t, "1.1", m.Version)
	assert.Equal(t, "pigdo-test/1.0", m.Generator)
	assert.Equal(t, "test.iso", m.ImageName)
	assert.Equal(t, "test.template", m.TemplateName)

	require.Len(t, m.Files, 2)
	// Files must come back sorted by MD5.
	assert.True(t, m.Files[0].MD5.Compare(m.Files[1].MD5) <= 0)

	debian, ok := m.Servers["Debian"]
	require.True(t, ok)
	require.Len(t, debian.RemoteMirrors, 1)
	assert.Equal(t, "http://mirror.example.org/debian/", debian.RemoteMirrors[0])
	assert.Empty(t, debian.LocalDirs)

	local, ok := m.Servers["Local"]
	require.True(t, ok)
	require.Len(t, local.LocalDirs, 1)
	assert.Equal(t, "/srv/mirror/debian", local.LocalDirs[0])
	assert.Empty(t, local.RemoteMirrors)
}

func TestParseRejectsUnsupportedVersion(t *testing.T) {
	bad := strings.Replace(sampleManifest, "Version=1.1", "Version=2.0", 1)
	_, err := Parse(strings.NewReader(bad))
	assert.Error(t, err)
}

func TestParseRejectsMissingImageSection(t *testing.T) {
	const noImage = `[Jigdo]
Version=1.1

[Parts]
kA9tHRbytQQ-bdfqEx1WXg=Debian:pool/main/f/foo/foo_1.0.deb
`
	_, err := Parse(strings.NewReader(noImage))
	assert.Error(t, err)
}

func TestAddServerMirrorClassifiesFileURL(t *testing.T) {
	m := &Manifest{Servers: make(map[ServerId]*Server)}
	m.ServerByName("Local")
	m.ServerByName("Remote")

	require.NoError(t, AddServerMirror(m, "Local", "file:///srv/mirror/debian"))
	require.NoError(t, AddServerMirror(m, "Remote", "http://example.org/debian/"))

	local := m.ServerByName("Local")
	require.Len(t, local.LocalDirs, 1)
	assert.Equal(t, "/srv/mirror/debian", local.LocalDirs[0])

	remote := m.ServerByName("Remote")
	require.Len(t, remote.RemoteMirrors, 1)
	assert.Equal(t, "http://example.org/debian/", remote.RemoteMirrors[0])
}

func TestAddServerMirrorRejectsEmptyValues(t *testing.T) {
	m := &Manifest{Servers: make(map[ServerId]*Server)}
	assert.Error(t, AddServerMirror(m, "", "http://example.org/"))
	assert.Error(t, AddServerMirror(m, "Remote", ""))
}

func TestAddServerMirrorRejectsUnknownServer(t *testing.T) {
	m := &Manifest{Servers: make(map[ServerId]*Server)}
	err := AddServerMirror(m, "NoSuchServer", "http://example.org/debian/")
	require.Error(t, err)
	assert.NotContains(t, m.Servers, ServerId("NoSuchServer"))
}

func TestParseSkipsCommentsAndBlankLines(t *testing.T) {
	const withComments = `# a comment
[Jigdo]
Version=1.1

# another comment
[Image]
Filename=test.iso
Template=test.template
Template-MD5Sum=kA9tHRbytQQ-bdfqEx1WXg

[Parts]
kA9tHRbytQQ-bdfqEx1WXg=Debian:pool/main/f/foo/foo_1.0.deb

[Servers]
Debian=http://mirror.example.org/debian/
`
	m, err := Parse(strings.NewReader(withComments))
	require.NoError(t, err)
	assert.Equal(t, "test.iso", m.ImageName)
	require.Len(t, m.Files, 1)
}
