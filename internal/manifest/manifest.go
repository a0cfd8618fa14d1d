// Package manifest parses the textual .jigdo manifest: the INI-like
// [Jigdo]/[Image]/[Parts]/[Servers] format that names every component
// file by MD5 and lists the servers (remote mirrors and/or local
// directories) each is fetchable from.
//
// This lives outside the core reconstruction path (spec treats it as
// an external collaborator that produces a populated Manifest value),
// but pigdo ships a real parser so the module is runnable end-to-end
// against an actual .jigdo file.
package manifest

import "github.com/dadap/pigdo/internal/hashutil"

// ServerId names a server section; file entries reference it by name
// rather than holding a pointer, so Manifest stays a plain value type.
type ServerId string

// Server is a named group of mirrors: zero or more remote mirror URLs
// and zero or more local directory paths, either of which may serve
// any file whose Parts entry names this server.
type Server struct {
	Name          ServerId
	RemoteMirrors []string
	LocalDirs     []string
}

// FileEntry is one line of a [Parts] section: a component file
// identified by MD5, reachable under ServerRef at RelativePath.
// LocalMatch is populated by the mirror resolver's setup pass, not by
// parsing; it is -1 until then.
type FileEntry struct {
	MD5          hashutil.Md5
	RelativePath string
	ServerRef    ServerId
	LocalMatch   int
}

// Manifest is the parsed contents of a .jigdo file.
type Manifest struct {
	Version      string
	Generator    string
	ImageName    string
	TemplateName string
	TemplateMD5  hashutil.Md5

	// Files is kept sorted by MD5 after parsing, so FindByMD5 can
	// binary search it.
	Files   []*FileEntry
	Servers map[ServerId]*Server
}

// ServerByName returns the named server, creating and registering an
// empty one if it does not yet exist - matching the source's
// getServer, which doubles as both lookup and lazy creation.
func (m *Manifest) ServerByName(name ServerId) *Server {
	if m.Servers == nil {
		m.Servers = make(map[ServerId]*Server)
	}
	if s, ok := m.Servers[name]; ok {
		return s
	}
	s := &Server{Name: name}
	m.Servers[name] = s
	return s
}
