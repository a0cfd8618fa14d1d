package manifest

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dadap/pigdo/internal/compressutil"
	"github.com/dadap/pigdo/internal/hashutil"

	pigdoerrors "github.com/dadap/pigdo/internal/errors"
)

const supportedMajorVersion = "1."

// ParseFile opens path, transparently gunzipping it if it is
// gzip-framed (manifests are sometimes distributed compressed), and
// parses its contents as a .jigdo manifest.
func ParseFile(path string) (*Manifest, error) {
	res, err := compressutil.MaybeGunzipInPlace(path)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	f, err := os.Open(res.Path)
	if err != nil {
		return nil, pigdoerrors.NewIoError("open manifest", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads a .jigdo manifest from r.
//
// Sections may repeat; each encountered section is folded into the
// same Manifest. A [Servers] line may only name a server that an
// earlier [Parts] line has already referenced; otherwise parsing
// fails, since AddServerMirror rejects unknown servers. Comment and
// blank lines are skipped; keys are matched case-sensitively, as the
// format requires.
func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{Servers: make(map[ServerId]*Server)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var section string
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line
			continue
		}

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var err error
		switch section {
		case "[Jigdo]":
			err = parseJigdoLine(m, line)
		case "[Image]":
			err = parseImageLine(m, line)
		case "[Parts]":
			err = parsePartsLine(m, line)
		case "[Servers]":
			err = parseServersLine(m, line)
		}
		if err != nil {
			return nil, pigdoerrors.NewFormatError(fmt.Sprintf("manifest line %d", lineNo), err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, pigdoerrors.NewIoError("read manifest", err)
	}

	if !strings.HasPrefix(m.Version, supportedMajorVersion) {
		return nil, pigdoerrors.NewFormatError("manifest version", fmt.Errorf("unsupported Jigdo version %q", m.Version))
	}
	if m.ImageName == "" || m.TemplateName == "" {
		return nil, pigdoerrors.NewFormatError("manifest image section", fmt.Errorf("missing Filename/Template key"))
	}

	sort.Slice(m.Files, func(i, j int) bool {
		return m.Files[i].MD5.Compare(m.Files[j].MD5) < 0
	})

	return m, nil
}

func splitKeyValue(line string, delim byte) (key, value string, ok bool) {
	idx := strings.IndexByte(line, delim)
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func parseJigdoLine(m *Manifest, line string) error {
	key, value, ok := splitKeyValue(line, '=')
	if !ok {
		return nil
	}
	switch key {
	case "Version":
		m.Version = value
	case "Generator":
		m.Generator = value
	}
	return nil
}

func parseImageLine(m *Manifest, line string) error {
	key, value, ok := splitKeyValue(line, '=')
	if !ok {
		return nil
	}
	switch key {
	case "Filename":
		m.ImageName = value
	case "Template":
		m.TemplateName = value
	case "Template-MD5Sum":
		md5, err := hashutil.MD5Decode(value)
		if err != nil {
			return fmt.Errorf("Template-MD5Sum: %w", err)
		}
		m.TemplateMD5 = md5
	}
	return nil
}

// parsePartsLine handles one "<base22 MD5> = <ServerName>:<relative/path>" entry.
func parsePartsLine(m *Manifest, line string) error {
	md5Str, rest, ok := splitKeyValue(line, '=')
	if !ok {
		return fmt.Errorf("malformed Parts entry %q", line)
	}

	md5, err := hashutil.MD5Decode(md5Str)
	if err != nil {
		return fmt.Errorf("Parts entry md5 %q: %w", md5Str, err)
	}

	serverName, path, ok := strings.Cut(rest, ":")
	if !ok {
		return fmt.Errorf("malformed Parts entry value %q, expected ServerName:path", rest)
	}
	serverName = strings.TrimSpace(serverName)
	path = strings.TrimSpace(path)

	server := m.ServerByName(ServerId(serverName))

	m.Files = append(m.Files, &FileEntry{
		MD5:          md5,
		RelativePath: path,
		ServerRef:    server.Name,
		LocalMatch:   -1,
	})

	return nil
}

// parseServersLine handles one "<ServerName> = <url-or-path>" entry,
// classifying the value as a local directory or a remote mirror.
func parseServersLine(m *Manifest, line string) error {
	serverName, value, ok := splitKeyValue(line, '=')
	if !ok {
		return fmt.Errorf("malformed Servers entry %q", line)
	}
	if serverName == "" || value == "" {
		return fmt.Errorf("empty server name or mirror value")
	}

	return AddServerMirror(m, serverName, value)
}

// AddServerMirror adds mirror to the already-registered server named
// serverName. If mirror names a local path or a file:// URL, it is
// canonicalized to an absolute path and appended to LocalDirs;
// otherwise it is appended to RemoteMirrors unmodified. Used both by
// the [Servers] section parser and by the CLI's repeatable --mirror
// flag.
//
// Fails if serverName is empty, mirror is empty, or serverName is not
// already present in the manifest: unlike ServerByName (used while
// parsing [Parts], where referencing a server is what introduces it),
// this operation only ever augments a server the manifest already
// knows about, never invents one.
func AddServerMirror(m *Manifest, serverName, mirror string) error {
	if serverName == "" || mirror == "" {
		return pigdoerrors.NewResolverError("add server mirror", fmt.Errorf("server name and mirror value must both be non-empty"))
	}

	server, ok := m.Servers[ServerId(serverName)]
	if !ok {
		return pigdoerrors.NewResolverError("add server mirror", fmt.Errorf("server %q not present in manifest", serverName))
	}

	localPath, isLocal := localPathOf(mirror)
	if isLocal {
		abs, err := filepath.Abs(localPath)
		if err != nil {
			return fmt.Errorf("resolving local mirror path %q: %w", localPath, err)
		}
		server.LocalDirs = append(server.LocalDirs, abs)
		return nil
	}

	server.RemoteMirrors = append(server.RemoteMirrors, mirror)
	return nil
}

// localPathOf reports whether mirror names a local filesystem path -
// either a bare path or a file:// URL - and returns that path with
// any file:// prefix stripped.
func localPathOf(mirror string) (path string, ok bool) {
	if strings.HasPrefix(mirror, "file://") {
		u, err := url.Parse(mirror)
		if err != nil {
			return mirror[len("file://"):], true
		}
		return u.Path, true
	}

	u, err := url.Parse(mirror)
	if err != nil || u.Scheme == "" {
		return mirror, true
	}

	return "", false
}
