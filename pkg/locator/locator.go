// Package locator parses and rewrites physical file locators (PFNs).
//
// Locators are handled as (scheme, host, path) triples rather than raw
// strings so rewrites never depend on hostname-stripping heuristics.
// Every function in this package is pure.
package locator

import (
	"path"
	"strings"
)

// Well-known locator schemes.
const (
	// SchemeFile is the local-filesystem scheme.
	SchemeFile = "file"

	// SchemeSymlink marks a destination that should be linked, not copied.
	SchemeSymlink = "symlink"
)

// Locator is a parsed physical file locator.
type Locator struct {
	// Scheme is the lower-cased URL scheme, empty for bare paths.
	Scheme string

	// Host is the authority component, empty for bare paths and file:///.
	Host string

	// Path is the path component, including its leading slash.
	Path string
}

// Parse splits raw into scheme, host and path.
//
// Recognized forms:
//   - scheme://host/path
//   - file:/path (no authority)
//   - /bare/path
//
// Anything else is returned as a bare path.
func Parse(raw string) Locator {
	raw = strings.TrimSpace(raw)

	if i := strings.Index(raw, "://"); i > 0 && validScheme(raw[:i]) {
		scheme := strings.ToLower(raw[:i])
		rest := raw[i+3:]
		host, p := rest, ""
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			host, p = rest[:j], rest[j:]
		}
		return Locator{Scheme: scheme, Host: host, Path: p}
	}

	// Single-letter prefixes are left alone so C:/... stays a path.
	if i := strings.IndexByte(raw, ':'); i > 1 && validScheme(raw[:i]) && strings.HasPrefix(raw[i+1:], "/") {
		return Locator{Scheme: strings.ToLower(raw[:i]), Path: raw[i+1:]}
	}

	return Locator{Path: raw}
}

// String reassembles the locator.
func (l Locator) String() string {
	if l.Scheme == "" {
		return l.Path
	}
	return l.Scheme + "://" + l.Host + l.Path
}

// IsLocalFile reports whether the locator names a local filesystem path,
// either through the file scheme or as an absolute bare path.
func (l Locator) IsLocalFile() bool {
	if l.Scheme == SchemeFile {
		return true
	}
	return l.Scheme == "" && strings.HasPrefix(l.Path, "/")
}

// Dir returns the parent directory of the locator's path.
func (l Locator) Dir() string {
	return path.Dir(l.Path)
}

// Base returns the final path segment.
func (l Locator) Base() string {
	return path.Base(l.Path)
}

// HasFileScheme reports whether raw starts with the file scheme.
func HasFileScheme(raw string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), SchemeFile+":")
}

// FileURL returns a file:// locator for an absolute path.
func FileURL(p string) string {
	return Locator{Scheme: SchemeFile, Path: absolute(p)}.String()
}

// Join appends a path segment to a locator string using a single slash.
func Join(base, segment string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(segment, "/")
}

func absolute(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// validScheme follows RFC 3986: ALPHA *( ALPHA / DIGIT / "+" / "-" / "." ).
func validScheme(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}
