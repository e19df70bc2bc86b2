package locator

import (
	"path/filepath"
	"strings"
)

// Link rewrites raw onto the symlink scheme, keeping only its path.
//
// The host is dropped, so Link(Link(x)) == Link(x) for every input.
func Link(raw string) string {
	l := Parse(raw)
	return Locator{Scheme: SchemeSymlink, Path: absolute(l.Path)}.String()
}

// SRMMapping maps an SRM service URL prefix onto a locally mounted path.
type SRMMapping struct {
	ServiceURL string `mapstructure:"service_url" json:"service_url" yaml:"service_url"`
	MountPoint string `mapstructure:"mountpoint" json:"mountpoint" yaml:"mountpoint"`
}

// SRMMap holds SRM mappings keyed by site handle.
type SRMMap map[string]SRMMapping

// ToFile resolves a replica held at site into a file:// locator.
//
// Locators already on the file scheme are returned unchanged. When the site
// has an SRM mapping whose service URL prefixes raw, that prefix is replaced
// by the mount point; otherwise the locator is reduced to its path.
func (m SRMMap) ToFile(site, raw string) string {
	if HasFileScheme(raw) {
		return raw
	}
	if e, ok := m[site]; ok && e.ServiceURL != "" && strings.HasPrefix(raw, e.ServiceURL) {
		return FileURL(strings.TrimRight(e.MountPoint, "/") + absolute(raw[len(e.ServiceURL):]))
	}
	return FileURL(Parse(raw).Path)
}

// Same reports whether two locator strings are identical ignoring case.
func Same(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Placement is a locator held at a named site.
type Placement struct {
	Site string
	URL  string
}

// Equivalent reports whether placing lfn at b is unnecessary because it is
// already at a.
//
// Two placements are equivalent when their locators are the same string
// ignoring case, or when they share a site, a names lfn as its final path
// segment, and both parent directories canonicalize to the same local path.
// A directory that cannot be canonicalized makes the placements distinct.
func Equivalent(a, b Placement, lfn string) bool {
	if Same(a.URL, b.URL) {
		return true
	}
	if !strings.EqualFold(a.Site, b.Site) {
		return false
	}

	src, dst := Parse(a.URL), Parse(b.URL)
	if src.Base() != lfn {
		return false
	}

	srcDir, err := canonical(src.Dir())
	if err != nil {
		return false
	}
	dstDir, err := canonical(dst.Dir())
	if err != nil {
		return false
	}
	return srcDir == dstDir
}

func canonical(dir string) (string, error) {
	abs, err := filepath.Abs(filepath.FromSlash(dir))
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
