package site

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Store is an in-memory site catalog for one planning run.
type Store struct {
	sites map[string]*Site

	// workDir is the per-run directory appended to mount points.
	workDir string

	// storageAddOn is the relative directory under which outputs land on
	// the output site's storage.
	storageAddOn string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithWorkDirectory sets the relative per-run work directory.
func WithWorkDirectory(dir string) StoreOption {
	return func(s *Store) { s.workDir = strings.Trim(dir, "/") }
}

// WithStorageAddOn sets the relative output directory on storage.
func WithStorageAddOn(dir string) StoreOption {
	return func(s *Store) { s.storageAddOn = strings.Trim(dir, "/") }
}

// NewStore builds a store from the given sites. Later duplicates replace
// earlier ones.
func NewStore(sites []*Site, opts ...StoreOption) *Store {
	s := &Store{sites: make(map[string]*Site, len(sites))}
	for _, opt := range opts {
		opt(s)
	}
	for _, st := range sites {
		s.Add(st)
	}
	return s
}

// Add registers a site.
func (s *Store) Add(st *Site) {
	if st == nil {
		return
	}
	s.sites[st.Handle] = st
}

// Lookup returns the site with the given handle.
func (s *Store) Lookup(handle string) (*Site, bool) {
	st, ok := s.sites[handle]
	return st, ok
}

// Handles returns all site handles, sorted.
func (s *Store) Handles() []string {
	out := make([]string, 0, len(s.sites))
	for h := range s.sites {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// WorkDirectory returns the relative per-run work directory.
func (s *Store) WorkDirectory() string { return s.workDir }

// StorageAddOn returns the relative output directory on storage.
func (s *Store) StorageAddOn() string { return s.storageAddOn }

// ExternalWorkDirectory is the work directory as reached through server.
func (s *Store) ExternalWorkDirectory(server FileServer) string {
	return joinDir(server.MountPoint, s.workDir)
}

// InternalWorkDirectory is the work directory as seen by jobs on the site.
//
// An absolute remoteInitialDir replaces the computed directory; a relative
// one replaces the per-run work directory under the scratch mount point.
func (s *Store) InternalWorkDirectory(handle, remoteInitialDir string) (string, error) {
	if strings.HasPrefix(remoteInitialDir, "/") {
		return path.Clean(remoteInitialDir), nil
	}

	st, ok := s.Lookup(handle)
	if !ok {
		return "", fmt.Errorf("site %s not found in site catalog", handle)
	}
	scratch, ok := st.Directory(RoleSharedScratch)
	if !ok {
		return "", fmt.Errorf("site %s has no %s directory", handle, RoleSharedScratch)
	}

	rel := s.workDir
	if remoteInitialDir != "" {
		rel = remoteInitialDir
	}
	return joinDir(scratch.InternalMountPoint, rel), nil
}

// joinDir joins an absolute mount point with a relative directory without
// collapsing the mount point's own form.
func joinDir(mount, rel string) string {
	mount = strings.TrimRight(mount, "/")
	rel = strings.Trim(rel, "/")
	if rel == "" {
		if mount == "" {
			return "/"
		}
		return mount
	}
	return mount + "/" + rel
}
