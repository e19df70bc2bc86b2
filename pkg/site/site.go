// Package site models per-site storage topology: directories classified by
// role, each exposing file servers keyed by the operation they support.
package site

import (
	"errors"
	"fmt"
	"strings"
)

// LocalHandle is the handle of the submit-side site.
const LocalHandle = "local"

// Operation is the kind of access a file server supports.
type Operation string

const (
	// OpGet marks read-only servers.
	OpGet Operation = "get"

	// OpPut marks write-only servers.
	OpPut Operation = "put"

	// OpAll marks servers usable for both reads and writes.
	OpAll Operation = "all"
)

// OperationsForGet lists the operations usable for reads, in preference order.
func OperationsForGet() []Operation { return []Operation{OpGet, OpAll} }

// OperationsForPut lists the operations usable for writes, in preference order.
func OperationsForPut() []Operation { return []Operation{OpPut, OpAll} }

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpGet, OpPut, OpAll:
		return true
	}
	return false
}

// Role classifies a site directory.
type Role string

const (
	RoleSharedScratch Role = "shared-scratch"
	RoleSharedStorage Role = "shared-storage"
	RoleLocalScratch  Role = "local-scratch"
	RoleLocalStorage  Role = "local-storage"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSharedScratch, RoleSharedStorage, RoleLocalScratch, RoleLocalStorage:
		return true
	}
	return false
}

// FileServer is an endpoint through which a directory is reachable.
type FileServer struct {
	Operation  Operation `json:"operation" yaml:"operation"`
	URLPrefix  string    `json:"url_prefix" yaml:"url_prefix"`
	MountPoint string    `json:"mount_point" yaml:"mount_point"`
}

// Directory is a storage area on a site.
type Directory struct {
	Role Role `json:"role" yaml:"role"`

	// InternalMountPoint is the path of the directory as seen by jobs
	// running on the site.
	InternalMountPoint string `json:"internal_mount_point" yaml:"internal_mount_point"`

	Servers []FileServer `json:"file_servers" yaml:"file_servers"`
}

// Select returns the first server supporting one of ops, trying ops in order.
func (d *Directory) Select(ops ...Operation) (FileServer, bool) {
	if d == nil {
		return FileServer{}, false
	}
	for _, op := range ops {
		for _, fs := range d.Servers {
			if fs.Operation == op {
				return fs, true
			}
		}
	}
	return FileServer{}, false
}

// ServersFor returns every server supporting one of ops, grouped by op in
// the order given.
func (d *Directory) ServersFor(ops ...Operation) []FileServer {
	if d == nil {
		return nil
	}
	var out []FileServer
	for _, op := range ops {
		for _, fs := range d.Servers {
			if fs.Operation == op {
				out = append(out, fs)
			}
		}
	}
	return out
}

// Site is one execution or storage site.
type Site struct {
	Handle      string      `json:"handle" yaml:"handle"`
	Directories []Directory `json:"directories" yaml:"directories"`
}

// Directory returns the first directory with the given role.
func (s *Site) Directory(role Role) (*Directory, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Directories {
		if s.Directories[i].Role == role {
			return &s.Directories[i], true
		}
	}
	return nil, false
}

// Validate checks that handles, roles and operations are well formed.
func (s *Site) Validate() error {
	if strings.TrimSpace(s.Handle) == "" {
		return errors.New("site handle is required")
	}
	for i, d := range s.Directories {
		if !d.Role.Valid() {
			return fmt.Errorf("site %s: directories[%d]: unknown role %q", s.Handle, i, d.Role)
		}
		for j, fs := range d.Servers {
			if !fs.Operation.Valid() {
				return fmt.Errorf("site %s: directories[%d].file_servers[%d]: unknown operation %q", s.Handle, i, j, fs.Operation)
			}
			if strings.TrimSpace(fs.URLPrefix) == "" {
				return fmt.Errorf("site %s: directories[%d].file_servers[%d]: url_prefix is required", s.Handle, i, j)
			}
		}
	}
	return nil
}
