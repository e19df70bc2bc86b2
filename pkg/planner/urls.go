package planner

import (
	"strings"

	"github.com/3leaps/gostage/pkg/locator"
	"github.com/3leaps/gostage/pkg/site"
)

// lookupSite returns the site or a TopologyError naming job.
func (p *Planner) lookupSite(jobID, handle string) (*site.Site, error) {
	st, ok := p.sites.Lookup(handle)
	if !ok {
		return nil, &TopologyError{Job: jobID, Site: handle, Err: ErrMissingSite}
	}
	return st, nil
}

// directory returns the directory of handle with role.
func (p *Planner) directory(jobID, handle string, role site.Role) (*site.Directory, error) {
	st, err := p.lookupSite(jobID, handle)
	if err != nil {
		return nil, err
	}
	dir, ok := st.Directory(role)
	if !ok {
		return nil, &TopologyError{Job: jobID, Site: handle, Role: role, Err: ErrMissingDirectory}
	}
	return dir, nil
}

// scratchServer selects the shared-scratch server of handle for ops.
func (p *Planner) scratchServer(jobID, handle string, ops ...site.Operation) (site.FileServer, error) {
	dir, err := p.directory(jobID, handle, site.RoleSharedScratch)
	if err != nil {
		return site.FileServer{}, err
	}
	fs, ok := dir.Select(ops...)
	if !ok {
		return site.FileServer{}, &TopologyError{Job: jobID, Site: handle, Role: site.RoleSharedScratch, Operations: ops, Err: ErrNoFileServer}
	}
	return fs, nil
}

// scratchDirURL is the externally visible URL of the work directory on
// handle's shared scratch, reached through server.
func (p *Planner) scratchDirURL(server site.FileServer) string {
	return server.URLPrefix + p.sites.ExternalWorkDirectory(server)
}

// stagingURL is the scratch URL of lfn on handle through the first server
// matching ops.
func (p *Planner) stagingURL(jobID, handle, lfn string, ops ...site.Operation) (string, error) {
	fs, err := p.scratchServer(jobID, handle, ops...)
	if err != nil {
		return "", err
	}
	return locator.Join(p.scratchDirURL(fs), lfn), nil
}

// internalDirURL is the file:// URL of a job's work directory as seen on
// handle itself.
func (p *Planner) internalDirURL(jobID, handle, remoteInitialDir string) (string, error) {
	dir, err := p.sites.InternalWorkDirectory(handle, remoteInitialDir)
	if err != nil {
		return "", &TopologyError{Job: jobID, Site: handle, Role: site.RoleSharedScratch, Err: err}
	}
	return locator.FileURL(dir), nil
}

// storageURL places an allocated relative path under server's mount point.
func storageURL(server site.FileServer, rel string) string {
	return server.URLPrefix + strings.TrimRight(server.MountPoint, "/") + "/" + strings.TrimLeft(rel, "/")
}

// registrationURL is the storage URL of rel through the first read-capable
// server of dir.
func (p *Planner) registrationURL(jobID string, dir *site.Directory, rel string) (string, error) {
	fs, ok := dir.Select(site.OperationsForGet()...)
	if !ok {
		return "", &TopologyError{
			Job:        jobID,
			Site:       p.outputSite,
			Role:       dir.Role,
			Operations: site.OperationsForGet(),
			Err:        ErrNoFileServer,
		}
	}
	return storageURL(fs, rel), nil
}
