package planner

import (
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gostage/pkg/locator"
	"github.com/3leaps/gostage/pkg/site"
	"github.com/3leaps/gostage/pkg/workflow"
)

// interSiteTransfers builds moves of parent outputs that job reads from
// parents staged on another site, split into submit-side and remote batches.
func (p *Planner) interSiteTransfers(job *workflow.Job, parents []*workflow.Job) (local, remote []*workflow.FileTransfer, err error) {
	dest := job.StagingSite

	for _, parent := range parents {
		if strings.EqualFold(parent.StagingSite, dest) {
			continue
		}

		var shared []*workflow.File
		for _, f := range parent.Outputs.Files() {
			if f.Ephemeral() {
				continue
			}
			if job.Inputs.Has(f.LFN) {
				shared = append(shared, f)
			}
		}
		if len(shared) == 0 {
			continue
		}

		destServer, err := p.scratchServer(job.ID, dest, site.OperationsForPut()...)
		if err != nil {
			return nil, nil, err
		}
		thirdPartyDir := p.scratchDirURL(destServer)

		runsLocally := p.runsLocally(dest, thirdPartyDir, InterSite)
		destDir := thirdPartyDir
		if !runsLocally {
			if destDir, err = p.internalDirURL(job.ID, dest, job.RemoteInitialDir); err != nil {
				return nil, nil, err
			}
		}

		parentScratch, err := p.directory(job.ID, parent.StagingSite, site.RoleSharedScratch)
		if err != nil {
			return nil, nil, err
		}
		sources := parentScratch.ServersFor(site.OperationsForGet()...)
		if len(sources) == 0 {
			return nil, nil, &TopologyError{
				Job:        job.ID,
				Site:       parent.StagingSite,
				Role:       site.RoleSharedScratch,
				Operations: site.OperationsForGet(),
				Err:        ErrNoFileServer,
			}
		}

		for _, f := range shared {
			destURL := locator.Join(destDir, f.LFN)
			thirdPartyURL := locator.Join(thirdPartyDir, f.LFN)

			ft := workflow.NewFileTransfer(f, parent.ID)
			ft.AddDestination(dest, destURL)

			// Only the destination is tracked; the parent recorded the source.
			p.tracker.Record(f.LFN, destURL, dest)

			for _, fs := range sources {
				srcURL := locator.Join(p.scratchDirURL(fs), f.LFN)
				if locator.Same(srcURL, thirdPartyURL) {
					continue
				}
				ft.AddSource(parent.StagingSite, srcURL)
			}

			if !ft.Valid() {
				p.logger.Debug("no distinct source for inter-site transfer",
					zap.String("job", job.ID), zap.String("lfn", f.LFN))
				continue
			}
			if runsLocally {
				local = append(local, ft)
			} else {
				remote = append(remote, ft)
			}
		}
	}
	return local, remote, nil
}
