package planner

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/gostage/pkg/locator"
	"github.com/3leaps/gostage/pkg/site"
	"github.com/3leaps/gostage/pkg/workflow"
)

// stageIn builds transfers that pull job's orphan inputs from their
// replicas onto its staging site.
func (p *Planner) stageIn(ctx context.Context, job *workflow.Job, files []*workflow.File) error {
	staging := job.StagingSite

	server, err := p.scratchServer(job.ID, staging, site.OperationsForPut()...)
	if err != nil {
		return err
	}
	stagingDir := p.scratchDirURL(server)

	runsLocally := p.runsLocally(staging, stagingDir, StageIn)
	destDir := stagingDir
	if !runsLocally {
		if destDir, err = p.internalDirURL(job.ID, staging, job.RemoteInitialDir); err != nil {
			return err
		}
	}

	var local, remote []*workflow.FileTransfer
	for _, f := range files {
		var srcSite, srcURL, destURL string

		if f.PreResolved() {
			if f.Source == nil || f.Destination == nil {
				return &ResolutionError{Job: job.ID, LFN: f.LFN, Err: errPartialPreResolved}
			}
			srcSite, srcURL = f.Source.Site, f.Source.URL
			destURL = f.Destination.URL
			if !p.runsLocally(staging, destURL, StageIn) {
				destURL = locator.FileURL(locator.Parse(destURL).Path)
			}
		} else {
			loc, ok, err := p.resolver.SelectOne(ctx, job, f, job.Site, runsLocally)
			if err != nil {
				return err
			}
			if !ok {
				p.stats.DroppedOptional++
				p.logger.Debug("dropping optional input with no replica",
					zap.String("job", job.ID), zap.String("lfn", f.LFN))
				continue
			}
			srcSite, srcURL = loc.Site, loc.PFN
		}

		linked := p.links && srcSite == staging
		if linked {
			srcURL = p.srm.ToFile(srcSite, srcURL)
		}
		if destURL == "" {
			if linked {
				destURL = locator.Join(locator.Link(destDir), f.LFN)
			} else {
				destURL = locator.Join(destDir, f.LFN)
			}
		}

		staged := locator.Join(stagingDir, f.LFN)
		if locator.Equivalent(
			locator.Placement{Site: srcSite, URL: srcURL},
			locator.Placement{Site: staging, URL: staged},
			f.LFN,
		) {
			p.stats.AlreadyPlaced++
			p.logger.Debug("input already on staging site",
				zap.String("job", job.ID), zap.String("lfn", f.LFN), zap.String("site", staging))
			continue
		}

		p.tracker.Record(f.LFN, staged, staging)

		ft := workflow.NewFileTransfer(f, job.ID)
		ft.AddSource(srcSite, srcURL)
		ft.AddDestination(staging, destURL)

		if linked || !runsLocally {
			remote = append(remote, ft)
		} else {
			local = append(local, ft)
		}
	}

	if len(local) == 0 && len(remote) == 0 {
		return nil
	}
	p.stats.StageIn += len(local) + len(remote)
	return p.refiner.AddStageIn(job, local, remote)
}
