package planner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/gostage/pkg/locator"
	"github.com/3leaps/gostage/pkg/replica"
	"github.com/3leaps/gostage/pkg/site"
	"github.com/3leaps/gostage/pkg/workflow"
)

// stageOutDeleted routes the existing replicas of a deleted job's outputs
// straight to the output site.
func (p *Planner) stageOutDeleted(ctx context.Context, job *workflow.Job) error {
	job.Level = DeletedJobsLevel
	job.Site = site.LocalHandle
	job.StagingSite = ""
	job.StagingSite = p.stagingSite(job)
	p.stats.DeletedJobs++

	put, ok := p.storage.Select(site.OperationsForPut()...)
	if !ok {
		return &TopologyError{
			Job:        job.ID,
			Site:       p.outputSite,
			Role:       site.RoleSharedStorage,
			Operations: site.OperationsForPut(),
			Err:        ErrNoFileServer,
		}
	}

	var batch []*workflow.FileTransfer
	for _, f := range job.Outputs.Files() {
		if f.TransientTransfer() {
			continue
		}

		rel, err := p.allocate(job.ID, f.LFN)
		if err != nil {
			return err
		}
		putURL := storageURL(put, rel)
		getURL, err := p.registrationURL(job.ID, p.storage, rel)
		if err != nil {
			return err
		}

		locs, err := p.durableResolver().SelectMany(ctx, job, f.LFN, p.outputSite,
			p.runsLocally(p.outputSite, putURL, StageOut))
		if err != nil {
			return err
		}

		ft := workflow.NewFileTransfer(f, job.ID)
		present := false
		for _, loc := range locs {
			if locator.Same(loc.PFN, putURL) {
				present = true
				break
			}
			ft.AddSource(loc.Site, loc.PFN)
		}
		if present {
			p.stats.AlreadyPlaced++
			p.logger.Info("output of deleted job already on output site",
				zap.String("job", job.ID), zap.String("lfn", f.LFN), zap.String("site", p.outputSite))
			continue
		}
		if len(ft.Sources) == 0 {
			return &ResolutionError{Job: job.ID, LFN: f.LFN, Err: fmt.Errorf("%w: %w", ErrUnresolvedInput, replica.ErrNoReplica)}
		}

		ft.AddDestination(p.outputSite, putURL)
		ft.RegistrationURL = getURL
		batch = append(batch, ft)
	}

	if len(batch) == 0 {
		return nil
	}
	p.stats.StageOut += len(batch)
	// The replicas already exist and are assumed reachable from the submit side.
	return p.refiner.AddStageOut(job, batch, p.durable, true, true)
}

// durableResolver resolves against the durable catalog only; placements
// made during this run are not sources for deleted jobs.
func (p *Planner) durableResolver() *Resolver {
	return NewResolver(p.durable, p.selector)
}
