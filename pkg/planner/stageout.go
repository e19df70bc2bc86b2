package planner

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/gostage/pkg/layout"
	"github.com/3leaps/gostage/pkg/locator"
	"github.com/3leaps/gostage/pkg/site"
	"github.com/3leaps/gostage/pkg/workflow"
)

// prepareStageOut checks the output site and sizes the output layout for
// every non-transient output in the run.
func (p *Planner) prepareStageOut(g *workflow.Graph, deleted []*workflow.Job) error {
	dir, err := p.directory("", p.outputSite, site.RoleSharedStorage)
	if err != nil {
		return err
	}

	total := 0
	count := func(jobs []*workflow.Job) {
		for _, job := range jobs {
			for _, f := range job.Outputs.Files() {
				if !f.TransientTransfer() {
					total++
				}
			}
		}
	}
	count(g.Jobs())
	count(deleted)

	alloc, err := layout.New(p.deep, p.sites.StorageAddOn(), total, p.fanout)
	if err != nil {
		return fmt.Errorf("planner: output layout: %w", err)
	}
	p.allocator = alloc
	p.storage = dir

	p.logger.Debug("output layout prepared",
		zap.String("output_site", p.outputSite),
		zap.Bool("deep", p.deep),
		zap.Int("files", total))
	return nil
}

// allocate reserves the relative output path of lfn.
func (p *Planner) allocate(jobID, lfn string) (string, error) {
	rel, err := p.allocator.Allocate(lfn)
	if err != nil {
		return "", fmt.Errorf("planner: job %s: %w", jobID, err)
	}
	return rel, nil
}

// stageOut moves job's outputs from its staging site to the output site.
func (p *Planner) stageOut(job *workflow.Job) error {
	server, err := p.scratchServer(job.ID, job.StagingSite, site.OperationsForPut()...)
	if err != nil {
		return err
	}
	runsLocally := p.runsLocally(job.Site, server.URLPrefix, StageOut)

	var batch []*workflow.FileTransfer
	for _, f := range job.Outputs.Files() {
		ft, err := p.stageOutTransfer(job, f, runsLocally)
		if err != nil {
			return err
		}
		if ft != nil {
			batch = append(batch, ft)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	p.stats.StageOut += len(batch)
	return p.refiner.AddStageOut(job, batch, p.durable, runsLocally, false)
}

// stageOutTransfer builds the descriptor for one output. It returns nil for
// files that are neither transferred nor registered.
func (p *Planner) stageOutTransfer(job *workflow.Job, f *workflow.File, runsLocally bool) (*workflow.FileTransfer, error) {
	staging := job.StagingSite

	execURL, err := p.stagingURL(job.ID, staging, f.LFN, site.OperationsForPut()...)
	if err != nil {
		return nil, err
	}
	p.tracker.Record(f.LFN, execURL, staging)

	if f.Ephemeral() {
		return nil, nil
	}

	ft := workflow.NewFileTransfer(f, job.ID)

	// Not moved, only registered where it was produced.
	if f.TransientTransfer() {
		ft.AddSource(staging, execURL)
		ft.AddDestination(staging, execURL)
		ft.RegistrationURL = execURL
		return ft, nil
	}

	src := execURL
	if !runsLocally {
		dir, err := p.internalDirURL(job.ID, staging, job.RemoteInitialDir)
		if err != nil {
			return nil, err
		}
		src = locator.Join(dir, f.LFN)
	}
	ft.AddSource(staging, src)

	if f.Destination != nil {
		ft.AddDestination(f.Destination.Site, f.Destination.URL)
		return ft, nil
	}

	servers := p.storage.ServersFor(site.OperationsForPut()...)
	if len(servers) == 0 {
		return nil, &TopologyError{
			Job:        job.ID,
			Site:       p.outputSite,
			Role:       site.RoleSharedStorage,
			Operations: site.OperationsForPut(),
			Err:        ErrNoFileServer,
		}
	}

	rel, err := p.allocate(job.ID, f.LFN)
	if err != nil {
		return nil, err
	}

	for _, fs := range servers {
		destURL := storageURL(fs, rel)
		if locator.Same(execURL, destURL) {
			// Already where it needs to be: register in place.
			ft.AddDestination(staging, execURL)
			ft.RegistrationURL = execURL
			ft.Transfer = workflow.TransferNever
			p.stats.AlreadyPlaced++
			p.logger.Debug("output already on output site",
				zap.String("job", job.ID), zap.String("lfn", f.LFN))
			return ft, nil
		}
		ft.AddDestination(p.outputSite, destURL)
	}

	if ft.RegistrationURL, err = p.registrationURL(job.ID, p.storage, rel); err != nil {
		return nil, err
	}
	return ft, nil
}

// trackOutputs records where job's outputs sit on its staging site when no
// output site is configured.
func (p *Planner) trackOutputs(job *workflow.Job) error {
	for _, f := range job.Outputs.Files() {
		url, err := p.stagingURL(job.ID, job.StagingSite, f.LFN, site.OperationsForGet()...)
		if err != nil {
			return err
		}
		p.tracker.Record(f.LFN, url, job.StagingSite)
	}
	return nil
}
