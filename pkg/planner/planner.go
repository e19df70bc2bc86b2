// Package planner adds data-movement transfers to a reduced workflow graph.
//
// A Planner walks the graph once in topological order. For every job it
// builds inter-site transfers from parents on other staging sites, stage-in
// transfers for inputs no parent produces, and stage-out transfers to the
// output site. It then routes the outputs of jobs removed by reduction
// straight to the output site. Descriptor batches go to a Refiner, which
// turns them into transfer nodes.
//
// A Planner is single use and not safe for concurrent use.
package planner

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gostage/pkg/layout"
	"github.com/3leaps/gostage/pkg/locator"
	"github.com/3leaps/gostage/pkg/placement"
	"github.com/3leaps/gostage/pkg/replica"
	"github.com/3leaps/gostage/pkg/site"
	"github.com/3leaps/gostage/pkg/workflow"
)

// DeletedJobsLevel is the level given to jobs removed by reduction. It sorts
// after every real depth.
const DeletedJobsLevel = 1000

// TransferKind classifies transfer nodes.
type TransferKind string

const (
	StageIn   TransferKind = "stage-in"
	InterSite TransferKind = "inter-site"
	StageOut  TransferKind = "stage-out"
)

// Refiner turns descriptor batches into transfer nodes.
type Refiner interface {
	// AddStageIn receives the stage-in descriptors of job, split by where
	// the transfer runs. Either batch may be empty, not both.
	AddStageIn(job *workflow.Job, local, remote []*workflow.FileTransfer) error

	// AddInterSite receives one non-empty batch of parent-to-child moves.
	AddInterSite(job *workflow.Job, batch []*workflow.FileTransfer, runsLocally bool) error

	// AddStageOut receives the stage-out descriptors of job. rc is the
	// catalog that registration nodes should consult.
	AddStageOut(job *workflow.Job, batch []*workflow.FileTransfer, rc replica.Catalog, runsLocally, deleted bool) error

	// Done is called exactly once, after every batch.
	Done(ctx context.Context) error

	// PreferenceForTransferLocation reports whether the refiner dictates
	// where transfers of kind run, overriding every other signal.
	PreferenceForTransferLocation(kind TransferKind) bool

	// PreferLocalTransfers is consulted when PreferenceForTransferLocation
	// is set.
	PreferLocalTransfers(kind TransferKind) bool

	// RunTransferRemotely forces transfers of kind into site to run remotely.
	RunTransferRemotely(site string, kind TransferKind) bool
}

// Options configures a Planner.
type Options struct {
	Sites    *site.Store
	Catalog  replica.Catalog
	Selector replica.Selector
	Refiner  Refiner

	// OutputSite receives stage-out transfers. Empty disables stage-out.
	OutputSite string

	// StagingSites maps an execution site to the site its jobs stage through.
	StagingSites map[string]string

	// DeepStorage selects the hashed output layout.
	DeepStorage bool

	// Fanout bounds entries per directory in the hashed layout.
	Fanout int

	// UseSymlinks links inputs already held on the staging site.
	UseSymlinks bool

	// WorkerNodeExecution is recorded for diagnostics; first-level staging
	// is never bypassed.
	WorkerNodeExecution bool

	SRM locator.SRMMap

	Logger *zap.Logger
}

// Stats counts what a planning run produced.
type Stats struct {
	Jobs            int `json:"jobs"`
	DeletedJobs     int `json:"deleted_jobs"`
	StageIn         int `json:"stage_in"`
	InterSite       int `json:"inter_site"`
	StageOut        int `json:"stage_out"`
	DroppedOptional int `json:"dropped_optional"`
	AlreadyPlaced   int `json:"already_placed"`
}

// Planner builds the transfer plan for one workflow.
type Planner struct {
	sites    *site.Store
	durable  replica.Catalog
	catalog  replica.Catalog
	selector replica.Selector
	refiner  Refiner
	tracker  *placement.Tracker
	resolver *Resolver
	logger   *zap.Logger

	outputSite   string
	stagingSites map[string]string
	deep         bool
	fanout       int
	links        bool
	srm          locator.SRMMap

	// Set once stage-out is prepared.
	allocator layout.Allocator
	storage   *site.Directory

	planned bool
	stats   Stats
}

// New validates opts and returns a fresh planner.
func New(opts Options) (*Planner, error) {
	if opts.Sites == nil {
		return nil, errors.New("planner: site store is required")
	}
	if opts.Refiner == nil {
		return nil, errors.New("planner: refiner is required")
	}
	if opts.Catalog == nil {
		opts.Catalog = replica.NewMemory()
	}
	if opts.Selector == nil {
		opts.Selector = replica.Default{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	tracker := placement.NewTracker()
	catalog := replica.Layered{tracker, opts.Catalog}

	p := &Planner{
		sites:        opts.Sites,
		durable:      opts.Catalog,
		catalog:      catalog,
		selector:     opts.Selector,
		refiner:      opts.Refiner,
		tracker:      tracker,
		resolver:     NewResolver(catalog, opts.Selector),
		logger:       opts.Logger,
		outputSite:   strings.TrimSpace(opts.OutputSite),
		stagingSites: opts.StagingSites,
		deep:         opts.DeepStorage,
		fanout:       opts.Fanout,
		links:        opts.UseSymlinks,
		srm:          opts.SRM,
	}
	if opts.WorkerNodeExecution {
		p.logger.Debug("worker node execution requested; first-level staging is still performed")
	}
	return p, nil
}

// Tracker returns the placements recorded so far.
func (p *Planner) Tracker() *placement.Tracker { return p.tracker }

// Catalog returns the tracker layered over the durable catalog.
func (p *Planner) Catalog() replica.Catalog { return p.catalog }

// Stats returns counts for the run.
func (p *Planner) Stats() Stats { return p.stats }

// Plan adds transfers for every job in g and for the deleted jobs.
//
// Any error aborts the run; Done is then not called on the refiner.
func (p *Planner) Plan(ctx context.Context, g *workflow.Graph, deleted []*workflow.Job) error {
	if p.planned {
		return ErrAlreadyPlanned
	}
	p.planned = true

	visits, err := g.Topological()
	if err != nil {
		return err
	}

	stageOut := p.outputSite != ""
	if stageOut {
		if err := p.prepareStageOut(g, deleted); err != nil {
			return err
		}
	}

	for _, v := range visits {
		if err := ctx.Err(); err != nil {
			return err
		}
		job := v.Job
		job.Level = v.Depth
		job.StagingSite = p.stagingSite(job)
		p.stats.Jobs++

		p.logger.Debug("planning job",
			zap.String("job", job.ID),
			zap.String("site", job.Site),
			zap.String("staging_site", job.StagingSite),
			zap.Int("level", job.Level))

		if err := p.processParents(ctx, job, g.Parents(job.ID)); err != nil {
			return err
		}

		if stageOut {
			if err := p.stageOut(job); err != nil {
				return err
			}
		} else if err := p.trackOutputs(job); err != nil {
			return err
		}
	}

	if stageOut && len(deleted) > 0 {
		p.logger.Info("adding stage-out transfers for deleted jobs", zap.Int("jobs", len(deleted)))
		for _, job := range deleted {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.stageOutDeleted(ctx, job); err != nil {
				return err
			}
		}
	}

	return p.refiner.Done(ctx)
}

// stagingSite resolves where job's scratch data lands: the configured
// mapping for its execution site, else an explicit staging site, else the
// execution site itself.
func (p *Planner) stagingSite(job *workflow.Job) string {
	if ss, ok := p.stagingSites[job.Site]; ok && ss != "" {
		return ss
	}
	if job.StagingSite != "" {
		return job.StagingSite
	}
	return job.Site
}

// runsLocally decides whether a transfer into siteHandle, landing at url,
// runs on the submit side.
func (p *Planner) runsLocally(siteHandle, url string, kind TransferKind) bool {
	if siteHandle == site.LocalHandle {
		return true
	}
	if p.refiner.PreferenceForTransferLocation(kind) {
		return p.refiner.PreferLocalTransfers(kind)
	}
	if p.refiner.RunTransferRemotely(siteHandle, kind) {
		return false
	}
	// A file:// destination is only writable from the site that holds it.
	if locator.HasFileScheme(url) {
		return false
	}
	return true
}

// processParents emits inter-site transfers from job's parents and resolves
// the inputs no parent produces.
func (p *Planner) processParents(ctx context.Context, job *workflow.Job, parents []*workflow.Job) error {
	local, remote, err := p.interSiteTransfers(job, parents)
	if err != nil {
		return err
	}
	if len(local) > 0 {
		p.stats.InterSite += len(local)
		if err := p.refiner.AddInterSite(job, local, true); err != nil {
			return err
		}
	}
	if len(remote) > 0 {
		p.stats.InterSite += len(remote)
		if err := p.refiner.AddInterSite(job, remote, false); err != nil {
			return err
		}
	}

	produced := map[string]bool{}
	for _, parent := range parents {
		for _, f := range parent.Outputs.Files() {
			produced[f.LFN] = true
		}
	}

	var search []*workflow.File
	for _, f := range job.Inputs.Files() {
		if produced[f.LFN] || f.TransientTransfer() {
			continue
		}
		search = append(search, f)
	}

	if job.Kind.Nested() {
		return p.resolver.ResolveSubWorkflow(ctx, job)
	}
	if len(search) == 0 {
		return nil
	}
	return p.stageIn(ctx, job, search)
}
