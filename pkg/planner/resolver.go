package planner

import (
	"context"
	"fmt"

	"github.com/3leaps/gostage/pkg/locator"
	"github.com/3leaps/gostage/pkg/replica"
	"github.com/3leaps/gostage/pkg/workflow"
)

// Resolver finds and selects replica locations for job inputs.
type Resolver struct {
	catalog  replica.Catalog
	selector replica.Selector
}

// NewResolver pairs a catalog with a selection policy.
func NewResolver(catalog replica.Catalog, selector replica.Selector) *Resolver {
	return &Resolver{catalog: catalog, selector: selector}
}

func (r *Resolver) lookup(ctx context.Context, job *workflow.Job, lfn string) (*replica.Record, error) {
	rec, err := r.catalog.Lookup(ctx, lfn)
	if err != nil {
		return nil, &ResolutionError{Job: job.ID, LFN: lfn, Err: err}
	}
	if rec == nil || len(rec.Locations) == 0 {
		return nil, nil
	}
	return rec, nil
}

// SelectOne picks the source of f for a transfer into targetSite.
//
// An optional file with no usable location is removed from job's inputs
// and reported with ok == false. Any other miss is a ResolutionError.
func (r *Resolver) SelectOne(ctx context.Context, job *workflow.Job, f *workflow.File, targetSite string, preferLocal bool) (loc replica.Location, ok bool, err error) {
	rec, err := r.lookup(ctx, job, f.LFN)
	if err != nil {
		return replica.Location{}, false, err
	}

	var selErr error
	if rec != nil {
		loc, selErr = r.selector.SelectOne(rec, targetSite, preferLocal)
		if selErr == nil {
			return loc, true, nil
		}
	}

	if f.Optional {
		job.Inputs.Remove(f.LFN)
		return replica.Location{}, false, nil
	}
	if selErr == nil {
		selErr = ErrUnresolvedInput
	} else {
		selErr = fmt.Errorf("%w: %w", ErrUnresolvedInput, selErr)
	}
	return replica.Location{}, false, &ResolutionError{Job: job.ID, LFN: f.LFN, Err: selErr}
}

// SelectMany returns every usable location of lfn for targetSite, preferred
// first. A file with no record is a ResolutionError.
func (r *Resolver) SelectMany(ctx context.Context, job *workflow.Job, lfn, targetSite string, preferLocal bool) ([]replica.Location, error) {
	rec, err := r.lookup(ctx, job, lfn)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &ResolutionError{Job: job.ID, LFN: lfn, Err: ErrUnresolvedInput}
	}
	return r.selector.SelectMany(rec, targetSite, preferLocal), nil
}

// ResolveSubWorkflow points a nested-workflow job at the local copy of its
// description file.
//
// The job's own inputs are dropped; the nested workflow stages its own
// data. Planned workflows get DescriptionFile set, abstract workflows get
// "--dax <path>" appended to their arguments.
func (r *Resolver) ResolveSubWorkflow(ctx context.Context, job *workflow.Job) error {
	job.Inputs.Clear()

	lfn := job.SubWorkflowLFN
	rec, err := r.lookup(ctx, job, lfn)
	if err != nil {
		return err
	}
	if rec == nil {
		return &ResolutionError{Job: job.ID, LFN: lfn, Err: ErrUnresolvedInput}
	}
	loc, err := r.selector.SelectOne(rec, job.Site, true)
	if err != nil {
		return &ResolutionError{Job: job.ID, LFN: lfn, Err: fmt.Errorf("%w: %w", ErrUnresolvedInput, err)}
	}

	l := locator.Parse(loc.PFN)
	if !l.IsLocalFile() || l.Path == "" {
		return &InvalidLocatorError{Job: job.ID, PFN: loc.PFN}
	}

	switch job.Kind {
	case workflow.KindPlannedWorkflow:
		job.DescriptionFile = l.Path
	case workflow.KindAbstractWorkflow:
		if job.Arguments == "" {
			job.Arguments = "--dax " + l.Path
		} else {
			job.Arguments += " --dax " + l.Path
		}
	}
	return nil
}
