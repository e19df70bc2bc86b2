// Package planrun drives one planning run from a plan manifest: it loads
// the documents the manifest names, runs the planner through a refiner
// bundle, and emits nodes, placements and a summary to the configured
// outputs.
//
// The CLI and the HTTP service share this package so both produce the
// same records for the same manifest.
package planrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gostage/pkg/layout"
	"github.com/3leaps/gostage/pkg/manifest"
	"github.com/3leaps/gostage/pkg/output"
	"github.com/3leaps/gostage/pkg/planner"
	"github.com/3leaps/gostage/pkg/planstore"
	"github.com/3leaps/gostage/pkg/refiner"
	"github.com/3leaps/gostage/pkg/replica"
	"github.com/3leaps/gostage/pkg/source"
)

// Run is a prepared planning run. It is single use.
type Run struct {
	ID       string
	Manifest *manifest.Manifest
	Settings Settings
	Inputs   *Inputs

	logger   *zap.Logger
	executed bool
}

// Outputs are where a run's records go. Every field is optional.
type Outputs struct {
	// Writer receives node, placement, error and summary records.
	Writer output.Writer

	// Store persists the run, its nodes and its placements.
	Store *planstore.Store

	// Placements writes placement records to Writer after the nodes.
	Placements bool

	// Cache receives the run's placements in text catalog format.
	Cache io.Writer
}

// Result describes a completed run.
type Result struct {
	RunID      string
	Workflow   string
	Nodes      []*refiner.Node
	Placements []output.PlacementRecord
	Summary    output.SummaryRecord
}

// ErrAlreadyExecuted is returned when Execute is called twice.
var ErrAlreadyExecuted = errors.New("planrun: run already executed")

// Prepare merges base with the manifest options and loads every input
// document. The returned Run must be closed.
func Prepare(ctx context.Context, r *source.Reader, m *manifest.Manifest, base Settings, logger *zap.Logger) (*Run, error) {
	if m == nil {
		return nil, errors.New("planrun: manifest is required")
	}
	if r == nil {
		r = source.NewReader(source.S3Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := base.Merge(m)
	if err := s.Policy.Validate(); err != nil {
		return nil, err
	}

	in, err := LoadInputs(ctx, r, m, s)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	logger.Debug("Prepared plan run",
		zap.String("run_id", id),
		zap.String("workflow", in.Workflow.Name),
		zap.Int("jobs", in.Workflow.Graph.Len()),
		zap.Int("deleted_jobs", len(in.Workflow.Deleted)),
		zap.String("output_site", s.OutputSite))

	return &Run{
		ID:       id,
		Manifest: m,
		Settings: s,
		Inputs:   in,
		logger:   logger.With(zap.String("run_id", id)),
	}, nil
}

// Name returns the workflow name, falling back to the workflow locator.
func (r *Run) Name() string {
	if r.Inputs != nil && r.Inputs.Workflow.Name != "" {
		return r.Inputs.Workflow.Name
	}
	return r.Manifest.Workflow
}

// Close releases the run's inputs.
func (r *Run) Close() error {
	if r.Inputs == nil {
		return nil
	}
	return r.Inputs.Close()
}

// Execute plans the workflow and emits the results to out.
//
// A planning error is written as an error record, marks the stored run
// failed, and is returned.
func (r *Run) Execute(ctx context.Context, out Outputs) (*Result, error) {
	if r.executed {
		return nil, ErrAlreadyExecuted
	}
	r.executed = true

	start := time.Now()
	s := r.Settings

	if out.Store != nil {
		if err := out.Store.BeginRun(ctx, r.ID, r.Name()); err != nil {
			return nil, fmt.Errorf("begin run: %w", err)
		}
	}

	var sinks []refiner.Sink
	if out.Writer != nil {
		sinks = append(sinks, refiner.JSONLSink{W: out.Writer})
	}
	if out.Store != nil {
		sinks = append(sinks, refiner.StoreSink{Store: out.Store, RunID: r.ID})
	}

	bundle, err := refiner.New(refiner.Options{
		Policy:              s.Policy,
		MaxTransfersPerNode: s.MaxTransfersPerNode,
		Sinks:               sinks,
		Logger:              r.logger,
	})
	if err != nil {
		return nil, r.fail(ctx, out, err)
	}

	selector, err := replica.NewSelector(s.Selector, s.Patterns)
	if err != nil {
		return nil, r.fail(ctx, out, err)
	}

	p, err := planner.New(planner.Options{
		Sites:               r.Inputs.Sites,
		Catalog:             r.Inputs.Catalog,
		Selector:            selector,
		Refiner:             bundle,
		OutputSite:          s.OutputSite,
		StagingSites:        s.StagingSites,
		DeepStorage:         s.Deep,
		Fanout:              s.Fanout,
		UseSymlinks:         s.Links,
		WorkerNodeExecution: s.WorkerNode,
		SRM:                 s.SRM,
		Logger:              r.logger,
	})
	if err != nil {
		return nil, r.fail(ctx, out, err)
	}

	wf := r.Inputs.Workflow
	if err := p.Plan(ctx, wf.Graph, wf.Deleted); err != nil {
		return nil, r.fail(ctx, out, err)
	}

	res := &Result{
		RunID:    r.ID,
		Workflow: r.Name(),
		Nodes:    bundle.Nodes(),
	}
	for _, e := range p.Tracker().Entries() {
		res.Placements = append(res.Placements, output.PlacementRecord{LFN: e.LFN, PFN: e.PFN, Site: e.Site})
	}

	if out.Writer != nil && out.Placements {
		for i := range res.Placements {
			if err := out.Writer.WritePlacement(ctx, &res.Placements[i]); err != nil {
				return nil, r.fail(ctx, out, err)
			}
		}
	}
	if out.Store != nil {
		if err := out.Store.PutPlacements(ctx, r.ID, res.Placements); err != nil {
			return nil, r.fail(ctx, out, err)
		}
	}
	if out.Cache != nil {
		if err := replica.WriteFile(out.Cache, p.Tracker().Records()); err != nil {
			return nil, r.fail(ctx, out, fmt.Errorf("write cache: %w", err))
		}
	}

	res.Summary = summarize(p.Stats(), res.Nodes, time.Since(start))
	if out.Writer != nil {
		if err := out.Writer.WriteSummary(ctx, &res.Summary); err != nil {
			return nil, r.fail(ctx, out, err)
		}
	}
	if out.Store != nil {
		if err := out.Store.FinishRun(ctx, r.ID, &res.Summary, nil); err != nil {
			return nil, fmt.Errorf("finish run: %w", err)
		}
	}

	r.logger.Info("Plan completed",
		zap.Int("jobs", res.Summary.Jobs),
		zap.Int("nodes", res.Summary.Nodes),
		zap.Int("stage_in", res.Summary.StageIn),
		zap.Int("inter_site", res.Summary.InterSite),
		zap.Int("stage_out", res.Summary.StageOut),
		zap.Int("registrations", res.Summary.Registrations),
		zap.Duration("duration", res.Summary.Duration))
	return res, nil
}

// fail records err on every output and returns it.
func (r *Run) fail(ctx context.Context, out Outputs, err error) error {
	// The outputs are still written when ctx was canceled.
	wctx := context.WithoutCancel(ctx)

	if out.Writer != nil {
		if werr := out.Writer.WriteError(wctx, ErrorRecordFor(err)); werr != nil {
			r.logger.Debug("Failed to emit error record", zap.Error(werr))
		}
	}
	if out.Store != nil {
		if serr := out.Store.FinishRun(wctx, r.ID, nil, err); serr != nil && !errors.Is(serr, planstore.ErrRunNotFound) {
			r.logger.Warn("Failed to mark run failed", zap.Error(serr))
		}
	}
	r.logger.Error("Plan failed", zap.Error(err))
	return err
}

func summarize(st planner.Stats, nodes []*refiner.Node, d time.Duration) output.SummaryRecord {
	sum := output.SummaryRecord{
		Jobs:            st.Jobs,
		DeletedJobs:     st.DeletedJobs,
		Nodes:           len(nodes),
		StageIn:         st.StageIn,
		InterSite:       st.InterSite,
		StageOut:        st.StageOut,
		DroppedOptional: st.DroppedOptional,
		AlreadyPlaced:   st.AlreadyPlaced,
		Duration:        d,
		DurationHuman:   d.Round(time.Millisecond).String(),
	}
	for _, n := range nodes {
		sum.Registrations += len(n.Registrations)
	}
	return sum
}

// ErrorRecordFor classifies a planning error for output.
func ErrorRecordFor(err error) *output.ErrorRecord {
	rec := &output.ErrorRecord{Code: output.ErrCodeInternal, Message: err.Error()}

	var topo *planner.TopologyError
	var unresolved *planner.ResolutionError
	var badLocator *planner.InvalidLocatorError
	var alloc *layout.AllocationError
	switch {
	case errors.As(err, &topo):
		rec.Code = output.ErrCodeTopology
		rec.Job = topo.Job
		rec.Site = topo.Site
		if topo.Role != "" {
			rec.Details = map[string]any{"role": string(topo.Role)}
		}
	case errors.As(err, &unresolved):
		rec.Code = output.ErrCodeUnresolved
		rec.Job = unresolved.Job
		rec.LFN = unresolved.LFN
	case errors.As(err, &badLocator):
		rec.Code = output.ErrCodeInvalidLocator
		rec.Job = badLocator.Job
		rec.Details = map[string]any{"pfn": badLocator.PFN}
	case errors.As(err, &alloc):
		rec.Code = output.ErrCodeLayout
		rec.LFN = alloc.LFN
	}
	return rec
}
