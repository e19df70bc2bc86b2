// Package refiner turns the planner's descriptor batches into transfer
// and registration nodes.
package refiner

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gostage/pkg/locator"
	"github.com/3leaps/gostage/pkg/planner"
	"github.com/3leaps/gostage/pkg/replica"
	"github.com/3leaps/gostage/pkg/workflow"
)

// ErrDone is returned when a Bundle is used after Done.
var ErrDone = errors.New("refiner: already done")

// Options configures a Bundle.
type Options struct {
	Policy Policy

	// MaxTransfersPerNode splits large batches. Zero keeps one node per
	// batch.
	MaxTransfersPerNode int

	Sinks  []Sink
	Logger *zap.Logger
}

// pending is a stage-out node whose registrations are settled on Done.
type pending struct {
	node *Node
	rc   replica.Catalog
}

// Bundle is a planner.Refiner that groups each batch into nodes.
//
// A Bundle is single use and not safe for concurrent use.
type Bundle struct {
	policy   Policy
	maxPer   int
	sinks    []Sink
	logger   *zap.Logger
	nodes    []*Node
	register []pending
	done     bool
}

// New returns an empty bundle.
func New(opts Options) (*Bundle, error) {
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxTransfersPerNode < 0 {
		return nil, fmt.Errorf("refiner: max transfers per node must not be negative, got %d", opts.MaxTransfersPerNode)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bundle{
		policy: opts.Policy,
		maxPer: opts.MaxTransfersPerNode,
		sinks:  opts.Sinks,
		logger: opts.Logger,
	}, nil
}

// Nodes returns every node added so far, in order.
func (b *Bundle) Nodes() []*Node { return b.nodes }

// AddStageIn implements planner.Refiner.
func (b *Bundle) AddStageIn(job *workflow.Job, local, remote []*workflow.FileTransfer) error {
	if b.done {
		return ErrDone
	}
	b.add(KindStageIn, job, local, true, false)
	b.add(KindStageIn, job, remote, false, false)
	return nil
}

// AddInterSite implements planner.Refiner.
func (b *Bundle) AddInterSite(job *workflow.Job, batch []*workflow.FileTransfer, runsLocally bool) error {
	if b.done {
		return ErrDone
	}
	b.add(KindInterSite, job, batch, runsLocally, false)
	return nil
}

// AddStageOut implements planner.Refiner. Files with a registration URL
// and non-transient registration get a registration node against rc.
func (b *Bundle) AddStageOut(job *workflow.Job, batch []*workflow.FileTransfer, rc replica.Catalog, runsLocally, deleted bool) error {
	if b.done {
		return ErrDone
	}
	for _, n := range b.add(KindStageOut, job, batch, runsLocally, deleted) {
		b.register = append(b.register, pending{node: n, rc: rc})
	}
	return nil
}

// Done settles registrations and flushes every node to the sinks.
func (b *Bundle) Done(ctx context.Context) error {
	if b.done {
		return ErrDone
	}
	b.done = true

	for _, p := range b.register {
		if err := b.addRegistration(ctx, p); err != nil {
			return err
		}
	}
	b.register = nil

	b.logger.Info("transfer nodes built", zap.Int("nodes", len(b.nodes)))
	for _, s := range b.sinks {
		if err := s.WriteNodes(ctx, b.nodes); err != nil {
			return fmt.Errorf("refiner: flush nodes: %w", err)
		}
	}
	return nil
}

// PreferenceForTransferLocation implements planner.Refiner.
func (b *Bundle) PreferenceForTransferLocation(kind planner.TransferKind) bool {
	return b.policy.hasPreference(kind)
}

// PreferLocalTransfers implements planner.Refiner.
func (b *Bundle) PreferLocalTransfers(kind planner.TransferKind) bool {
	return b.policy.preferLocal(kind)
}

// RunTransferRemotely implements planner.Refiner.
func (b *Bundle) RunTransferRemotely(site string, kind planner.TransferKind) bool {
	return b.policy.remote(site, kind)
}

// add appends nodes for batch, splitting it when it exceeds maxPer.
func (b *Bundle) add(kind Kind, job *workflow.Job, batch []*workflow.FileTransfer, runsLocally, deleted bool) []*Node {
	if len(batch) == 0 {
		return nil
	}
	size := len(batch)
	if b.maxPer > 0 {
		size = b.maxPer
	}

	var added []*Node
	for start := 0; start < len(batch); start += size {
		end := min(start+size, len(batch))
		n := &Node{
			ID:          uuid.NewString(),
			Kind:        kind,
			JobID:       job.ID,
			Level:       job.Level,
			RunsLocally: runsLocally,
			Deleted:     deleted,
			Transfers:   batch[start:end],
		}
		b.nodes = append(b.nodes, n)
		added = append(added, n)

		b.logger.Debug("transfer node added",
			zap.String("id", n.ID),
			zap.String("kind", string(kind)),
			zap.String("job", job.ID),
			zap.Int("transfers", len(n.Transfers)),
			zap.Bool("runs_locally", runsLocally))
	}
	return added
}

// addRegistration follows a stage-out node with the entries rc does not
// already hold.
func (b *Bundle) addRegistration(ctx context.Context, p pending) error {
	var regs []Registration
	for _, ft := range p.node.Transfers {
		if ft.TransientRegistration || ft.RegistrationURL == "" {
			continue
		}
		known, err := registered(ctx, p.rc, ft.LFN, ft.RegistrationURL)
		if err != nil {
			return fmt.Errorf("refiner: lookup %s: %w", ft.LFN, err)
		}
		if known {
			continue
		}
		regs = append(regs, Registration{LFN: ft.LFN, PFN: ft.RegistrationURL, Site: registrationSite(ft)})
	}
	if len(regs) == 0 {
		return nil
	}

	b.nodes = append(b.nodes, &Node{
		ID:            uuid.NewString(),
		Kind:          KindRegistration,
		JobID:         p.node.JobID,
		Level:         p.node.Level,
		RunsLocally:   true,
		Deleted:       p.node.Deleted,
		Parent:        p.node.ID,
		Registrations: regs,
	})
	return nil
}

func registered(ctx context.Context, rc replica.Catalog, lfn, pfn string) (bool, error) {
	if rc == nil {
		return false, nil
	}
	rec, err := rc.Lookup(ctx, lfn)
	if err != nil || rec == nil {
		return false, err
	}
	for _, loc := range rec.Locations {
		if locator.Same(loc.PFN, pfn) {
			return true, nil
		}
	}
	return false, nil
}

// registrationSite is the site of the destination the registration URL
// points into, falling back to the last destination.
func registrationSite(ft *workflow.FileTransfer) string {
	for _, d := range ft.Destinations {
		if locator.Same(d.URL, ft.RegistrationURL) {
			return d.Site
		}
	}
	if n := len(ft.Destinations); n > 0 {
		return ft.Destinations[n-1].Site
	}
	return ""
}

var _ planner.Refiner = (*Bundle)(nil)
