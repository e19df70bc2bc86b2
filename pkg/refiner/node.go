package refiner

import (
	"github.com/3leaps/gostage/pkg/output"
	"github.com/3leaps/gostage/pkg/planner"
	"github.com/3leaps/gostage/pkg/workflow"
)

// Kind classifies nodes.
type Kind string

const (
	KindStageIn      = Kind(planner.StageIn)
	KindInterSite    = Kind(planner.InterSite)
	KindStageOut     = Kind(planner.StageOut)
	KindRegistration Kind = "registration"
)

// Registration is one catalog entry a registration node records.
type Registration struct {
	LFN  string
	PFN  string
	Site string
}

// Node is one transfer or registration task added to the workflow.
type Node struct {
	ID          string
	Kind        Kind
	JobID       string
	Level       int
	RunsLocally bool
	Deleted     bool

	// Parent is the stage-out node a registration node follows.
	Parent string

	Transfers     []*workflow.FileTransfer
	Registrations []Registration
}

// Record converts the node into its output form.
func (n *Node) Record() output.NodeRecord {
	rec := output.NodeRecord{
		ID:          n.ID,
		Kind:        string(n.Kind),
		JobID:       n.JobID,
		Level:       n.Level,
		RunsLocally: n.RunsLocally,
		Deleted:     n.Deleted,
		Parent:      n.Parent,
	}
	for _, ft := range n.Transfers {
		rec.Transfers = append(rec.Transfers, output.TransferRecord{
			LFN:          ft.LFN,
			JobID:        ft.JobID,
			Type:         string(ft.Type),
			Size:         ft.Size,
			Transfer:     string(ft.Transfer),
			Sources:      endpoints(ft.Sources),
			Destinations: endpoints(ft.Destinations),
			Registration: ft.RegistrationURL,
		})
	}
	for _, r := range n.Registrations {
		rec.Registrations = append(rec.Registrations, output.PlacementRecord{LFN: r.LFN, PFN: r.PFN, Site: r.Site})
	}
	return rec
}

func endpoints(in []workflow.SiteURL) []output.Endpoint {
	out := make([]output.Endpoint, len(in))
	for i, e := range in {
		out[i] = output.Endpoint{Site: e.Site, URL: e.URL}
	}
	return out
}
