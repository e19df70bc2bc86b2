package planrun

import (
	"maps"

	"github.com/3leaps/gostage/pkg/locator"
	"github.com/3leaps/gostage/pkg/manifest"
	"github.com/3leaps/gostage/pkg/refiner"
)

// Settings are the planner options for one run, before manifest overrides.
type Settings struct {
	OutputSite   string
	StagingSites map[string]string

	Deep        bool
	Fanout      int
	RelativeDir string
	WorkDir     string

	Links      bool
	WorkerNode bool

	Selector string
	Patterns map[string][]string
	SRM      locator.SRMMap

	Policy              refiner.Policy
	MaxTransfersPerNode int
}

// Merge returns s with the manifest's output site and options applied.
// Map-valued options are merged key by key, the manifest winning.
func (s Settings) Merge(m *manifest.Manifest) Settings {
	out := s
	out.StagingSites = maps.Clone(s.StagingSites)
	out.Patterns = maps.Clone(s.Patterns)
	out.SRM = maps.Clone(s.SRM)
	out.Policy = refiner.Policy{
		Preference:  maps.Clone(s.Policy.Preference),
		RemoteSites: maps.Clone(s.Policy.RemoteSites),
	}

	if m == nil {
		return out
	}
	if m.OutputSite != "" {
		out.OutputSite = m.OutputSite
	}

	o := m.Options
	if o.Deep != nil {
		out.Deep = *o.Deep
	}
	if o.Fanout != nil {
		out.Fanout = *o.Fanout
	}
	if o.RelativeDir != nil {
		out.RelativeDir = *o.RelativeDir
	}
	if o.WorkDir != nil {
		out.WorkDir = *o.WorkDir
	}
	if o.Links != nil {
		out.Links = *o.Links
	}
	if o.WorkerNode != nil {
		out.WorkerNode = *o.WorkerNode
	}
	if o.Selector != "" {
		out.Selector = o.Selector
	}
	out.StagingSites = mergeMap(out.StagingSites, o.StagingSites)
	out.Patterns = mergeMap(out.Patterns, o.Patterns)
	out.SRM = mergeMap(out.SRM, o.SRM)

	if r := o.Refiner; r != nil {
		out.Policy.Preference = mergeMap(out.Policy.Preference, r.Preference)
		out.Policy.RemoteSites = mergeMap(out.Policy.RemoteSites, r.RemoteSites)
		if r.MaxTransfersPerNode > 0 {
			out.MaxTransfersPerNode = r.MaxTransfersPerNode
		}
	}
	return out
}

func mergeMap[M ~map[K]V, K comparable, V any](dst, src M) M {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(M, len(src))
	}
	maps.Copy(dst, src)
	return dst
}
