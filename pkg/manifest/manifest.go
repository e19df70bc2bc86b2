// Package manifest provides loading and validation of gostage plan manifests.
//
// A plan manifest is a YAML or JSON file naming the inputs of one planning
// run: the workflow document, the site catalog, the replica catalogs, the
// output site, and planner options.
//
// Manifests are validated against a JSON Schema before use. The schema
// enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	workflow: diamond.yaml
//	sites: sites.yaml
//	replicas:
//	  - type: file
//	    path: rc.txt
//	output_site: local
//	options:
//	  deep: true
//	  staging_sites:
//	    condorpool: isi
//	output:
//	  destination: file:/tmp/plan.jsonl
package manifest

import (
	"path/filepath"
	"strings"

	"github.com/3leaps/gostage/pkg/locator"
	"github.com/3leaps/gostage/pkg/refiner"
)

// Manifest represents a validated plan manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Workflow locates the workflow document: a path, file:// URL, or
	// s3://bucket/key URI.
	Workflow string `json:"workflow" yaml:"workflow"`

	// Sites locates the site catalog document.
	Sites string `json:"sites" yaml:"sites"`

	// Replicas are layered in order; earlier catalogs win ties.
	Replicas []ReplicaSource `json:"replicas,omitempty" yaml:"replicas,omitempty"`

	// OutputSite receives stage-out transfers. Empty disables stage-out.
	OutputSite string `json:"output_site,omitempty" yaml:"output_site,omitempty"`

	Options Options `json:"options,omitempty" yaml:"options,omitempty"`

	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// Replica catalog types.
const (
	ReplicaFile   = "file"
	ReplicaSQLite = "sqlite"
	ReplicaInline = "inline"
)

// ReplicaSource is one replica catalog.
type ReplicaSource struct {
	// Type is "file", "sqlite" or "inline".
	Type string `json:"type" yaml:"type"`

	// Path locates a text catalog or a SQLite database.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// URL is a libsql URL for remote SQLite catalogs.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Entries are used by inline catalogs.
	Entries []ReplicaEntry `json:"entries,omitempty" yaml:"entries,omitempty"`
}

// ReplicaEntry is one inline replica location.
type ReplicaEntry struct {
	LFN  string `json:"lfn" yaml:"lfn"`
	PFN  string `json:"pfn" yaml:"pfn"`
	Site string `json:"site" yaml:"site"`
}

// Options override the configured planner settings for this run. Unset
// fields keep the configured value.
type Options struct {
	// Deep selects the hashed output layout.
	Deep *bool `json:"deep,omitempty" yaml:"deep,omitempty"`

	// Fanout bounds entries per directory in the hashed layout.
	Fanout *int `json:"fanout,omitempty" yaml:"fanout,omitempty"`

	// RelativeDir is the directory outputs land under on the output site.
	RelativeDir *string `json:"relative_dir,omitempty" yaml:"relative_dir,omitempty"`

	// WorkDir is the per-run directory under each scratch mount point.
	WorkDir *string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// Links symlinks inputs already on the staging site.
	Links *bool `json:"links,omitempty" yaml:"links,omitempty"`

	WorkerNode *bool `json:"worker_node,omitempty" yaml:"worker_node,omitempty"`

	// StagingSites maps execution sites to staging sites.
	StagingSites map[string]string `json:"staging_sites,omitempty" yaml:"staging_sites,omitempty"`

	// Selector is "default" or "pattern".
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`

	// Patterns rank replicas per site for the pattern selector.
	Patterns map[string][]string `json:"patterns,omitempty" yaml:"patterns,omitempty"`

	SRM locator.SRMMap `json:"srm,omitempty" yaml:"srm,omitempty"`

	Refiner *RefinerOptions `json:"refiner,omitempty" yaml:"refiner,omitempty"`
}

// RefinerOptions configure transfer node construction.
type RefinerOptions struct {
	refiner.Policy `yaml:",inline"`

	MaxTransfersPerNode int `json:"max_transfers_per_node,omitempty" yaml:"max_transfers_per_node,omitempty"`
}

// OutputConfig configures where the plan is written.
type OutputConfig struct {
	// Destination is the output target.
	// Values: "stdout" or "file:/path/to/plan.jsonl"
	// Default: "stdout".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// State is a SQLite plan store path. Optional.
	State string `json:"state,omitempty" yaml:"state,omitempty"`

	// Cache receives the run's placements in text catalog format. Optional.
	Cache string `json:"cache,omitempty" yaml:"cache,omitempty"`

	// Placements emits placement records after the nodes.
	// Default: false.
	Placements bool `json:"placements,omitempty" yaml:"placements,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultDestination is the default output destination.
	DefaultDestination = "stdout"
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}
	for i := range m.Replicas {
		m.Replicas[i].Type = strings.ToLower(m.Replicas[i].Type)
	}
}

// ResolvePaths makes relative document paths relative to dir, the directory
// holding the manifest. URIs are left alone.
func (m *Manifest) ResolvePaths(dir string) {
	if dir == "" {
		return
	}
	m.Workflow = resolve(dir, m.Workflow)
	m.Sites = resolve(dir, m.Sites)
	for i := range m.Replicas {
		m.Replicas[i].Path = resolve(dir, m.Replicas[i].Path)
	}
	m.Output.State = resolve(dir, m.Output.State)
	m.Output.Cache = resolve(dir, m.Output.Cache)
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) || strings.Contains(p, "://") || strings.HasPrefix(p, "file:") {
		return p
	}
	return filepath.Join(dir, p)
}
