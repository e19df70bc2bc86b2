package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the serialized form of a reduced workflow.
type Document struct {
	Name    string    `json:"name,omitempty" yaml:"name,omitempty"`
	Jobs    []JobSpec `json:"jobs" yaml:"jobs"`
	Edges   []Edge    `json:"edges,omitempty" yaml:"edges,omitempty"`
	Deleted []JobSpec `json:"deleted,omitempty" yaml:"deleted,omitempty"`
}

// Edge is a parent/child dependency.
type Edge struct {
	Parent string `json:"parent" yaml:"parent"`
	Child  string `json:"child" yaml:"child"`
}

// JobSpec is the serialized form of a Job.
type JobSpec struct {
	ID               string `json:"id" yaml:"id"`
	Name             string `json:"name,omitempty" yaml:"name,omitempty"`
	Kind             Kind   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Site             string `json:"site" yaml:"site"`
	StagingSite      string `json:"staging_site,omitempty" yaml:"staging_site,omitempty"`
	SubWorkflow      string `json:"sub_workflow,omitempty" yaml:"sub_workflow,omitempty"`
	Directory        string `json:"directory,omitempty" yaml:"directory,omitempty"`
	Arguments        string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	RemoteInitialDir string `json:"remote_initial_dir,omitempty" yaml:"remote_initial_dir,omitempty"`
	Inputs           []File `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs          []File `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Job converts s into a Job with defaults applied.
func (s JobSpec) Job() (*Job, error) {
	if strings.TrimSpace(s.ID) == "" {
		return nil, errors.New("job id is required")
	}
	if strings.TrimSpace(s.Site) == "" {
		return nil, fmt.Errorf("job %s: site is required", s.ID)
	}

	j := NewJob(s.ID, s.Site)
	if s.Name != "" {
		j.Name = s.Name
	}
	if s.Kind != "" {
		if !s.Kind.Valid() {
			return nil, fmt.Errorf("job %s: unknown kind %q", s.ID, s.Kind)
		}
		j.Kind = s.Kind
	}
	if j.Kind.Nested() && s.SubWorkflow == "" {
		return nil, fmt.Errorf("job %s: %s job requires sub_workflow", s.ID, j.Kind)
	}

	j.StagingSite = s.StagingSite
	j.SubWorkflowLFN = s.SubWorkflow
	j.Directory = s.Directory
	j.Arguments = s.Arguments
	j.RemoteInitialDir = s.RemoteInitialDir

	for i := range s.Inputs {
		f, err := specFile(s.Inputs[i])
		if err != nil {
			return nil, fmt.Errorf("job %s: inputs[%d]: %w", s.ID, i, err)
		}
		j.Inputs.Add(f)
	}
	for i := range s.Outputs {
		f, err := specFile(s.Outputs[i])
		if err != nil {
			return nil, fmt.Errorf("job %s: outputs[%d]: %w", s.ID, i, err)
		}
		j.Outputs.Add(f)
	}
	return j, nil
}

func specFile(in File) (*File, error) {
	if strings.TrimSpace(in.LFN) == "" {
		return nil, errors.New("lfn is required")
	}
	f := in
	f.ApplyDefaults()
	switch f.Transfer {
	case TransferAlways, TransferNever, TransferOptional:
	default:
		return nil, fmt.Errorf("%s: unknown transfer mode %q", f.LFN, f.Transfer)
	}
	return &f, nil
}

// Workflow is a loaded document.
type Workflow struct {
	Name  string
	Graph *Graph

	// Deleted holds jobs removed by reduction whose outputs already exist.
	Deleted []*Job
}

// Load reads a workflow document from path.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("workflow file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses a workflow document. The path selects the format
// the same way Load does.
func LoadFromBytes(data []byte, path string) (*Workflow, error) {
	if len(data) == 0 {
		return nil, errors.New("workflow file is empty")
	}

	var doc Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON in workflow: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML in workflow: %w", err)
		}
	}
	return doc.Build()
}

// Build converts the document into a graph.
func (d *Document) Build() (*Workflow, error) {
	g := NewGraph()
	for _, spec := range d.Jobs {
		j, err := spec.Job()
		if err != nil {
			return nil, err
		}
		if err := g.AddJob(j); err != nil {
			return nil, err
		}
	}
	for _, e := range d.Edges {
		if err := g.AddEdge(e.Parent, e.Child); err != nil {
			return nil, err
		}
	}
	if _, err := g.Topological(); err != nil {
		return nil, err
	}

	wf := &Workflow{Name: d.Name, Graph: g}
	for _, spec := range d.Deleted {
		j, err := spec.Job()
		if err != nil {
			return nil, fmt.Errorf("deleted: %w", err)
		}
		wf.Deleted = append(wf.Deleted, j)
	}
	return wf, nil
}
