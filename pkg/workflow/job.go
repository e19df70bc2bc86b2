// Package workflow holds the reduced task graph handed to the planner:
// jobs, their logical files, and the transfer descriptors built for them.
package workflow

import "fmt"

// Kind tags jobs that wrap a nested workflow.
type Kind string

const (
	// KindCompute is an ordinary job.
	KindCompute Kind = "compute"

	// KindPlannedWorkflow wraps an already planned sub-workflow (a DAG file).
	KindPlannedWorkflow Kind = "dag"

	// KindAbstractWorkflow wraps an abstract sub-workflow that is planned
	// when the job runs.
	KindAbstractWorkflow Kind = "dax"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCompute, KindPlannedWorkflow, KindAbstractWorkflow:
		return true
	}
	return false
}

// Nested reports whether k wraps a sub-workflow.
func (k Kind) Nested() bool {
	return k == KindPlannedWorkflow || k == KindAbstractWorkflow
}

// Job is one task in the workflow.
type Job struct {
	ID   string
	Name string
	Kind Kind

	// Site is the execution site.
	Site string

	// StagingSite receives the job's scratch data. Empty until resolved.
	StagingSite string

	// Level is the job's depth in the graph.
	Level int

	Inputs  *FileSet
	Outputs *FileSet

	// SubWorkflowLFN names the description file of a nested workflow.
	SubWorkflowLFN string

	// DescriptionFile is the resolved local path of a planned sub-workflow.
	DescriptionFile string

	// Directory is the working directory of a planned sub-workflow.
	Directory string

	Arguments string

	// RemoteInitialDir overrides the job's internal work directory.
	RemoteInitialDir string
}

// NewJob returns a compute job with empty file sets.
func NewJob(id, site string) *Job {
	return &Job{
		ID:      id,
		Name:    id,
		Kind:    KindCompute,
		Site:    site,
		Inputs:  NewFileSet(),
		Outputs: NewFileSet(),
	}
}

func (j *Job) String() string {
	return fmt.Sprintf("%s@%s", j.ID, j.Site)
}
