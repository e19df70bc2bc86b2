package workflow

import (
	"errors"
	"fmt"
)

// Graph errors.
var (
	ErrDuplicateJob = errors.New("duplicate job")
	ErrUnknownJob   = errors.New("unknown job")
	ErrCycle        = errors.New("workflow graph has a cycle")
)

// Graph is a directed acyclic graph of jobs.
type Graph struct {
	order    []string
	jobs     map[string]*Job
	parents  map[string][]string
	children map[string][]string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		jobs:     make(map[string]*Job),
		parents:  make(map[string][]string),
		children: make(map[string][]string),
	}
}

// AddJob inserts j.
func (g *Graph) AddJob(j *Job) error {
	if j == nil || j.ID == "" {
		return errors.New("job id is required")
	}
	if _, ok := g.jobs[j.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.ID)
	}
	g.jobs[j.ID] = j
	g.order = append(g.order, j.ID)
	return nil
}

// AddEdge records that child depends on parent. Repeated edges are ignored.
func (g *Graph) AddEdge(parent, child string) error {
	if _, ok := g.jobs[parent]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, parent)
	}
	if _, ok := g.jobs[child]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, child)
	}
	for _, p := range g.parents[child] {
		if p == parent {
			return nil
		}
	}
	g.parents[child] = append(g.parents[child], parent)
	g.children[parent] = append(g.children[parent], child)
	return nil
}

// Job returns the job with the given id.
func (g *Graph) Job(id string) (*Job, bool) {
	j, ok := g.jobs[id]
	return j, ok
}

// Jobs returns every job in insertion order.
func (g *Graph) Jobs() []*Job {
	out := make([]*Job, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.jobs[id])
	}
	return out
}

// Len returns the number of jobs.
func (g *Graph) Len() int { return len(g.order) }

// Parents returns the parents of id in edge insertion order.
func (g *Graph) Parents(id string) []*Job {
	return g.lookup(g.parents[id])
}

// Children returns the children of id in edge insertion order.
func (g *Graph) Children(id string) []*Job {
	return g.lookup(g.children[id])
}

func (g *Graph) lookup(ids []string) []*Job {
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.jobs[id])
	}
	return out
}

// Visit is one step of a topological traversal.
type Visit struct {
	Job *Job

	// Depth is the length of the longest path from a root; roots are 0.
	Depth int
}

// Topological returns every job with parents before children.
//
// Jobs that become ready at the same time keep insertion order, so the
// result is deterministic for a given graph.
func (g *Graph) Topological() ([]Visit, error) {
	indegree := make(map[string]int, len(g.order))
	depth := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.parents[id])
	}

	var ready []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	visits := make([]Visit, 0, len(g.order))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		visits = append(visits, Visit{Job: g.jobs[next], Depth: depth[next]})

		for _, child := range g.children[next] {
			if d := depth[next] + 1; d > depth[child] {
				depth[child] = d
			}
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(visits) != len(g.order) {
		return nil, ErrCycle
	}
	return visits, nil
}
