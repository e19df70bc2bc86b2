// Package placement records where files land during one planning run.
//
// A Tracker answers catalog lookups, so it can be layered in front of the
// durable replica catalog: later jobs find files placed by earlier ones
// without the durable catalog ever being written.
package placement

import (
	"context"
	"sort"

	"github.com/3leaps/gostage/pkg/replica"
)

// Entry is one recorded placement.
type Entry struct {
	LFN  string `json:"lfn"`
	PFN  string `json:"pfn"`
	Site string `json:"site"`
}

// Tracker holds the latest placement per logical file. It is owned by one
// planner and not safe for concurrent use.
type Tracker struct {
	entries map[string]Entry
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]Entry)}
}

// Record stores the placement of lfn, replacing any earlier one.
func (t *Tracker) Record(lfn, pfn, site string) {
	t.entries[lfn] = Entry{LFN: lfn, PFN: pfn, Site: site}
}

// Get returns the placement of lfn.
func (t *Tracker) Get(lfn string) (Entry, bool) {
	e, ok := t.entries[lfn]
	return e, ok
}

// Len returns the number of tracked files.
func (t *Tracker) Len() int { return len(t.entries) }

// Lookup implements replica.Catalog.
func (t *Tracker) Lookup(_ context.Context, lfn string) (*replica.Record, error) {
	e, ok := t.entries[lfn]
	if !ok {
		return nil, nil
	}
	return &replica.Record{
		LFN:       lfn,
		Locations: []replica.Location{{Site: e.Site, PFN: e.PFN}},
	}, nil
}

// Entries returns every placement sorted by logical name.
func (t *Tracker) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LFN < out[j].LFN })
	return out
}

// Records returns the placements as replica records, for writing out as a
// text catalog.
func (t *Tracker) Records() []*replica.Record {
	entries := t.Entries()
	out := make([]*replica.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, &replica.Record{
			LFN:       e.LFN,
			Locations: []replica.Location{{Site: e.Site, PFN: e.PFN}},
		})
	}
	return out
}

var _ replica.Catalog = (*Tracker)(nil)
