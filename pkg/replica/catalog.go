// Package replica maps logical file names to physical locations and selects
// among them.
package replica

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNoReplica is returned by selectors when no usable location remains.
var ErrNoReplica = errors.New("no usable replica")

// Location is one physical copy of a logical file.
type Location struct {
	Site       string            `json:"site"`
	PFN        string            `json:"pfn"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Record lists every known location of a logical file.
type Record struct {
	LFN       string     `json:"lfn"`
	Locations []Location `json:"locations"`
}

// Catalog looks up replica records.
//
// Lookup returns (nil, nil) when the logical file is unknown.
type Catalog interface {
	Lookup(ctx context.Context, lfn string) (*Record, error)
}

// Memory is an in-memory catalog. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]Location
}

// NewMemory returns an empty catalog.
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]Location)}
}

// Insert adds a location for lfn. Exact duplicates are ignored.
func (m *Memory) Insert(lfn string, loc Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records[lfn] {
		if existing.Site == loc.Site && existing.PFN == loc.PFN {
			return
		}
	}
	m.records[lfn] = append(m.records[lfn], loc)
}

// Lookup implements Catalog.
func (m *Memory) Lookup(_ context.Context, lfn string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	locs, ok := m.records[lfn]
	if !ok {
		return nil, nil
	}
	return &Record{LFN: lfn, Locations: append([]Location(nil), locs...)}, nil
}

// Len returns the number of logical files.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Records returns every record sorted by logical name.
func (m *Memory) Records() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for lfn, locs := range m.records {
		out = append(out, &Record{LFN: lfn, Locations: append([]Location(nil), locs...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LFN < out[j].LFN })
	return out
}

// Layered consults each catalog in order and merges their locations.
//
// Locations from earlier catalogs come first; a (site, pfn) pair seen in
// an earlier catalog is not repeated.
type Layered []Catalog

// Lookup implements Catalog.
func (l Layered) Lookup(ctx context.Context, lfn string) (*Record, error) {
	var merged *Record
	seen := map[[2]string]bool{}
	for _, c := range l {
		if c == nil {
			continue
		}
		rec, err := c.Lookup(ctx, lfn)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		if merged == nil {
			merged = &Record{LFN: lfn}
		}
		for _, loc := range rec.Locations {
			key := [2]string{loc.Site, loc.PFN}
			if seen[key] {
				continue
			}
			seen[key] = true
			merged.Locations = append(merged.Locations, loc)
		}
	}
	return merged, nil
}

var (
	_ Catalog = (*Memory)(nil)
	_ Catalog = Layered(nil)
)
