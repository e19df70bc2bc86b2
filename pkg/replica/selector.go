package replica

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/gostage/pkg/locator"
)

// Selector names recognized by NewSelector.
const (
	SelectorDefault = "default"
	SelectorPattern = "pattern"
)

// localSite is the submit-side site handle.
const localSite = "local"

// Selector picks among the locations of a record.
type Selector interface {
	// SelectOne returns the preferred location for a transfer into site.
	SelectOne(rec *Record, site string, preferLocal bool) (Location, error)

	// SelectMany returns every usable location, preferred first, with
	// duplicate locators removed.
	SelectMany(rec *Record, site string, preferLocal bool) []Location
}

// NewSelector returns the selector registered under name. Patterns are only
// used by the pattern selector.
func NewSelector(name string, patterns map[string][]string) (Selector, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", SelectorDefault:
		return Default{}, nil
	case SelectorPattern:
		return NewPatternSelector(patterns)
	default:
		return nil, fmt.Errorf("unknown replica selector %q", name)
	}
}

// Default prefers locations at the target site and otherwise keeps catalog
// order.
//
// A file:// location is only usable from its own site, or from the submit
// side when the transfer runs there.
type Default struct{}

// SelectOne implements Selector.
func (d Default) SelectOne(rec *Record, site string, preferLocal bool) (Location, error) {
	locs := d.SelectMany(rec, site, preferLocal)
	if len(locs) == 0 {
		return Location{}, noReplica(rec, site)
	}
	return locs[0], nil
}

// SelectMany implements Selector.
func (Default) SelectMany(rec *Record, site string, preferLocal bool) []Location {
	return rank(usable(rec, site, preferLocal), func(loc Location) int {
		if loc.Site == site {
			return 0
		}
		return 1
	})
}

// PatternSelector ranks locations by the first glob they match in a
// per-site preference list. The "*" key applies to every site.
type PatternSelector struct {
	patterns map[string][]string
}

// NewPatternSelector validates every pattern up front.
func NewPatternSelector(patterns map[string][]string) (*PatternSelector, error) {
	for site, list := range patterns {
		for _, p := range list {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("replica selector: invalid pattern %q for site %s", p, site)
			}
		}
	}
	return &PatternSelector{patterns: patterns}, nil
}

// SelectOne implements Selector.
func (s *PatternSelector) SelectOne(rec *Record, site string, preferLocal bool) (Location, error) {
	locs := s.SelectMany(rec, site, preferLocal)
	if len(locs) == 0 {
		return Location{}, noReplica(rec, site)
	}
	return locs[0], nil
}

// SelectMany implements Selector.
func (s *PatternSelector) SelectMany(rec *Record, site string, preferLocal bool) []Location {
	list := append(append([]string(nil), s.patterns[site]...), s.patterns["*"]...)
	return rank(usable(rec, site, preferLocal), func(loc Location) int {
		for i, p := range list {
			if ok, _ := doublestar.Match(p, loc.PFN); ok {
				return i
			}
		}
		if loc.Site == site {
			return len(list)
		}
		return len(list) + 1
	})
}

func usable(rec *Record, site string, preferLocal bool) []Location {
	if rec == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []Location
	for _, loc := range rec.Locations {
		if locator.HasFileScheme(loc.PFN) && loc.Site != site && !(preferLocal && loc.Site == localSite) {
			continue
		}
		if seen[loc.PFN] {
			continue
		}
		seen[loc.PFN] = true
		out = append(out, loc)
	}
	return out
}

// rank stable-sorts locs by score, lowest first.
func rank(locs []Location, score func(Location) int) []Location {
	type scored struct {
		loc   Location
		score int
	}
	items := make([]scored, len(locs))
	for i, l := range locs {
		items[i] = scored{l, score(l)}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score < items[j].score })
	out := make([]Location, len(items))
	for i, it := range items {
		out[i] = it.loc
	}
	return out
}

func noReplica(rec *Record, site string) error {
	lfn := ""
	if rec != nil {
		lfn = rec.LFN
	}
	return fmt.Errorf("%w for %s at site %s", ErrNoReplica, lfn, site)
}
