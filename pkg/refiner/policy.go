package refiner

import (
	"fmt"
	"strings"

	"github.com/3leaps/gostage/pkg/planner"
)

// Placement preferences.
const (
	PreferLocal  = "local"
	PreferRemote = "remote"
)

// Policy answers the planner's questions about where transfers run.
//
// Preference, when set for a kind, overrides every other signal for that
// kind only.
// RemoteSites forces transfers into the listed sites to run remotely;
// "*" lists every site.
type Policy struct {
	Preference  map[string]string   `mapstructure:"preference" json:"preference,omitempty" yaml:"preference,omitempty"`
	RemoteSites map[string][]string `mapstructure:"remote_sites" json:"remote_sites,omitempty" yaml:"remote_sites,omitempty"`
}

func validKind(k string) bool {
	switch planner.TransferKind(k) {
	case planner.StageIn, planner.InterSite, planner.StageOut:
		return true
	}
	return false
}

// Validate checks kinds and preference values.
func (p Policy) Validate() error {
	for kind, pref := range p.Preference {
		if !validKind(kind) {
			return fmt.Errorf("refiner.preference: unknown transfer kind %q", kind)
		}
		switch strings.ToLower(pref) {
		case PreferLocal, PreferRemote:
		default:
			return fmt.Errorf("refiner.preference.%s: must be %q or %q, got %q", kind, PreferLocal, PreferRemote, pref)
		}
	}
	for kind := range p.RemoteSites {
		if !validKind(kind) {
			return fmt.Errorf("refiner.remote_sites: unknown transfer kind %q", kind)
		}
	}
	return nil
}

func (p Policy) hasPreference(kind planner.TransferKind) bool {
	return p.Preference[string(kind)] != ""
}

// preferLocal defaults to local for kinds without a preference.
func (p Policy) preferLocal(kind planner.TransferKind) bool {
	return !strings.EqualFold(p.Preference[string(kind)], PreferRemote)
}

func (p Policy) remote(site string, kind planner.TransferKind) bool {
	for _, s := range p.RemoteSites[string(kind)] {
		if s == "*" || strings.EqualFold(s, site) {
			return true
		}
	}
	return false
}
