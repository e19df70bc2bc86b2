package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/gostage/pkg/site"
)

// Sentinel errors for planning. Every one of them aborts the run.
var (
	// ErrMissingSite indicates a referenced site is absent from the site catalog.
	ErrMissingSite = errors.New("site not found in site catalog")

	// ErrMissingDirectory indicates a site lacks a directory with the needed role.
	ErrMissingDirectory = errors.New("no directory for role")

	// ErrNoFileServer indicates a directory has no server for the needed operation.
	ErrNoFileServer = errors.New("no file server for operation")

	// ErrUnresolvedInput indicates a required input has no replica.
	ErrUnresolvedInput = errors.New("no location for required input")

	// ErrInvalidLocator indicates a sub-workflow description is not a local path.
	ErrInvalidLocator = errors.New("sub-workflow locator is not a local path")

	// ErrAlreadyPlanned is returned when Plan is called twice on one planner.
	ErrAlreadyPlanned = errors.New("planner has already run")

	errPartialPreResolved = errors.New("pre-resolved file needs both source and destination")
)

// TopologyError reports a site, directory or file server the plan needs but
// the site catalog does not provide.
type TopologyError struct {
	Job        string
	Site       string
	Role       site.Role
	Operations []site.Operation
	Err        error
}

// Error implements the error interface.
func (e *TopologyError) Error() string {
	var b strings.Builder
	b.WriteString("planner: ")
	if e.Job != "" {
		fmt.Fprintf(&b, "job %s: ", e.Job)
	}
	fmt.Fprintf(&b, "site %s", e.Site)
	if e.Role != "" {
		fmt.Fprintf(&b, ": %s", e.Role)
	}
	if len(e.Operations) > 0 {
		ops := make([]string, len(e.Operations))
		for i, op := range e.Operations {
			ops[i] = string(op)
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(ops, "|"))
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TopologyError) Unwrap() error {
	return e.Err
}

// ResolutionError reports a logical file the planner could not locate.
type ResolutionError struct {
	Job string
	LFN string
	Err error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("planner: job %s: %s: %v", e.Job, e.LFN, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// InvalidLocatorError reports a sub-workflow description whose locator is
// neither an absolute path nor a file:// URL.
type InvalidLocatorError struct {
	Job string
	PFN string
}

// Error implements the error interface.
func (e *InvalidLocatorError) Error() string {
	return fmt.Sprintf("planner: job %s: %v: %s", e.Job, ErrInvalidLocator, e.PFN)
}

// Unwrap returns ErrInvalidLocator.
func (e *InvalidLocatorError) Unwrap() error {
	return ErrInvalidLocator
}

// IsTopology returns true if err is a site catalog error.
func IsTopology(err error) bool {
	var te *TopologyError
	return errors.As(err, &te)
}

// IsUnresolved returns true if err reports a missing required input.
func IsUnresolved(err error) bool {
	return errors.Is(err, ErrUnresolvedInput)
}

// IsInvalidLocator returns true if err reports a bad sub-workflow locator.
func IsInvalidLocator(err error) bool {
	return errors.Is(err, ErrInvalidLocator)
}
