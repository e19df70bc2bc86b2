// Package output provides JSONL output for transfer plans.
//
// Output is structured as typed record envelopes containing transfer
// nodes, placements, errors, and summaries. Each line is a self-contained
// JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gostage.<type>.v<version>
const (
	// TypeNode identifies transfer and registration node records.
	TypeNode = "gostage.transfer_node.v1"

	// TypePlacement identifies placement records.
	TypePlacement = "gostage.placement.v1"

	// TypeLayout identifies output layout preview records.
	TypeLayout = "gostage.layout.v1"

	// TypeError identifies error records.
	TypeError = "gostage.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gostage.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "gostage.transfer_node.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this planning run.
	RunID string `json:"run_id"`

	// Workflow names the planned workflow.
	Workflow string `json:"workflow"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Endpoint is one side of a transfer.
type Endpoint struct {
	Site string `json:"site"`
	URL  string `json:"url"`
}

// TransferRecord is one file movement inside a node.
type TransferRecord struct {
	LFN          string     `json:"lfn"`
	JobID        string     `json:"job_id"`
	Type         string     `json:"type,omitempty"`
	Size         int64      `json:"size,omitempty"`
	Transfer     string     `json:"transfer"`
	Sources      []Endpoint `json:"sources"`
	Destinations []Endpoint `json:"destinations"`

	// Registration is the locator recorded in the replica catalog once
	// the file lands.
	Registration string `json:"registration,omitempty"`
}

// NodeRecord is the data payload for a transfer or registration node.
//
// A registration node references the stage-out node it follows through
// Parent and lists the entries it records in Registrations.
type NodeRecord struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	JobID       string `json:"job_id"`
	Level       int    `json:"level"`
	RunsLocally bool   `json:"runs_locally"`
	Deleted     bool   `json:"deleted,omitempty"`

	Parent string `json:"parent,omitempty"`

	Transfers     []TransferRecord  `json:"transfers,omitempty"`
	Registrations []PlacementRecord `json:"registrations,omitempty"`
}

// PlacementRecord is where a logical file sits once the plan has run.
type PlacementRecord struct {
	LFN  string `json:"lfn"`
	PFN  string `json:"pfn"`
	Site string `json:"site"`
}

// LayoutRecord is a preview of one output allocation.
type LayoutRecord struct {
	LFN  string `json:"lfn"`
	Path string `json:"path"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Job is the job being planned when the error occurred, if any.
	Job string `json:"job,omitempty"`

	// LFN is the logical file related to this error, if applicable.
	LFN string `json:"lfn,omitempty"`

	// Site is the site related to this error, if applicable.
	Site string `json:"site,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeTopology indicates the site catalog lacks a needed site,
	// directory, or file server.
	ErrCodeTopology = "TOPOLOGY"

	// ErrCodeUnresolved indicates a required input has no replica.
	ErrCodeUnresolved = "UNRESOLVED"

	// ErrCodeInvalidLocator indicates a sub-workflow locator is not local.
	ErrCodeInvalidLocator = "INVALID_LOCATOR"

	// ErrCodeLayout indicates the output layout could not place a file.
	ErrCodeLayout = "LAYOUT"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	Jobs            int `json:"jobs"`
	DeletedJobs     int `json:"deleted_jobs"`
	Nodes           int `json:"nodes"`
	StageIn         int `json:"stage_in"`
	InterSite       int `json:"inter_site"`
	StageOut        int `json:"stage_out"`
	Registrations   int `json:"registrations"`
	DroppedOptional int `json:"dropped_optional"`
	AlreadyPlaced   int `json:"already_placed"`

	// Duration is the total planning duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
