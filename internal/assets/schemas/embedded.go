// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so the CLI and service validate
// manifests regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// PlanManifestSchema is the embedded plan-manifest JSON schema.
//
//go:embed plan-manifest.schema.json
var PlanManifestSchema []byte
