// Package config loads gostage configuration from defaults, an optional
// config file, GOSTAGE_ environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/gostage/pkg/layout"
	"github.com/3leaps/gostage/pkg/locator"
	"github.com/3leaps/gostage/pkg/planrun"
	"github.com/3leaps/gostage/pkg/refiner"
	"github.com/3leaps/gostage/pkg/replica"
	"github.com/3leaps/gostage/pkg/source"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Replica   ReplicaConfig   `mapstructure:"replica"`
	Refiner   RefinerConfig   `mapstructure:"refiner"`
	State     StateConfig     `mapstructure:"state"`
	S3        source.S3Config `mapstructure:"s3"`
}

// ServerConfig configures the planning service.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxBodyBytes bounds plan request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`

	// RateLimit is plan requests per second; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	// DocumentRoot resolves relative paths in submitted manifests.
	DocumentRoot string `mapstructure:"document_root"`
}

// LoggingConfig configures the loggers.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// PlannerConfig holds run-wide planner settings.
type PlannerConfig struct {
	// OutputSite is the default stage-out target. Empty disables stage-out.
	OutputSite string `mapstructure:"output_site"`

	// WorkDir is the per-run directory under each scratch mount point.
	WorkDir string `mapstructure:"work_dir"`

	// StagingSites maps execution sites to staging sites.
	StagingSites map[string]string `mapstructure:"staging_sites"`
}

// StorageConfig selects the output layout.
type StorageConfig struct {
	Deep        bool   `mapstructure:"deep"`
	Fanout      int    `mapstructure:"fanout"`
	RelativeDir string `mapstructure:"relative_dir"`
}

// TransferConfig configures transfer construction.
type TransferConfig struct {
	Links bool           `mapstructure:"links"`
	SRM   locator.SRMMap `mapstructure:"srm"`
}

// ExecutionConfig describes where jobs run.
type ExecutionConfig struct {
	WorkerNode bool `mapstructure:"worker_node"`
}

// ReplicaConfig selects the replica selector.
type ReplicaConfig struct {
	Selector string              `mapstructure:"selector"`
	Patterns map[string][]string `mapstructure:"patterns"`
}

// RefinerConfig configures transfer node construction.
type RefinerConfig struct {
	refiner.Policy `mapstructure:",squash"`

	MaxTransfersPerNode int `mapstructure:"max_transfers_per_node"`
}

// StateConfig locates the default plan store. Empty disables it.
type StateConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// Enabled reports whether a plan store is configured.
func (s StateConfig) Enabled() bool {
	return strings.TrimSpace(s.Path) != "" || strings.TrimSpace(s.URL) != ""
}

// Validate checks values the planner would otherwise reject mid-run.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: out of range: %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit: must not be negative")
	}
	if c.Storage.Fanout < 2 {
		return fmt.Errorf("storage.fanout: must be at least 2, got %d", c.Storage.Fanout)
	}
	if _, err := replica.NewSelector(c.Replica.Selector, c.Replica.Patterns); err != nil {
		return fmt.Errorf("replica.selector: %w", err)
	}
	if err := c.Refiner.Policy.Validate(); err != nil {
		return err
	}
	if c.Refiner.MaxTransfersPerNode < 0 {
		return fmt.Errorf("refiner.max_transfers_per_node: must not be negative")
	}
	if err := c.S3.Validate(); err != nil {
		return err
	}
	return nil
}

// PlanSettings returns the planner settings manifests are merged over.
func (c *Config) PlanSettings() planrun.Settings {
	fanout := c.Storage.Fanout
	if fanout == 0 {
		fanout = layout.DefaultFanout
	}
	return planrun.Settings{
		OutputSite:          c.Planner.OutputSite,
		StagingSites:        c.Planner.StagingSites,
		Deep:                c.Storage.Deep,
		Fanout:              fanout,
		RelativeDir:         c.Storage.RelativeDir,
		WorkDir:             c.Planner.WorkDir,
		Links:               c.Transfer.Links,
		WorkerNode:          c.Execution.WorkerNode,
		Selector:            c.Replica.Selector,
		Patterns:            c.Replica.Patterns,
		SRM:                 c.Transfer.SRM,
		Policy:              c.Refiner.Policy,
		MaxTransfersPerNode: c.Refiner.MaxTransfersPerNode,
	}
}
