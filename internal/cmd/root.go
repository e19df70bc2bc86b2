// Package cmd implements the gostage command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostage/internal/config"
	"github.com/3leaps/gostage/internal/observability"
	"github.com/3leaps/gostage/internal/server/handlers"
	"github.com/3leaps/gostage/pkg/source"
)

// VersionInfo describes the build.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var (
	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
	appIdentity *appidentity.Identity

	cfgFile    string
	logLevel   string
	logProfile string
	verbose    bool
	appConfig  *config.Config
	docReader  *source.Reader
)

var rootCmd = &cobra.Command{
	Use:   config.BinaryName,
	Short: "Data-staging planner for multi-site workflows",
	Long: `gostage plans the data movement of a scientific workflow: it stages
inputs onto each job's staging site, moves intermediate files between
sites, stages outputs to an output site, and records where every file
lands.

Planning runs are described by a plan manifest naming the workflow,
the site catalog and the replica catalogs.

Example:
  gostage plan --job plan.yaml
  gostage validate plan.yaml
  gostage serve`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./gostage.yaml or the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logProfile, "log-profile", "", "Log profile (structured|console)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Shorthand for --log-level debug")
}

// SetVersionInfo records build metadata from the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity set during startup, or nil.
func GetAppIdentity() *appidentity.Identity {
	return appIdentity
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	rootCmd.SetContext(ctx)
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	fmt.Fprintln(os.Stderr, "Error:", err)
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(cmd.Context(), cfgFile, flagOverrides())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg
	appIdentity = config.GetAppIdentity()

	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}

	docReader = source.NewReader(cfg.S3)

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("config", cfgFile),
		zap.String("log_level", cfg.Logging.Level),
		zap.String("output_site", cfg.Planner.OutputSite))
	return nil
}

func flagOverrides() map[string]any {
	logging := map[string]any{}
	if logLevel != "" {
		logging["level"] = logLevel
	}
	if verbose {
		logging["level"] = "debug"
	}
	if logProfile != "" {
		logging["profile"] = logProfile
	}
	if len(logging) == 0 {
		return nil
	}
	return map[string]any{"logging": logging}
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}
