package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostage/internal/observability"
	"github.com/3leaps/gostage/pkg/layout"
	"github.com/3leaps/gostage/pkg/manifest"
	"github.com/3leaps/gostage/pkg/output"
	"github.com/3leaps/gostage/pkg/planrun"
	"github.com/3leaps/gostage/pkg/planstore"
	"github.com/3leaps/gostage/pkg/replica"
	"github.com/3leaps/gostage/pkg/source"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan the data staging of a workflow",
	Long: `Plan the transfers of a workflow described by a plan manifest.

Transfer nodes are written as JSONL records to the manifest's output
destination, followed by placement records (with --placements) and a
summary record.

Example:
  gostage plan --job plan.yaml
  gostage plan --job plan.yaml --output file:/tmp/plan.jsonl
  gostage plan --job plan.yaml --state plan.db --cache transient.rc
  gostage plan --job plan.yaml --plan`,
	RunE: runPlan,
}

var (
	planJobPath    string
	planOutput     string
	planState      string
	planCache      string
	planOutputSite string
	planPlacements bool
	planOnly       bool
)

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().StringVarP(&planJobPath, "job", "j", "", "Path to plan manifest (required)")
	planCmd.Flags().StringVarP(&planOutput, "output", "o", "", "Override output destination (stdout|file:<path>)")
	planCmd.Flags().StringVar(&planState, "state", "", "Record the run in this SQLite plan store")
	planCmd.Flags().StringVar(&planCache, "cache", "", "Write run placements to this text catalog")
	planCmd.Flags().StringVar(&planOutputSite, "output-site", "", "Override the output site")
	planCmd.Flags().BoolVar(&planPlacements, "placements", false, "Emit placement records after the nodes")
	planCmd.Flags().BoolVar(&planOnly, "plan", false, "Validate the manifest and show the run settings without planning")

	_ = planCmd.MarkFlagRequired("job")
}

func runPlan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(planJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", planJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	if planOutput != "" {
		m.Output.Destination = planOutput
	}
	if planState != "" {
		m.Output.State = planState
	}
	if planCache != "" {
		m.Output.Cache = planCache
	}
	if planOutputSite != "" {
		m.OutputSite = planOutputSite
	}
	if planPlacements {
		m.Output.Placements = true
	}

	settings := baseSettings().Merge(m)
	if planOnly {
		return showRunSettings(cmd.OutOrStdout(), m, settings)
	}

	return executePlan(ctx, cmd.OutOrStdout(), m)
}

func executePlan(ctx context.Context, stdout io.Writer, m *manifest.Manifest) error {
	run, err := planrun.Prepare(ctx, docReader, m, baseSettings(), observability.CLILogger)
	if err != nil {
		observability.CLILogger.Error("Failed to load plan inputs", zap.Error(err))
		if source.IsNotFound(err) {
			return exitError(foundry.ExitFileNotFound, "Plan input not found", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Invalid plan inputs", err)
	}
	defer func() { _ = run.Close() }()

	w, closeWriter, err := createWriter(stdout, m.Output.Destination, run.ID, run.Name())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer closeWriter()

	store, err := openPlanStore(ctx, m)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open plan store", err)
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	out := planrun.Outputs{Writer: w, Store: store, Placements: m.Output.Placements}
	if m.Output.Cache != "" {
		f, err := os.Create(m.Output.Cache)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create cache file", err)
		}
		defer func() { _ = f.Close() }()
		out.Cache = f
	}

	observability.CLILogger.Info("Starting plan",
		zap.String("run_id", run.ID),
		zap.String("workflow", run.Name()),
		zap.String("output_site", run.Settings.OutputSite))

	res, err := run.Execute(ctx, out)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return exitError(foundry.ExitSignalInt, "Plan cancelled", err)
		}
		var we *output.WriteError
		if errors.As(err, &we) {
			return exitError(foundry.ExitFileWriteError, "Failed to write plan", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Planning failed", err)
	}

	observability.CLILogger.Info("Plan written",
		zap.String("run_id", res.RunID),
		zap.Int("nodes", res.Summary.Nodes),
		zap.String("destination", m.Output.Destination))
	return nil
}

// createWriter creates the output writer for dest.
// Returns the writer, a cleanup function, and any error.
func createWriter(stdout io.Writer, dest, runID, workflow string) (output.Writer, func(), error) {
	if dest == "" || dest == "stdout" {
		w := output.NewJSONLWriter(stdout, runID, workflow)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := output.NewJSONLWriter(f, runID, workflow)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}

// openPlanStore opens the manifest's plan store, falling back to the
// configured one. It returns nil when neither is set.
func openPlanStore(ctx context.Context, m *manifest.Manifest) (*planstore.Store, error) {
	if m.Output.State != "" {
		return planstore.Open(ctx, planstore.Config{Path: m.Output.State})
	}
	if appConfig != nil && appConfig.State.Enabled() {
		st := appConfig.State
		return planstore.Open(ctx, planstore.Config{Path: st.Path, URL: st.URL, AuthToken: st.AuthToken})
	}
	return nil, nil
}

// showRunSettings prints what a run would use without planning.
func showRunSettings(w io.Writer, m *manifest.Manifest, s planrun.Settings) error {
	mode := "flat"
	if s.Deep {
		mode = fmt.Sprintf("hashed (fanout %d)", s.Fanout)
	}
	outputSite := s.OutputSite
	if outputSite == "" {
		outputSite = "(none, stage-out disabled)"
	}

	_, _ = fmt.Fprintln(w, "=== Plan (dry-run) ===")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Workflow:     %s\n", m.Workflow)
	_, _ = fmt.Fprintf(w, "Sites:        %s\n", m.Sites)
	for i, r := range m.Replicas {
		loc := r.Path
		if r.URL != "" {
			loc = r.URL
		}
		if r.Type == manifest.ReplicaInline {
			loc = fmt.Sprintf("%d entries", len(r.Entries))
		}
		_, _ = fmt.Fprintf(w, "Replicas[%d]:  %s %s\n", i, r.Type, loc)
	}
	_, _ = fmt.Fprintf(w, "Output site:  %s\n", outputSite)
	_, _ = fmt.Fprintf(w, "Layout:       %s\n", mode)
	if s.RelativeDir != "" {
		_, _ = fmt.Fprintf(w, "Relative dir: %s\n", s.RelativeDir)
	}
	if s.WorkDir != "" {
		_, _ = fmt.Fprintf(w, "Work dir:     %s\n", s.WorkDir)
	}
	_, _ = fmt.Fprintf(w, "Symlinks:     %t\n", s.Links)
	_, _ = fmt.Fprintf(w, "Selector:     %s\n", s.Selector)

	if len(s.StagingSites) > 0 {
		keys := make([]string, 0, len(s.StagingSites))
		for k := range s.StagingSites {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_, _ = fmt.Fprintln(w, "Staging sites:")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "  %s -> %s\n", k, s.StagingSites[k])
		}
	}
	_, _ = fmt.Fprintf(w, "Destination:  %s\n", m.Output.Destination)
	if m.Output.State != "" {
		_, _ = fmt.Fprintf(w, "State:        %s\n", m.Output.State)
	}
	if m.Output.Cache != "" {
		_, _ = fmt.Fprintf(w, "Cache:        %s\n", m.Output.Cache)
	}
	return nil
}

// baseSettings returns the configured planner settings before manifest
// overrides.
func baseSettings() planrun.Settings {
	if appConfig == nil {
		return planrun.Settings{Fanout: layout.DefaultFanout, Selector: replica.SelectorDefault}
	}
	return appConfig.PlanSettings()
}
