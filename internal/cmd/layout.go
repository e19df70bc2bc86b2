package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gostage/internal/observability"
	"github.com/3leaps/gostage/pkg/layout"
	"github.com/3leaps/gostage/pkg/manifest"
	"github.com/3leaps/gostage/pkg/output"
	"github.com/3leaps/gostage/pkg/planrun"
)

var layoutCmd = &cobra.Command{
	Use:   "layout [lfn...]",
	Short: "Preview output directory allocation",
	Long: `Preview the relative paths under which output files would be placed
on the output site.

LFNs come from the arguments, or from the outputs of the workflow named
by a plan manifest (--job). Records are written as JSONL to stdout.

Example:
  gostage layout --deep --fanout 4 f1 f2 f3
  gostage layout --job plan.yaml --deep`,
	RunE: runLayout,
}

var (
	layoutJobPath     string
	layoutDeep        bool
	layoutFanout      int
	layoutRelativeDir string
	layoutCount       int
)

func init() {
	rootCmd.AddCommand(layoutCmd)

	layoutCmd.Flags().StringVarP(&layoutJobPath, "job", "j", "", "Take LFNs from the outputs of this manifest's workflow")
	layoutCmd.Flags().BoolVar(&layoutDeep, "deep", false, "Use hashed directories")
	layoutCmd.Flags().IntVar(&layoutFanout, "fanout", layout.DefaultFanout, "Maximum entries per hashed directory")
	layoutCmd.Flags().StringVar(&layoutRelativeDir, "relative-dir", "", "Root below the output site's storage directory")
	layoutCmd.Flags().IntVar(&layoutCount, "count", 0, "Size the tree for this many files (default: number of LFNs)")
}

func runLayout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	settings := baseSettings()
	lfns := args

	if layoutJobPath != "" {
		m, err := manifest.Load(layoutJobPath)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
		}
		run, err := planrun.Prepare(ctx, docReader, m, settings, observability.CLILogger)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid plan inputs", err)
		}
		defer func() { _ = run.Close() }()

		settings = run.Settings
		lfns = append(lfns, workflowOutputs(run)...)
	}
	if len(lfns) == 0 {
		return exitError(foundry.ExitInvalidArgument, "No files to lay out",
			errors.New("pass LFNs as arguments or use --job"))
	}

	flags := cmd.Flags()
	if flags.Changed("deep") {
		settings.Deep = layoutDeep
	}
	if flags.Changed("fanout") {
		settings.Fanout = layoutFanout
	}
	if flags.Changed("relative-dir") {
		settings.RelativeDir = layoutRelativeDir
	}

	total := len(lfns)
	if layoutCount > total {
		total = layoutCount
	}

	alloc, err := layout.New(settings.Deep, settings.RelativeDir, total, settings.Fanout)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid layout", err)
	}

	w := output.NewJSONLWriter(cmd.OutOrStdout(), "", "layout")
	defer func() { _ = w.Close() }()

	for _, lfn := range lfns {
		p, err := alloc.Allocate(lfn)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("Cannot place %s", lfn), err)
		}
		if err := w.WriteLayout(ctx, &output.LayoutRecord{LFN: lfn, Path: p}); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write layout", err)
		}
	}
	return nil
}

// workflowOutputs lists every output LFN once, in job order.
func workflowOutputs(run *planrun.Run) []string {
	seen := make(map[string]struct{})
	var lfns []string
	for _, j := range run.Inputs.Workflow.Graph.Jobs() {
		for _, f := range j.Outputs.Files() {
			if _, ok := seen[f.LFN]; ok {
				continue
			}
			seen[f.LFN] = struct{}{}
			lfns = append(lfns, f.LFN)
		}
	}
	return lfns
}
