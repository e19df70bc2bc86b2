package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostage/internal/observability"
	"github.com/3leaps/gostage/pkg/manifest"
	"github.com/3leaps/gostage/pkg/planrun"
	"github.com/3leaps/gostage/pkg/source"
)

var validateCmd = &cobra.Command{
	Use:   "validate <manifest>",
	Short: "Validate a plan manifest and its input documents",
	Long: `Validate a plan manifest against its schema, then load the workflow,
site catalog and replica catalogs it names.

Nothing is planned and no output is written.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := args[0]

	m, err := manifest.Load(path)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	run, err := planrun.Prepare(ctx, docReader, m, baseSettings(), observability.CLILogger)
	if err != nil {
		if source.IsNotFound(err) {
			return exitError(foundry.ExitFileNotFound, "Plan input not found", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Invalid plan inputs", err)
	}
	defer func() { _ = run.Close() }()

	wf := run.Inputs.Workflow
	inputs, outputs := 0, 0
	for _, j := range wf.Graph.Jobs() {
		inputs += j.Inputs.Len()
		outputs += j.Outputs.Len()
	}

	observability.CLILogger.Debug("Manifest validated",
		zap.String("path", path),
		zap.String("workflow", run.Name()))

	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "Manifest %s is valid\n", path)
	_, _ = fmt.Fprintf(w, "  workflow:     %s\n", run.Name())
	_, _ = fmt.Fprintf(w, "  jobs:         %d\n", wf.Graph.Len())
	_, _ = fmt.Fprintf(w, "  deleted jobs: %d\n", len(wf.Deleted))
	_, _ = fmt.Fprintf(w, "  inputs:       %d\n", inputs)
	_, _ = fmt.Fprintf(w, "  outputs:      %d\n", outputs)
	_, _ = fmt.Fprintf(w, "  sites:        %d\n", len(run.Inputs.Sites.Handles()))
	_, _ = fmt.Fprintf(w, "  replicas:     %d source(s)\n", len(m.Replicas))
	return nil
}
