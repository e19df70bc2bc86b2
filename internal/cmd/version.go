package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionJSON bool

type versionReport struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Gofulmen  string `json:"gofulmen"`
	Crucible  string `json:"crucible"`
}

func currentVersion() versionReport {
	libs := crucible.GetVersion()
	return versionReport{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		GoVersion: runtime.Version(),
		Gofulmen:  libs.Gofulmen,
		Crucible:  libs.Crucible,
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := cmd.OutOrStdout()
		v := currentVersion()
		if versionJSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		_, _ = fmt.Fprintf(w, "%s %s\n", rootCmd.Name(), v.Version)
		_, _ = fmt.Fprintf(w, "  commit:     %s\n", v.Commit)
		_, _ = fmt.Fprintf(w, "  built:      %s\n", v.BuildDate)
		_, _ = fmt.Fprintf(w, "  go version: %s\n", v.GoVersion)
		_, _ = fmt.Fprintf(w, "  libraries:  %s\n", crucible.GetVersionString())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print as JSON")
}
