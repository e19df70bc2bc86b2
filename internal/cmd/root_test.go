package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sitesYAML = `
sites:
  - handle: siteA
    directories:
      - role: shared-scratch
        internal_mount_point: /internal/siteA
        file_servers:
          - operation: all
            url_prefix: gsiftp://a.example.org
            mount_point: /scratch/siteA
  - handle: siteB
    directories:
      - role: shared-scratch
        internal_mount_point: /internal/siteB
        file_servers:
          - operation: all
            url_prefix: gsiftp://b.example.org
            mount_point: /scratch/siteB
  - handle: out
    directories:
      - role: shared-storage
        internal_mount_point: /storage
        file_servers:
          - operation: all
            url_prefix: gsiftp://out.example.org
            mount_point: /storage
`

const workflowYAML = `
name: single
jobs:
  - id: J
    site: siteA
    inputs:
      - lfn: f2
    outputs:
      - lfn: f3
      - lfn: f4
`

const catalogText = `f2 gsiftp://b.example.org/data/f2 site="siteB"
f9 gsiftp://a.example.org/data/f9 site="siteA"
`

const manifestYAML = `version: "1.0"
workflow: wf.yaml
sites: sites.yaml
replicas:
  - type: file
    path: rc.txt
output_site: out
options:
  work_dir: run0001
  relative_dir: outputs
`

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writePlanFixtures lays out a manifest and its documents in a temp dir
// and returns the manifest path.
func writePlanFixtures(t *testing.T, workflow string) string {
	t.Helper()
	dir := t.TempDir()
	writeFixture(t, dir, "wf.yaml", workflow)
	writeFixture(t, dir, "sites.yaml", sitesYAML)
	writeFixture(t, dir, "rc.txt", catalogText)
	return writeFixture(t, dir, "plan.yaml", manifestYAML)
}

// useTestConfig points the loader at a quiet config file.
func useTestConfig(t *testing.T) {
	t.Helper()
	path := writeFixture(t, t.TempDir(), "gostage.yaml", "logging:\n  level: error\n")
	t.Setenv("GOSTAGE_CONFIG", path)
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	useTestConfig(t)

	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var ee *ExitError
	require.True(t, errors.As(err, &ee), "expected ExitError, got %v", err)
	return ee.Code
}

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2026-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		assert.Nil(t, GetAppIdentity())
	})

	t.Run("set by command startup", func(t *testing.T) {
		_, err := runCLI(t, "version")
		require.NoError(t, err)

		id := GetAppIdentity()
		require.NotNil(t, id)
		assert.Equal(t, "gostage", id.BinaryName)
		assert.Equal(t, "GOSTAGE_", id.EnvPrefix)
		assert.Equal(t, "3leaps", id.Vendor)
		assert.Equal(t, "gostage", id.ConfigName)
	})
}

func TestVersionCommand_JSON(t *testing.T) {
	out, err := runCLI(t, "version", "--json")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	libs := crucible.GetVersion()
	assert.Equal(t, versionInfo.Version, got["version"])
	assert.Equal(t, libs.Gofulmen, got["gofulmen"])
	assert.Equal(t, libs.Crucible, got["crucible"])
	assert.NotEmpty(t, got["crucible"])
	assert.NotEmpty(t, got["go_version"])
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(foundry.ExitInvalidArgument, "Invalid manifest", cause)

	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, foundry.ExitInvalidArgument, ee.Code)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Invalid manifest: boom")
}

func TestFlagOverrides(t *testing.T) {
	defer func() { logLevel, logProfile, verbose = "", "", false }()

	logLevel, logProfile, verbose = "", "", false
	assert.Nil(t, flagOverrides())

	logLevel = "warn"
	assert.Equal(t, map[string]any{"logging": map[string]any{"level": "warn"}}, flagOverrides())

	verbose = true
	logProfile = "console"
	assert.Equal(t, map[string]any{"logging": map[string]any{"level": "debug", "profile": "console"}}, flagOverrides())
}

func TestExecute_ExitCodes(t *testing.T) {
	useTestConfig(t)
	resetFlags(rootCmd)
	defer func() {
		resetFlags(rootCmd)
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	}()
	rootCmd.SetOut(&bytes.Buffer{})

	rootCmd.SetArgs([]string{"version"})
	assert.Equal(t, 0, Execute(context.Background()))

	rootCmd.SetArgs([]string{"plan", "--job", filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Equal(t, foundry.ExitInvalidArgument, Execute(context.Background()))
}

func TestVersionCommand(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()
	versionInfo = VersionInfo{Version: "1.2.3", Commit: "abc", BuildDate: "today"}

	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "gostage 1.2.3")
	assert.Contains(t, out, "commit:     abc")

	out, err = runCLI(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "1.2.3"`)
}
