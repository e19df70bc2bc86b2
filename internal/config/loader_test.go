package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gostage/pkg/layout"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
		assert.Equal(t, int64(4<<20), cfg.Server.MaxBodyBytes)
		assert.Zero(t, cfg.Server.RateLimit)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.True(t, cfg.Health.Enabled)

		assert.False(t, cfg.Storage.Deep)
		assert.Equal(t, layout.DefaultFanout, cfg.Storage.Fanout)
		assert.Equal(t, "default", cfg.Replica.Selector)
		assert.False(t, cfg.Transfer.Links)
		assert.False(t, cfg.State.Enabled())
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"storage": map[string]any{
				"deep":   true,
				"fanout": 16,
			},
			"refiner": map[string]any{
				"preference": map[string]any{"stage-out": "remote"},
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.True(t, cfg.Storage.Deep)
		assert.Equal(t, 16, cfg.Storage.Fanout)
		assert.Equal(t, "remote", cfg.Refiner.Preference["stage-out"])

		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("GOSTAGE_PORT", "3000")
		t.Setenv("GOSTAGE_LOG_LEVEL", "warn")
		t.Setenv("GOSTAGE_STORAGE_DEEP", "true")
		t.Setenv("GOSTAGE_OUTPUT_SITE", "archive")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.True(t, cfg.Storage.Deep)
		assert.Equal(t, "archive", cfg.Planner.OutputSite)
	})

	t.Run("LongEnvNames", func(t *testing.T) {
		t.Setenv("GOSTAGE_SERVER_PORT", "3100")
		t.Setenv("GOSTAGE_PLANNER_WORK_DIR", "run0042")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3100, cfg.Server.Port)
		assert.Equal(t, "run0042", cfg.Planner.WorkDir)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("GOSTAGE_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		_, err := Load(ctx, map[string]any{"storage": map[string]any{"fanout": 1}})
		assert.Error(t, err)

		_, err = Load(ctx, map[string]any{"replica": map[string]any{"selector": "random"}})
		assert.Error(t, err)

		_, err = Load(ctx, map[string]any{"refiner": map[string]any{"preference": map[string]any{"stage-in": "sideways"}}})
		assert.Error(t, err)
	})

	t.Run("Canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "gostage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
planner:
  output_site: out
  work_dir: run0001
storage:
  relative_dir: outputs
transfer:
  links: true
  srm:
    isi:
      service_url: srm://srm.isi.edu/data
      mountpoint: /nfs/data
state:
  path: /tmp/gostage/plan.db
`), 0o644))

	cfg, err := LoadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "out", cfg.Planner.OutputSite)
	assert.Equal(t, "outputs", cfg.Storage.RelativeDir)
	assert.True(t, cfg.Transfer.Links)
	assert.Equal(t, "/nfs/data", cfg.Transfer.SRM["isi"].MountPoint)
	assert.True(t, cfg.State.Enabled())

	settings := cfg.PlanSettings()
	assert.Equal(t, "out", settings.OutputSite)
	assert.Equal(t, "run0001", settings.WorkDir)
	assert.True(t, settings.Links)
	assert.Equal(t, layout.DefaultFanout, settings.Fanout)

	t.Setenv(ConfigEnv, path)
	cfg, err = Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "out", cfg.Planner.OutputSite)

	_, err = LoadFile(ctx, filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 9100}})
	require.NoError(t, err)

	current := GetConfig()
	require.NotNil(t, current)
	assert.Equal(t, cfg.Server.Port, current.Server.Port)
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]string)
	for _, spec := range specs {
		assert.Contains(t, spec.Name, "GOSTAGE_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		names[spec.Name] = spec.Path
	}

	assert.Equal(t, "logging.level", names["GOSTAGE_LOG_LEVEL"])
	assert.Equal(t, "server.port", names["GOSTAGE_PORT"])
	assert.Equal(t, "server.host", names["GOSTAGE_HOST"])
	assert.Equal(t, "state.path", names["GOSTAGE_STATE_PATH"])
}

func TestDurationParsing(t *testing.T) {
	t.Setenv("GOSTAGE_READ_TIMEOUT", "45s")
	t.Setenv("GOSTAGE_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}

// resetAppIdentity clears package state so a test sees no identity.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestGetUserConfigPaths(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	_, err := Load(context.Background())
	require.NoError(t, err)

	id := GetAppIdentity()
	require.NotNil(t, id)
	assert.Equal(t, "gostage", id.ConfigName)
	assert.Equal(t, "GOSTAGE_", id.EnvPrefix)

	paths := getUserConfigPaths()
	assert.Equal(t, []string{".", filepath.Join(xdg, "gostage")}, paths)
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		_, _ = Load(context.Background())
	}()

	assert.Empty(t, getUserConfigPaths())
}

func TestLoad_FromXDGConfigDir(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "gostage"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(xdg, "gostage", "gostage.yaml"), []byte("planner:\n  output_site: xdg-out\n"), 0o644))

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "xdg-out", cfg.Planner.OutputSite)
}
