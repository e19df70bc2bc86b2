package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/gostage/pkg/layout"
)

// Identity.
const (
	BinaryName = "gostage"
	EnvPrefix  = "GOSTAGE"
	ConfigName = "gostage"

	// ConfigEnv names a config file to load instead of searching.
	ConfigEnv = EnvPrefix + "_CONFIG"
)

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// EnvSpec binds a short environment variable to a config path. Every path
// is also reachable as GOSTAGE_<PATH> with dots replaced by underscores.
type EnvSpec struct {
	Name string
	Path string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 4<<20)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("health.enabled", true)

	v.SetDefault("planner.output_site", "")
	v.SetDefault("planner.work_dir", "")
	v.SetDefault("planner.staging_sites", map[string]string{})

	v.SetDefault("storage.deep", false)
	v.SetDefault("storage.fanout", layout.DefaultFanout)
	v.SetDefault("storage.relative_dir", "")

	v.SetDefault("transfer.links", false)
	v.SetDefault("execution.worker_node", false)

	v.SetDefault("replica.selector", "default")

	v.SetDefault("refiner.max_transfers_per_node", 0)

	v.SetDefault("state.path", "")
	v.SetDefault("state.url", "")
	v.SetDefault("state.auth_token", "")

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.force_path_style", false)
}

// Load builds the configuration, searching the default locations for a
// config file. Later overrides win over earlier ones.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile builds the configuration from path. An empty path falls back to
// GOSTAGE_CONFIG and then to the search locations, where a missing file is
// not an error.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := loadIdentity(ctx); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name, envName(spec.Path)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		flat := make(map[string]any)
		flatten("", o, flat)
		for k, val := range flat {
			v.Set(k, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		path = strings.TrimSpace(os.Getenv(ConfigEnv))
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(ConfigName)
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths lists the directories searched for gostage.yaml: the
// working directory, then the XDG config directory of the app identity.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil || strings.TrimSpace(id.ConfigName) == "" {
		return nil
	}
	return []string{".", gfconfig.GetAppConfigDir(id.ConfigName)}
}

func getEnvSpecs() []EnvSpec {
	specs := []EnvSpec{
		{Name: "HOST", Path: "server.host"},
		{Name: "PORT", Path: "server.port"},
		{Name: "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: "RATE_LIMIT", Path: "server.rate_limit"},
		{Name: "LOG_LEVEL", Path: "logging.level"},
		{Name: "LOG_PROFILE", Path: "logging.profile"},
		{Name: "OUTPUT_SITE", Path: "planner.output_site"},
		{Name: "WORK_DIR", Path: "planner.work_dir"},
		{Name: "SELECTOR", Path: "replica.selector"},
		{Name: "STATE_PATH", Path: "state.path"},
		{Name: "STATE_URL", Path: "state.url"},
		{Name: "STATE_AUTH_TOKEN", Path: "state.auth_token"},
	}
	for i := range specs {
		specs[i].Name = EnvPrefix + "_" + specs[i].Name
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func envName(path string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, val := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = val
	}
}
