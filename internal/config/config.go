// Package config layers run-level settings (parallelism, grid defaults,
// selection filters, backend directory override) the way the teacher's
// sibling config loaders do: viper.SetDefault, then config file, then
// environment, with an explicit Validate step before use.
//
// This is deliberately separate from internal/cli.CLIInvocation, which
// stays env-free and deterministic for the JSON-graph invocation path
// (internal/cli's own doc comment: "Does not read env vars"). Config is
// for the ambient, non-deterministic run settings spec.md §6 describes
// as CLI flags/env vars (-j/-J/-d/-a/-e, ANADAMA_BACKEND_DIR renamed to
// TASKLOOM_BACKEND_DIR — see internal/fingerprint.DiscoverDataDir).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	configName      = ".taskloom"
	configType      = "yaml"
	envPrefix       = "TASKLOOM"
	envKeySeparator = "_"
)

// Config is the full set of run-level settings a workflow invocation reads,
// beyond the deterministic graph/workdir/cache-dir/output-dir trio.
type Config struct {
	// Jobs is local worker pool parallelism (-j/--jobs).
	Jobs int `mapstructure:"jobs"`

	// GridJobs is grid worker pool parallelism (-J).
	GridJobs int `mapstructure:"grid_jobs"`

	// DryRun builds the plan and lists actions without executing (-d).
	DryRun bool `mapstructure:"dry_run"`

	// RunThemAll disables the skip pass entirely (-a/--run-them-all).
	RunThemAll bool `mapstructure:"run_them_all"`

	// QuitEarly stops dispatching new tasks after the first failure (-e).
	QuitEarly bool `mapstructure:"quit_early"`

	// UntilTask/ExcludeTask/Target/ExcludeTarget are the selection filters
	// from spec.md §4.3, repeatable on the CLI.
	UntilTask     []string `mapstructure:"until_task"`
	ExcludeTask   []string `mapstructure:"exclude_task"`
	Target        []string `mapstructure:"target"`
	ExcludeTarget []string `mapstructure:"exclude_target"`

	// Deploy creates declared input/output directories and exits (--deploy).
	Deploy bool `mapstructure:"deploy"`

	// Grid holds default grid-worker resource settings, overridable per task
	// via GridTaskOptions (internal/grid.TaskOptions).
	Grid GridConfig `mapstructure:"grid"`

	// BackendDir overrides the fingerprint store discovery chain
	// (internal/fingerprint.DiscoverDataDir); empty means "use the chain".
	BackendDir string `mapstructure:"backend_dir"`
}

// GridConfig carries the grid-worker defaults spec.md's Design Notes call
// out as CLI-adjacent but still ambient: partition, scratch dir, per-task
// resource retry caps.
type GridConfig struct {
	Partition   string `mapstructure:"partition"`
	TmpDir      string `mapstructure:"tmpdir"`
	MaxRetries  int    `mapstructure:"max_retries"`
	RefreshRate int    `mapstructure:"refresh_rate_seconds"`

	// JobQueue/JobDefinitionARN address the internal/grid/awsbatch.Driver
	// this config feeds (spec.md §4.7's GridQueue contract); when a grid
	// partition is set, cmd/taskloom requires both and stops with a config
	// error if either is missing.
	JobQueue         string `mapstructure:"job_queue"`
	JobDefinitionARN string `mapstructure:"job_definition_arn"`
}

// Validate enforces the invariants the rest of the engine assumes:
// strictly positive parallelism, a bounded grid retry cap.
func (c *Config) Validate() error {
	if c.Jobs <= 0 {
		return fmt.Errorf("config: jobs must be > 0, got %d", c.Jobs)
	}
	if c.GridJobs <= 0 {
		return fmt.Errorf("config: grid_jobs must be > 0, got %d", c.GridJobs)
	}
	if c.Grid.MaxRetries < 0 {
		return fmt.Errorf("config: grid.max_retries must be >= 0, got %d", c.Grid.MaxRetries)
	}
	if c.Grid.RefreshRate <= 0 {
		return fmt.Errorf("config: grid.refresh_rate_seconds must be > 0, got %d", c.Grid.RefreshRate)
	}
	return nil
}

// Load builds a Config from defaults, an optional config file at
// configPath (missing file is not an error), and TASKLOOM_-prefixed
// environment variables, in that priority order (env wins).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("jobs", 1)
	v.SetDefault("grid_jobs", 1)
	v.SetDefault("dry_run", false)
	v.SetDefault("run_them_all", false)
	v.SetDefault("quit_early", false)
	v.SetDefault("deploy", false)
	v.SetDefault("grid.max_retries", 3)
	v.SetDefault("grid.refresh_rate_seconds", 30)
}
