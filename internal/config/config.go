package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SourceLayout maps a channel shape to the in-tree configuration paths
type SourceLayout struct {
	Name        string `mapstructure:"name"`
	Match       string `mapstructure:"match"`
	ExamplesDir string `mapstructure:"examples_dir"`
	ConfigDir   string `mapstructure:"config_dir"`
}

// Schedule triggers a run for a channel on a cron expression
type Schedule struct {
	Channel string `mapstructure:"channel"`
	Ref     string `mapstructure:"ref"`
	Cron    string `mapstructure:"cron"`
}

// Config holds all configuration for the build farm
type Config struct {
	// Server configuration
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	// Database configuration
	DatabasePath string `mapstructure:"database_path"`

	// Storage configuration
	OutputPath  string `mapstructure:"output_path"`
	ConfigsPath string `mapstructure:"configs_path"`
	WorkPath    string `mapstructure:"work_path"`
	MirrorPath  string `mapstructure:"mirror_path"`

	// Upstream source configuration
	UpstreamURL       string `mapstructure:"upstream_url"`
	VCSTimeoutSeconds int    `mapstructure:"vcs_timeout_seconds"`

	// Source layouts
	SourceLayouts []SourceLayout `mapstructure:"source_layouts"`
	SourceLayout  string         `mapstructure:"source_layout"`

	// Toolchain configuration
	ToolchainRuntime        string `mapstructure:"toolchain_runtime"` // native, podman, docker or podman-socket
	ToolchainCommand        string `mapstructure:"toolchain_command"`
	ToolchainImage          string `mapstructure:"toolchain_image"`
	ContainerSocketPath     string `mapstructure:"container_socket_path"`
	EnvOutputDir            string `mapstructure:"env_output_dir"`
	ArtifactName            string `mapstructure:"artifact_name"`
	ToolchainTimeoutSeconds int    `mapstructure:"toolchain_timeout_seconds"`

	// Build configuration
	BuildConcurrency int `mapstructure:"build_concurrency"`

	// Worker configuration
	WorkerID           string     `mapstructure:"worker_id"`
	WorkerPollSeconds  int        `mapstructure:"worker_poll_seconds"`
	MaxPendingRuns     int        `mapstructure:"max_pending_runs"`
	Schedules          []Schedule `mapstructure:"schedules"`
	StatsRetentionDays int        `mapstructure:"stats_retention_days"`

	// Publishing
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Prefix    string `mapstructure:"s3_prefix"`
	S3UseSSL    bool   `mapstructure:"s3_use_ssl"`

	// Metrics
	MetricsTextfile string `mapstructure:"metrics_textfile"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// LoadConfig loads configuration from .env, environment and config file.
// An explicit path overrides the search locations.
func LoadConfig(path string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("MARLINBUILD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/marlinbuild/")
		v.AddConfigPath("$HOME/.marlinbuild")
		v.AddConfigPath(".")
	}

	// Config file is optional unless given explicitly
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand paths
	if err := config.expandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}

	return &config, nil
}

// DefaultSourceLayouts reproduces the two upstream tree shapes
func DefaultSourceLayouts() []SourceLayout {
	return []SourceLayout{
		{Name: "marlin2", Match: "2.", ExamplesDir: "Marlin/src/config/examples", ConfigDir: "Marlin"},
		{Name: "default", ExamplesDir: "Marlin/example_configurations", ConfigDir: "Marlin"},
	}
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8080)

	// Database defaults
	v.SetDefault("database_path", "./data/marlinbuild.db")

	// Storage defaults
	v.SetDefault("output_path", "./output")
	v.SetDefault("configs_path", "./configs")
	v.SetDefault("work_path", ".")
	v.SetDefault("mirror_path", "./marlin")

	// Upstream defaults
	v.SetDefault("upstream_url", "https://github.com/MarlinFirmware/Marlin")
	v.SetDefault("vcs_timeout_seconds", 900)

	// Layout defaults
	v.SetDefault("source_layouts", layoutsAsMaps(DefaultSourceLayouts()))
	v.SetDefault("source_layout", "")

	// Toolchain defaults
	v.SetDefault("toolchain_runtime", "native")
	v.SetDefault("toolchain_command", "platformio")
	v.SetDefault("toolchain_image", "docker.io/infinitecoding/platformio-for-ci:latest")
	v.SetDefault("container_socket_path", "/run/podman/podman.sock")
	v.SetDefault("env_output_dir", ".pioenvs")
	v.SetDefault("artifact_name", "firmware.hex")
	v.SetDefault("toolchain_timeout_seconds", 1800) // 30 minutes

	// Build defaults
	v.SetDefault("build_concurrency", 1)

	// Worker defaults
	hostname, _ := os.Hostname()
	v.SetDefault("worker_id", hostname)
	v.SetDefault("worker_poll_seconds", 5)
	v.SetDefault("max_pending_runs", 20)
	v.SetDefault("stats_retention_days", 90)

	// Publishing
	v.SetDefault("s3_prefix", "")
	v.SetDefault("s3_use_ssl", true)

	// Logging
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

func layoutsAsMaps(layouts []SourceLayout) []map[string]string {
	out := make([]map[string]string, 0, len(layouts))
	for _, l := range layouts {
		out = append(out, map[string]string{
			"name":         l.Name,
			"match":        l.Match,
			"examples_dir": l.ExamplesDir,
			"config_dir":   l.ConfigDir,
		})
	}
	return out
}

func (c *Config) expandPaths() error {
	var err error

	fields := []struct {
		name string
		ptr  *string
	}{
		{"database_path", &c.DatabasePath},
		{"output_path", &c.OutputPath},
		{"configs_path", &c.ConfigsPath},
		{"work_path", &c.WorkPath},
		{"mirror_path", &c.MirrorPath},
		{"metrics_textfile", &c.MetricsTextfile},
	}

	for _, f := range fields {
		*f.ptr, err = expandPath(*f.ptr)
		if err != nil {
			return fmt.Errorf("failed to expand %s: %w", f.name, err)
		}
	}

	return nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	// Expand home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}

	// Get absolute path
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return absPath, nil
}

// Layout picks the source layout for a channel. A forced layout name wins
// over the substring match.
func (c *Config) Layout(channel string) (SourceLayout, error) {
	layouts := c.SourceLayouts
	if len(layouts) == 0 {
		layouts = DefaultSourceLayouts()
	}

	if c.SourceLayout != "" {
		for _, l := range layouts {
			if l.Name == c.SourceLayout {
				return l, nil
			}
		}
		return SourceLayout{}, fmt.Errorf("unknown source_layout %q", c.SourceLayout)
	}

	var fallback *SourceLayout
	for i, l := range layouts {
		if l.Match == "" {
			if fallback == nil {
				fallback = &layouts[i]
			}
			continue
		}
		if strings.Contains(channel, l.Match) {
			return l, nil
		}
	}
	if fallback == nil {
		return SourceLayout{}, fmt.Errorf("no source layout matches channel %q", channel)
	}
	return *fallback, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}

	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream_url is required")
	}

	switch c.ToolchainRuntime {
	case "native", "podman", "docker", "podman-socket":
	default:
		return fmt.Errorf("toolchain_runtime must be 'native', 'podman', 'docker' or 'podman-socket'")
	}

	if c.ToolchainRuntime != "native" && c.ToolchainImage == "" {
		return fmt.Errorf("toolchain_image is required for container runtimes")
	}

	if c.ToolchainTimeoutSeconds < 0 || c.VCSTimeoutSeconds < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if c.BuildConcurrency < 1 {
		return fmt.Errorf("build_concurrency must be at least 1")
	}

	if c.WorkerPollSeconds < 1 {
		return fmt.Errorf("worker_poll_seconds must be at least 1")
	}

	if c.MaxPendingRuns < 1 {
		return fmt.Errorf("max_pending_runs must be at least 1")
	}

	for _, l := range c.SourceLayouts {
		if l.Name == "" || l.ExamplesDir == "" || l.ConfigDir == "" {
			return fmt.Errorf("source layout %q needs name, examples_dir and config_dir", l.Name)
		}
	}

	for _, s := range c.Schedules {
		if s.Channel == "" || s.Cron == "" {
			return fmt.Errorf("schedules need a channel and a cron expression")
		}
	}

	if c.S3Endpoint != "" && c.S3Bucket == "" {
		return fmt.Errorf("s3_bucket is required when s3_endpoint is set")
	}

	return nil
}
