package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/scatter/internal/job"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

const (
	minChunkSize = 1 << 20
	maxChunkSize = 16 << 20
)

// Load reads a config file over Defaults and validates the result. An empty
// path yields the validated defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		cfg := Defaults()
		if err := validate(cfg); err != nil {
			return nil, job.Configf("config", "invalid configuration: %w", err)
		}
		return cfg, nil
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, job.Configf("config", "failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, job.Configf("config", "config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, job.Configf("config", "failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	cfg.Fingerprint = Fingerprint(data)
	return cfg, nil
}

// Parse decodes raw YAML over Defaults, interpolating ${VAR} references.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, job.Configf("config", "failed to parse config YAML: %w", err)
	}

	var result *multierror.Error
	if err := checkUnresolvedEnvVars(interpolated); err != nil {
		result = multierror.Append(result, err)
	}
	if err := validate(cfg); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, job.Configf("config", "invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds a config file by checking standard locations.
// Priority order: $SCATTER_CONFIG, ~/.config/scatter/config.yaml, /etc/scatter/config.yaml.
// An empty result means run on defaults.
func Discover() string {
	if path := os.Getenv("SCATTER_CONFIG"); path != "" {
		return path
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "scatter", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig
		}
	}
	systemConfig := "/etc/scatter/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig
	}
	return ""
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place and reported by checkUnresolvedEnvVars.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func checkUnresolvedEnvVars(text string) error {
	var result *multierror.Error
	sc := bufio.NewScanner(strings.NewReader(text))
	line := 0
	for sc.Scan() {
		line++
		content := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(content, "#") {
			continue
		}
		for _, m := range envVarPattern.FindAllStringSubmatch(content, -1) {
			result = multierror.Append(result, fmt.Errorf("line %d: environment variable ${%s} is not set", line, m[1]))
		}
	}
	return result.ErrorOrNil()
}

// validate collects every problem in cfg rather than stopping at the first.
func validate(cfg *Config) error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		add("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		add("service.log_format must be json or text (got %q)", f)
	}

	if cfg.State.Path == "" {
		add("state.path is required")
	}
	if cfg.State.WorkspaceDir == "" {
		add("state.workspace_dir is required")
	}

	if cfg.Scale.MinBytesPerProcess == 0 {
		add("scale.min_bytes_per_process must be positive")
	}
	if cfg.Scale.ThreadsPerProcess < 1 {
		add("scale.threads_per_process must be at least 1")
	}
	if cfg.Scale.DefaultMaxScale < 1 {
		add("scale.default_max_scale must be at least 1")
	}

	if cfg.Worker.ChunkSize < minChunkSize || cfg.Worker.ChunkSize > maxChunkSize {
		add("worker.chunk_size must be between %s and %s (got %s)",
			ByteSize(minChunkSize), ByteSize(maxChunkSize), cfg.Worker.ChunkSize)
	}
	switch cfg.Worker.Progress {
	case "bar", "log", "none":
	default:
		add("worker.progress must be one of: bar, log, none (got %q)", cfg.Worker.Progress)
	}

	switch cfg.Launcher.Mode {
	case "exec", "inprocess":
	case "mpi":
		if cfg.Launcher.MPIRun == "" {
			add("launcher.mpirun is required in mpi mode")
		}
	default:
		add("launcher.mode must be one of: exec, mpi, inprocess (got %q)", cfg.Launcher.Mode)
	}
	if cfg.Launcher.DefaultRanks < 1 {
		add("launcher.default_ranks must be at least 1")
	}
	if cfg.Launcher.Timeout < 0 {
		add("launcher.timeout must not be negative")
	}
	if cfg.Launcher.GracePeriod < 0 {
		add("launcher.grace_period must not be negative")
	}

	if cfg.Orchestrator.MaxConcurrentJobs < 0 {
		add("orchestrator.max_concurrent_jobs must not be negative")
	}

	if cfg.Backends.HTTP.RetryMax < 0 {
		add("backends.http.retry_max must not be negative")
	}
	if cfg.Backends.SizeCacheEntries < 0 {
		add("backends.size_cache_entries must not be negative")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		add("api.listen is required when the API is enabled")
	}

	return result.ErrorOrNil()
}
