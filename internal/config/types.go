package config

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete scatter configuration.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	State        StateConfig        `yaml:"state"`
	Scale        ScaleConfig        `yaml:"scale"`
	Worker       WorkerConfig       `yaml:"worker"`
	Launcher     LauncherConfig     `yaml:"launcher"`
	Hosts        HostsConfig        `yaml:"hosts"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Backends     BackendsConfig     `yaml:"backends"`
	API          APIConfig          `yaml:"api,omitempty"`

	// SourcePath is the file the config was loaded from, empty for defaults.
	SourcePath string `yaml:"-"`
	// Fingerprint is the BLAKE3 hex digest of the source file.
	Fingerprint string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines where run state lives on disk.
type StateConfig struct {
	Path         string `yaml:"path"`
	WorkspaceDir string `yaml:"workspace_dir"`
	LockPath     string `yaml:"lock_path"`
}

// ScaleConfig tunes the process-count policy.
type ScaleConfig struct {
	MinBytesPerProcess ByteSize `yaml:"min_bytes_per_process"`
	ThreadsPerProcess  int      `yaml:"threads_per_process"`
	DefaultMaxScale    int      `yaml:"default_max_scale"`
}

// WorkerConfig defines per-rank ingestion settings.
type WorkerConfig struct {
	ChunkSize ByteSize `yaml:"chunk_size"`
	Progress  string   `yaml:"progress"` // bar, log, none
	Format    string   `yaml:"format"`
}

// LauncherConfig defines how worker groups are started.
type LauncherConfig struct {
	Mode         string        `yaml:"mode"` // exec, mpi, inprocess
	Executable   string        `yaml:"executable"`
	MPIRun       string        `yaml:"mpirun"`
	MPIArgs      []string      `yaml:"mpi_args,omitempty"`
	RemoteShell  []string      `yaml:"remote_shell,omitempty"` // e.g. ["ssh", "-o", "BatchMode=yes"]
	DefaultRanks int           `yaml:"default_ranks"`
	Timeout      time.Duration `yaml:"timeout"`
	GracePeriod  time.Duration `yaml:"grace_period"`
}

// HostsConfig points at the optional node roster.
type HostsConfig struct {
	Roster string `yaml:"roster"`
}

// OrchestratorConfig bounds run-level concurrency.
type OrchestratorConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"` // 0 = unbounded
}

// BackendsConfig holds per-backend settings.
type BackendsConfig struct {
	S3               S3Config     `yaml:"s3"`
	HTTP             HTTPConfig   `yaml:"http"`
	Buffer           BufferConfig `yaml:"buffer"`
	SizeCacheEntries int          `yaml:"size_cache_entries"`
}

// S3Config configures the object store backend.
type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	PathStyle bool   `yaml:"path_style"`
}

// HTTPConfig configures the remote HTTP backend.
type HTTPConfig struct {
	RetryMax int           `yaml:"retry_max"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BufferConfig configures the buffering tier blob store.
type BufferConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the optional status API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ByteSize is a byte count written either as an integer or a human string
// such as "64MiB" or "4MB".
type ByteSize uint64

// UnmarshalYAML accepts integers and humanize-style strings.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid byte size %q: %w", value.Line, s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML renders the size in IEC units.
func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "scatter",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path:         "./data/scatter.db",
			WorkspaceDir: "./data/workspaces",
			LockPath:     "./data/scatter.lock",
		},
		Scale: ScaleConfig{
			MinBytesPerProcess: 64 << 20,
			ThreadsPerProcess:  1,
			DefaultMaxScale:    100,
		},
		Worker: WorkerConfig{
			ChunkSize: 4 << 20,
			Progress:  "bar",
			Format:    "binary",
		},
		Launcher: LauncherConfig{
			Mode:         "exec",
			MPIRun:       "mpirun",
			DefaultRanks: 1,
			GracePeriod:  5 * time.Second,
		},
		Backends: BackendsConfig{
			S3: S3Config{
				Region: "us-east-1",
			},
			HTTP: HTTPConfig{
				RetryMax: 3,
				Timeout:  30 * time.Second,
			},
			Buffer: BufferConfig{
				Path: "./data/buffer.db",
			},
			SizeCacheEntries: 256,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8090",
		},
	}
}
