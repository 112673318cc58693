package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int              `mapstructure:"config_version" yaml:"config_version"`
	Runtime       string           `mapstructure:"runtime" yaml:"runtime"`
	Image         string           `mapstructure:"image" yaml:"image"`
	ScriptsDir    string           `mapstructure:"scripts_dir" yaml:"scripts_dir"`
	ScriptsMount  string           `mapstructure:"scripts_mount" yaml:"scripts_mount"`
	Command       []string         `mapstructure:"command" yaml:"command"`
	NamePrefix    string           `mapstructure:"name_prefix" yaml:"name_prefix"`
	PullTimeout   int              `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
	Resources     ResourcesConfig  `mapstructure:"resources" yaml:"resources"`
	Parallel      ParallelConfig   `mapstructure:"parallel" yaml:"parallel"`
	Docker        DockerConfig     `mapstructure:"docker" yaml:"docker"`
	Containerd    ContainerdConfig `mapstructure:"containerd" yaml:"containerd"`
	HTTP          HTTPConfig       `mapstructure:"http" yaml:"http"`
	Janitor       JanitorConfig    `mapstructure:"janitor" yaml:"janitor"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ResourcesConfig caps every guest container (0 means runtime default).
type ResourcesConfig struct {
	MemoryBytes int64 `mapstructure:"memory_bytes" yaml:"memory_bytes"`
	NanoCPUs    int64 `mapstructure:"nano_cpus" yaml:"nano_cpus"`
}

// ParallelConfig bounds the parallel fan-out. Zero keeps it unbounded.
type ParallelConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency" yaml:"max_concurrency"`
}

// DockerConfig configures the Docker Engine API endpoint.
type DockerConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// ContainerdConfig configures the containerd runtime endpoint.
type ContainerdConfig struct {
	Address     string `mapstructure:"address" yaml:"address"`
	Namespace   string `mapstructure:"namespace" yaml:"namespace"`
	Snapshotter string `mapstructure:"snapshotter" yaml:"snapshotter"`
	// LogBufferBytes caps the output kept per container. Zero selects the runtime default.
	LogBufferBytes int `mapstructure:"log_buffer_bytes" yaml:"log_buffer_bytes"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// JanitorConfig controls pruning of leftover managed containers.
type JanitorConfig struct {
	OnStart       bool `mapstructure:"on_start" yaml:"on_start"`
	MinAgeMinutes int  `mapstructure:"min_age_minutes" yaml:"min_age_minutes"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	uid := os.Getuid()
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", uid))
	}
	containerdAddr := "unix:///run/containerd/containerd.sock"
	if uid != 0 {
		containerdAddr = fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "containerd", "containerd.sock"))
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Runtime:       "docker",
		Image:         "docker.io/library/python:3.11-slim",
		ScriptsDir:    "./scripts",
		ScriptsMount:  "/scripts",
		Command:       []string{"python", "/scripts/hello.py"},
		NamePrefix:    "hello-container-",
		PullTimeout:   5,
		Parallel: ParallelConfig{
			MaxConcurrency: 0,
		},
		Docker: DockerConfig{
			Address: "unix:///var/run/docker.sock",
		},
		Containerd: ContainerdConfig{
			Address:   containerdAddr,
			Namespace: "dockerrunner",
		},
		HTTP: HTTPConfig{
			Addr: ":3000",
		},
		Janitor: JanitorConfig{
			OnStart:       true,
			MinAgeMinutes: 0,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".dockerrunner", "config.yaml"), nil
}
