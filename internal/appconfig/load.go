package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("runtime", cfg.Runtime)
	v.SetDefault("image", cfg.Image)
	v.SetDefault("scripts_dir", cfg.ScriptsDir)
	v.SetDefault("scripts_mount", cfg.ScriptsMount)
	v.SetDefault("command", cfg.Command)
	v.SetDefault("name_prefix", cfg.NamePrefix)
	v.SetDefault("pull_timeout_minutes", cfg.PullTimeout)
	v.SetDefault("resources.memory_bytes", cfg.Resources.MemoryBytes)
	v.SetDefault("resources.nano_cpus", cfg.Resources.NanoCPUs)
	v.SetDefault("parallel.max_concurrency", cfg.Parallel.MaxConcurrency)
	v.SetDefault("docker.address", cfg.Docker.Address)
	v.SetDefault("containerd.address", cfg.Containerd.Address)
	v.SetDefault("containerd.namespace", cfg.Containerd.Namespace)
	v.SetDefault("containerd.snapshotter", cfg.Containerd.Snapshotter)
	v.SetDefault("containerd.log_buffer_bytes", cfg.Containerd.LogBufferBytes)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("janitor.on_start", cfg.Janitor.OnStart)
	v.SetDefault("janitor.min_age_minutes", cfg.Janitor.MinAgeMinutes)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if !configLoaded || !v.InConfig("http.addr") {
		if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
			cfg.HTTP.Addr = ":" + port
		}
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(err)
}

func validate(cfg Config) error {
	switch cfg.Runtime {
	case "docker":
		if strings.TrimSpace(cfg.Docker.Address) == "" {
			return fmt.Errorf("docker.address is required for runtime docker")
		}
	case "containerd":
		if strings.TrimSpace(cfg.Containerd.Address) == "" {
			return fmt.Errorf("containerd.address is required for runtime containerd")
		}
		if strings.TrimSpace(cfg.Containerd.Namespace) == "" {
			return fmt.Errorf("containerd.namespace is required for runtime containerd")
		}
	default:
		return fmt.Errorf("unsupported runtime %q", cfg.Runtime)
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return fmt.Errorf("image is required")
	}
	if len(cfg.Command) == 0 {
		return fmt.Errorf("command is required")
	}
	if !strings.HasPrefix(cfg.ScriptsMount, "/") {
		return fmt.Errorf("scripts_mount must be an absolute container path")
	}
	if cfg.Parallel.MaxConcurrency < 0 {
		return fmt.Errorf("parallel.max_concurrency must not be negative")
	}
	if cfg.Containerd.LogBufferBytes < 0 {
		return fmt.Errorf("containerd.log_buffer_bytes must not be negative")
	}
	if cfg.PullTimeout < 0 || cfg.Janitor.MinAgeMinutes < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.ScriptsDir = expandEnv(cfg.ScriptsDir)
	if cfg.ScriptsDir != "" && !filepath.IsAbs(cfg.ScriptsDir) {
		if abs, err := filepath.Abs(cfg.ScriptsDir); err == nil {
			cfg.ScriptsDir = abs
		}
	}
	cfg.Docker.Address = expandEnv(cfg.Docker.Address)
	cfg.Containerd.Address = expandEnv(cfg.Containerd.Address)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
