package schema

import (
	"errors"
	"path/filepath"
	"strings"
)

// ServiceConfig defines what every container unit runs.
type ServiceConfig struct {
	Image        string
	Command      []string
	ScriptsDir   string
	ScriptsMount string
	// MaxConcurrency bounds parallel batches. Zero launches every unit at once.
	MaxConcurrency int
}

const (
	// DefaultImage is the guest image used when none is configured.
	DefaultImage = "docker.io/library/python:3.11-slim"
	// DefaultScriptsMount is where the host script directory appears in the guest.
	DefaultScriptsMount = "/scripts"
)

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	cfg.Image = strings.TrimSpace(cfg.Image)
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.ScriptsMount == "" {
		cfg.ScriptsMount = DefaultScriptsMount
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"python", cfg.ScriptsMount + "/hello.py"}
	}
	if cfg.ScriptsDir == "" {
		return ServiceConfig{}, errors.New("scripts dir is required")
	}
	if !filepath.IsAbs(cfg.ScriptsDir) {
		abs, err := filepath.Abs(cfg.ScriptsDir)
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.ScriptsDir = abs
	}
	if cfg.MaxConcurrency < 0 {
		return ServiceConfig{}, errors.New("max concurrency must not be negative")
	}
	return cfg, nil
}
