package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/dockerrunner/core"
	"pkt.systems/dockerrunner/internal/appconfig"
	"pkt.systems/dockerrunner/internal/shipohoy"
	"pkt.systems/dockerrunner/internal/shipohoy/containerd"
	"pkt.systems/dockerrunner/internal/shipohoy/docker"
	"pkt.systems/dockerrunner/schema"
	"pkt.systems/pslog"
)

func selectRuntime(ctx context.Context, cfg appconfig.Config) (shipohoy.Runtime, func() error, error) {
	switch cfg.Runtime {
	case "docker":
		rt, err := docker.New(ctx, docker.Config{
			Address:     cfg.Docker.Address,
			PullTimeout: time.Duration(cfg.PullTimeout) * time.Minute,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("docker connection failed (%s): %w", cfg.Docker.Address, err)
		}
		return rt, rt.Close, nil
	case "containerd":
		rt, err := containerd.New(ctx, containerd.Config{
			Address:        cfg.Containerd.Address,
			Namespace:      cfg.Containerd.Namespace,
			Snapshotter:    cfg.Containerd.Snapshotter,
			PullTimeout:    time.Duration(cfg.PullTimeout) * time.Minute,
			LogBufferBytes: cfg.Containerd.LogBufferBytes,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("containerd connection failed (%s): %w", cfg.Containerd.Address, err)
		}
		return rt, rt.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported runtime %q", cfg.Runtime)
	}
}

// configFlags are shared by every command that talks to a runtime.
type configFlags struct {
	path    string
	runtime string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&f.runtime, "runtime", "", "container runtime (docker or containerd)")
}

func (f *configFlags) load() (appconfig.Config, error) {
	cfg, err := appconfig.Load(f.path)
	if err != nil {
		return appconfig.Config{}, err
	}
	if rt := strings.ToLower(strings.TrimSpace(f.runtime)); rt != "" {
		cfg.Runtime = rt
	}
	return cfg, nil
}

func logRuntimeSelected(logger pslog.Logger, cfg appconfig.Config) {
	switch cfg.Runtime {
	case "docker":
		logger.Info("runtime selected", "runtime", cfg.Runtime, "address", cfg.Docker.Address)
	case "containerd":
		logger.Info("runtime selected", "runtime", cfg.Runtime, "address", cfg.Containerd.Address, "namespace", cfg.Containerd.Namespace)
	default:
		logger.Info("runtime selected", "runtime", cfg.Runtime)
	}
}

func yardPlan(cfg appconfig.Config) shipohoy.YardPlan {
	return shipohoy.YardPlan{
		NamePrefix: cfg.NamePrefix,
		ResourceCaps: shipohoy.ResourceCaps{
			MemoryBytes: cfg.Resources.MemoryBytes,
			NanoCPUs:    cfg.Resources.NanoCPUs,
		},
	}
}

func serviceConfig(cfg appconfig.Config) schema.ServiceConfig {
	return schema.ServiceConfig{
		Image:          cfg.Image,
		Command:        cfg.Command,
		ScriptsDir:     cfg.ScriptsDir,
		ScriptsMount:   cfg.ScriptsMount,
		MaxConcurrency: cfg.Parallel.MaxConcurrency,
	}
}

// stack bundles everything a batch needs once a runtime is connected.
type stack struct {
	yard    *shipohoy.Yard
	metrics *core.Metrics
	service core.Service
	close   func() error
}

func openStack(ctx context.Context, cfg appconfig.Config) (*stack, error) {
	logger := pslog.Ctx(ctx)
	logRuntimeSelected(logger, cfg)
	rt, closeFn, err := selectRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	yard := shipohoy.Commission(yardPlan(cfg), rt)
	metrics := core.NewMetrics()
	service, err := core.NewService(serviceConfig(cfg), core.ServiceDeps{
		Yard:    yard,
		Metrics: metrics,
	})
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	return &stack{yard: yard, metrics: metrics, service: service, close: closeFn}, nil
}

// shutdown removes containers the yard still tracks and closes the runtime.
func (s *stack) shutdown(ctx context.Context) {
	logger := pslog.Ctx(ctx)
	if left := s.yard.Manifest(); left > 0 {
		logger.Warn("leftover containers discharge start", "count", left)
		removed := s.yard.DischargeAll(context.WithoutCancel(ctx))
		logger.Info("leftover containers discharge ok", "removed", removed)
	}
	if s.close != nil {
		if err := s.close(); err != nil {
			logger.Warn("runtime close failed", "err", err)
		}
	}
}

func runJanitor(ctx context.Context, yard *shipohoy.Yard, minAge time.Duration) (int, error) {
	logger := pslog.Ctx(ctx)
	logger.Info("janitor start", "min_age", minAge.String())
	removed, err := yard.Janitor(ctx, shipohoy.JanitorSpec{MinAge: minAge})
	if err != nil {
		logger.Warn("janitor failed", "err", err)
		return removed, err
	}
	logger.Info("janitor ok", "removed", removed)
	return removed, nil
}
